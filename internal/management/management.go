// Package management provides a lightweight HTTP API for runtime inspection
// of the running proxy.
//
// Endpoints:
//
//	GET /status   - proxy health, config summary, metrics snapshot
//	GET /ca       - PEM download of the public CA certificate
//	GET /metrics  - Prometheus exposition of the proxy counters
package management

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/synchronizing/mitm/internal/ca"
	"github.com/synchronizing/mitm/internal/config"
	"github.com/synchronizing/mitm/internal/logger"
	"github.com/synchronizing/mitm/internal/metrics"
)

// Server is the management API server.
type Server struct {
	cfg       *config.Config
	authority *ca.Authority
	metrics   *metrics.Metrics
	log       *logger.Logger
	token     string // bearer token for auth; empty = no auth
	startTime time.Time

	httpSrv *http.Server
}

// New wires the management server. The authority supplies the downloadable
// CA certificate; m feeds /status and /metrics.
func New(cfg *config.Config, authority *ca.Authority, m *metrics.Metrics, log *logger.Logger) *Server {
	s := &Server{
		cfg:       cfg,
		authority: authority,
		metrics:   m,
		log:       log,
		token:     cfg.ManagementToken,
		startTime: time.Now(),
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(metrics.NewCollector(m))

	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", s.auth(s.handleStatus))
	mux.HandleFunc("GET /ca", s.auth(s.handleCA))
	mux.Handle("GET /metrics", s.authHandler(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))

	s.httpSrv = &http.Server{
		Addr:              net.JoinHostPort(cfg.BindAddress, fmt.Sprint(cfg.ManagementPort)),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// ListenAndServe starts the management API and blocks until Shutdown.
func (s *Server) ListenAndServe() error {
	s.log.Infof("serve", "management API on %s", s.httpSrv.Addr)
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops the management API gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

// auth wraps a handler func with optional bearer-token auth.
func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	return s.authHandler(next).ServeHTTP
}

// authHandler enforces the bearer token when one is configured. Comparison
// is constant-time.
func (s *Server) authHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.token != "" {
			got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if subtle.ConstantTimeCompare([]byte(got), []byte(s.token)) != 1 {
				s.log.Warnf("auth", "rejected %s from %s", r.URL.Path, r.RemoteAddr)
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// statusResponse is the JSON shape of GET /status.
type statusResponse struct {
	Status      string           `json:"status"`
	ListenAddr  string           `json:"listenAddr"`
	UptimeSecs  float64          `json:"uptimeSecs"`
	CachedHosts []string         `json:"cachedHosts"`
	Metrics     metrics.Snapshot `json:"metrics"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Status:      "ok",
		ListenAddr:  net.JoinHostPort(s.cfg.BindAddress, fmt.Sprint(s.cfg.ProxyPort)),
		UptimeSecs:  time.Since(s.startTime).Seconds(),
		CachedHosts: s.authority.CachedHosts(),
		Metrics:     s.metrics.Snapshot(),
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.log.Warnf("status", "encode response: %v", err)
	}
}

// handleCA serves the public CA certificate so clients can trust the proxy.
// The private key never leaves the process.
func (s *Server) handleCA(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/x-pem-file")
	w.Header().Set("Content-Disposition", `attachment; filename="mitm.pem"`)
	if _, err := w.Write(s.authority.PEM()); err != nil {
		s.log.Warnf("ca_download", "write certificate: %v", err)
	}
}
