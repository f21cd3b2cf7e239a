// Command mitm is a customizable man-in-the-middle TCP proxy.
//
// It accepts client connections, sniffs the first bytes to identify the
// application protocol, and relays decrypted traffic through a middleware
// chain. HTTPS is intercepted via CONNECT: the proxy answers with a
// certificate minted for the target host, signed by a local CA that is
// generated on first run.
//
// Usage:
//
//	# Defaults: proxy on 127.0.0.1:8888, management API on 127.0.0.1:8889
//	./mitm
//
//	# Custom ports and CA directory
//	MITM_PROXY_PORT=3128 MITM_CA_DIR=~/.mitm ./mitm
//
// Point clients at the proxy and trust the CA certificate (download it from
// the management API at /ca).
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/synchronizing/mitm/internal/ca"
	"github.com/synchronizing/mitm/internal/config"
	"github.com/synchronizing/mitm/internal/logger"
	"github.com/synchronizing/mitm/internal/management"
	"github.com/synchronizing/mitm/internal/metrics"
	"github.com/synchronizing/mitm/internal/proxy"
)

func main() {
	cfg := config.Load()
	log := logger.New("MITM", cfg.LogLevel)

	printBanner(cfg)

	// Shared metrics collector — passed to every component so counters are
	// unified.
	m := metrics.New()

	caOpts := []ca.Option{
		ca.WithCacheSize(cfg.LeafCacheSize),
		ca.WithMetrics(m),
	}
	if cfg.LeafCacheFile != "" {
		store, err := ca.NewBoltStore(cfg.LeafCacheFile, log.Module("CA"))
		if err != nil {
			log.Fatalf("leaf_store", "open %s: %v", cfg.LeafCacheFile, err)
		}
		caOpts = append(caOpts, ca.WithStore(store))
	}
	authority, err := ca.LoadOrCreate(cfg.CADir, log.Module("CA"), caOpts...)
	if err != nil {
		log.Fatalf("ca_init", "%v", err)
	}
	defer func() {
		if err := authority.Close(); err != nil {
			log.Warnf("ca_close", "%v", err)
		}
	}()

	httpHandler := proxy.NewHTTPHandler(authority, log.Module("HTTP"), m,
		proxy.WithBufferSize(cfg.BufferSize),
		proxy.WithTimeout(time.Duration(cfg.TimeoutSecs)*time.Second),
		proxy.WithKeepAlive(cfg.KeepAlive),
	)
	registry, err := proxy.NewRegistry(httpHandler)
	if err != nil {
		log.Fatalf("registry", "%v", err)
	}
	chain := proxy.NewChain(log.Module("MW"), proxy.NewLogMiddleware(log.Module("MW")))

	supervisor := proxy.New(proxy.Config{
		Host:           cfg.BindAddress,
		Port:           cfg.ProxyPort,
		MaxConnections: cfg.MaxConnections,
		PrefixTimeout:  time.Duration(cfg.TimeoutSecs) * time.Second,
	}, registry, chain, m, log.Module("PROXY"))

	// Start management API in background. Fatal is intentional: the proxy
	// should not run without its control plane.
	mgmt := management.New(cfg, authority, m, log.Module("MGMT"))
	go func() {
		if err := mgmt.ListenAndServe(); err != nil {
			log.Fatalf("management", "%v", err)
		}
	}()

	// Graceful shutdown on SIGINT / SIGTERM
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		log.Info("shutdown", "draining connections")
		ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.ShutdownGraceSecs)*time.Second)
		defer cancel()
		if err := supervisor.Shutdown(ctx); err != nil {
			log.Warnf("shutdown", "forced close after grace window: %v", err)
		}
		if err := mgmt.Shutdown(ctx); err != nil {
			log.Warnf("shutdown", "management: %v", err)
		}
	}()

	if err := supervisor.ListenAndServe(); err != nil {
		log.Fatalf("serve", "%v", err)
	}
}

func printBanner(cfg *config.Config) {
	fmt.Printf(`
╔══════════════════════════════════════════════════════╗
║                MITM Proxy  (Go)                      ║
╚══════════════════════════════════════════════════════╝
  Proxy address   : %s
  Management port : %d
  CA directory    : %s

  Point clients here:
    export HTTP_PROXY=http://%s
    export HTTPS_PROXY=http://%s

  Download the CA certificate:
    curl http://%s/ca -o mitm.pem
`,
		net.JoinHostPort(cfg.BindAddress, fmt.Sprint(cfg.ProxyPort)),
		cfg.ManagementPort,
		cfg.CADir,
		net.JoinHostPort(cfg.BindAddress, fmt.Sprint(cfg.ProxyPort)),
		net.JoinHostPort(cfg.BindAddress, fmt.Sprint(cfg.ProxyPort)),
		net.JoinHostPort(cfg.BindAddress, fmt.Sprint(cfg.ManagementPort)))
}
