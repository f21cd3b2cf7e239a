package proxy

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/synchronizing/mitm/internal/ca"
	"github.com/synchronizing/mitm/internal/logger"
	"github.com/synchronizing/mitm/internal/metrics"
)

// connectEstablished is the exact reply to a CONNECT request, before the
// client-side TLS handshake begins. No headers.
const connectEstablished = "HTTP/1.1 200 OK\r\n\r\n"

// HTTPHandler is the built-in protocol handler for HTTP/1.x, including
// CONNECT tunnelling with TLS interception.
type HTTPHandler struct {
	authority *ca.Authority
	log       *logger.Logger
	metrics   *metrics.Metrics

	desc          Descriptor
	dialTimeout   time.Duration
	upstreamRoots *x509.CertPool // nil = system trust store
}

// HTTPOption configures an HTTPHandler.
type HTTPOption func(*HTTPHandler)

// WithBufferSize overrides the relay chunk size.
func WithBufferSize(n int) HTTPOption {
	return func(h *HTTPHandler) {
		if n > 0 {
			h.desc.BufferSize = n
		}
	}
}

// WithTimeout overrides the relay idle window.
func WithTimeout(d time.Duration) HTTPOption {
	return func(h *HTTPHandler) {
		if d > 0 {
			h.desc.Timeout = d
		}
	}
}

// WithKeepAlive controls whether the relay restarts after one
// request/response cycle.
func WithKeepAlive(keepAlive bool) HTTPOption {
	return func(h *HTTPHandler) { h.desc.KeepAlive = keepAlive }
}

// WithDialTimeout overrides the upstream TCP connect timeout.
func WithDialTimeout(d time.Duration) HTTPOption {
	return func(h *HTTPHandler) {
		if d > 0 {
			h.dialTimeout = d
		}
	}
}

// WithUpstreamRoots overrides the trust anchors used to verify destination
// servers, instead of the system trust store.
func WithUpstreamRoots(pool *x509.CertPool) HTTPOption {
	return func(h *HTTPHandler) { h.upstreamRoots = pool }
}

// NewHTTPHandler builds the HTTP handler around a certificate authority.
func NewHTTPHandler(authority *ca.Authority, log *logger.Logger, m *metrics.Metrics, opts ...HTTPOption) *HTTPHandler {
	h := &HTTPHandler{
		authority: authority,
		log:       log,
		metrics:   m,
		desc: Descriptor{
			BytesNeeded: 8192,
			BufferSize:  8192,
			Timeout:     5 * time.Second,
			KeepAlive:   true,
		},
		dialTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Descriptor implements Handler.
func (h *HTTPHandler) Descriptor() Descriptor {
	return h.desc
}

// Connect parses the first request out of the prefix and either answers a
// CONNECT with a TLS interception handshake or opens a plaintext upstream
// for an ordinary method. Anything that does not parse as HTTP reports
// ErrInvalidProtocol so the registry can try the next handler.
func (h *HTTPHandler) Connect(ctx context.Context, conn *Connection, prefix []byte) error {
	req, err := http.ReadRequest(bufio.NewReader(bytes.NewReader(prefix)))
	if err != nil {
		return fmt.Errorf("parse request: %v: %w", err, ErrInvalidProtocol)
	}

	if req.Method == http.MethodConnect {
		return h.connectTLS(ctx, conn, req)
	}
	return h.connectPlain(ctx, conn, req, prefix)
}

// connectTLS answers a CONNECT: 200 to the client, TLS server handshake with
// a minted leaf, then a verified TLS client connection to the destination.
// The CONNECT request itself terminates at the proxy and is never forwarded.
func (h *HTTPHandler) connectTLS(ctx context.Context, conn *Connection, req *http.Request) error {
	host, port, err := net.SplitHostPort(req.Host)
	if err != nil || host == "" || port == "" {
		return fmt.Errorf("malformed CONNECT target %q: %w", req.Host, ErrInvalidProtocol)
	}

	if _, err := conn.Client.Conn().Write([]byte(connectEstablished)); err != nil {
		return fmt.Errorf("write CONNECT response: %v: %w", err, ErrInvalidProtocol)
	}

	leaf, err := h.authority.LeafFor(host)
	if err != nil {
		return fmt.Errorf("mint leaf for %s: %v: %w", host, err, ErrInvalidProtocol)
	}

	start := time.Now()
	clientTLS := tls.Server(conn.Client.Conn(), ca.ServerConfig(leaf))
	if err := clientTLS.HandshakeContext(ctx); err != nil {
		return fmt.Errorf("client handshake for %s: %w: %w", host, errHandshake(err), ErrInvalidProtocol)
	}
	if h.metrics != nil {
		h.metrics.RecordHandshakeLatency(time.Since(start))
	}
	conn.Client.upgrade(clientTLS)
	h.log.Debugf("client_handshake", "%s: TLS established", host)

	raw, err := h.dial(ctx, net.JoinHostPort(host, port))
	if err != nil {
		return err
	}
	upstreamTLS := tls.Client(raw, ca.ClientConfig(host, h.upstreamRoots))
	if err := upstreamTLS.HandshakeContext(ctx); err != nil {
		raw.Close() //nolint:errcheck // connection is already failed
		return fmt.Errorf("upstream handshake for %s: %w: %w", host, errHandshake(err), ErrUpstreamUnreachable)
	}
	conn.Server.attach(upstreamTLS)

	if h.metrics != nil {
		h.metrics.TunnelsTLS.Add(1)
	}
	h.log.Infof("tunnel_open", "CONNECT %s", req.Host)
	return nil
}

// connectPlain resolves the Host header, dials the destination in plaintext,
// and stashes the original prefix so the supervisor forwards it through the
// client_data chain once server_connected has fired.
func (h *HTTPHandler) connectPlain(ctx context.Context, conn *Connection, req *http.Request, prefix []byte) error {
	if req.Host == "" {
		return fmt.Errorf("missing Host header: %w", ErrInvalidProtocol)
	}

	// CONNECT is the only signaled path to TLS; everything else goes to
	// port 80 unless the Host header carries an explicit port.
	host, port := req.Host, "80"
	if strings.Contains(req.Host, ":") {
		if sh, sp, err := net.SplitHostPort(req.Host); err == nil {
			host, port = sh, sp
		}
	}

	raw, err := h.dial(ctx, net.JoinHostPort(host, port))
	if err != nil {
		return err
	}
	conn.Server.attach(raw)
	conn.stashPending(prefix)

	if h.metrics != nil {
		h.metrics.TunnelsPlain.Add(1)
	}
	h.log.Infof("forward_open", "%s %s -> %s:%s", req.Method, req.URL, host, port)
	return nil
}

// dial opens the upstream TCP connection. DNS and connect failures surface
// as ErrUpstreamUnreachable.
func (h *HTTPHandler) dial(ctx context.Context, addr string) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: h.dialTimeout}
	raw, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %v: %w", addr, err, ErrUpstreamUnreachable)
	}
	return raw, nil
}

// errHandshake tags a handshake error with the shared sentinel so callers
// can match it independently of which side failed.
func errHandshake(err error) error {
	return fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
}
