// Package proxy implements the MITM core: a TCP connection supervisor that
// sniffs a bounded prefix off every accepted client, dispatches it to a
// protocol handler, and relays decrypted bytes bidirectionally through a
// middleware chain.
//
// Traffic flow:
//   - CONNECT requests: answered at the proxy, client-side TLS handshake
//     with a minted leaf, verified TLS to the destination, decrypted relay
//   - other HTTP requests: plaintext upstream on the Host header's port,
//     original request bytes forwarded verbatim
//   - anything else: the client socket is closed without a response
package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/netutil"

	"github.com/synchronizing/mitm/internal/logger"
	"github.com/synchronizing/mitm/internal/metrics"
)

// Config holds the supervisor's runtime options.
type Config struct {
	// Host and Port form the listen address.
	Host string
	Port int

	// MaxConnections caps concurrently accepted clients; 0 means unlimited.
	MaxConnections int

	// PrefixTimeout is the idle window for the initial sniff read.
	// Defaults to 5s.
	PrefixTimeout time.Duration
}

// Supervisor owns the listener and every intercepted connection.
type Supervisor struct {
	cfg      Config
	registry *Registry
	chain    *Chain
	metrics  *metrics.Metrics
	log      *logger.Logger

	baseCtx    context.Context
	cancelBase context.CancelFunc

	mu         sync.Mutex
	listener   net.Listener
	conns      map[net.Conn]struct{}
	inShutdown atomic.Bool
	wg         sync.WaitGroup
}

// New wires a supervisor. The registry decides which protocols are
// intercepted; the chain observes and may mutate every relayed chunk.
func New(cfg Config, registry *Registry, chain *Chain, m *metrics.Metrics, log *logger.Logger) *Supervisor {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == 0 {
		cfg.Port = 8888
	}
	if cfg.PrefixTimeout <= 0 {
		cfg.PrefixTimeout = 5 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		cfg:        cfg,
		registry:   registry,
		chain:      chain,
		metrics:    m,
		log:        log,
		baseCtx:    ctx,
		cancelBase: cancel,
		conns:      make(map[net.Conn]struct{}),
	}
}

// ListenAndServe binds the configured address and runs the accept loop until
// Shutdown.
func (s *Supervisor) ListenAndServe() error {
	addr := net.JoinHostPort(s.cfg.Host, fmt.Sprint(s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return s.Serve(ln)
}

// Serve runs the accept loop on ln until Shutdown or a fatal listener error.
// Transient accept errors are retried with backoff.
func (s *Supervisor) Serve(ln net.Listener) error {
	if s.cfg.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, s.cfg.MaxConnections)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	if addr, ok := ln.Addr().(*net.TCPAddr); ok {
		s.chain.MITMStarted(addr.IP.String(), addr.Port)
	}
	s.log.Infof("serve", "listening on %s", ln.Addr())

	var backoff time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.inShutdown.Load() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				if backoff == 0 {
					backoff = 5 * time.Millisecond
				} else if backoff *= 2; backoff > time.Second {
					backoff = time.Second
				}
				s.log.Warnf("accept", "transient accept error, retrying in %s: %v", backoff, err)
				time.Sleep(backoff)
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}
		backoff = 0

		s.track(conn)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.untrack(conn)
			s.handle(conn)
		}()
	}
}

// Addr returns the bound listener address, nil before Serve.
func (s *Supervisor) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Shutdown stops accepting, waits for in-flight connections to drain until
// ctx expires, then force-closes whatever is left.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.inShutdown.Store(true)
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln != nil {
		ln.Close() //nolint:errcheck // double-close is benign here
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.cancelBase()
		s.mu.Lock()
		for conn := range s.conns {
			conn.Close() //nolint:errcheck // force-close on grace expiry
		}
		s.mu.Unlock()
		<-done
		return ctx.Err()
	}
}

func (s *Supervisor) track(conn net.Conn) {
	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()
}

func (s *Supervisor) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

// handle drives one intercepted connection from sniff to teardown. Errors
// never escape: they are logged, counted, and end this connection only.
func (s *Supervisor) handle(raw net.Conn) {
	s.metrics.ConnectionsTotal.Add(1)
	s.metrics.ConnectionsActive.Add(1)
	defer s.metrics.ConnectionsActive.Add(-1)

	c := NewConnection(raw)
	s.chain.ClientConnected(c)

	serverUp := false
	defer func() {
		c.Client.Close() //nolint:errcheck // teardown
		if c.Server.Resolved() {
			c.Server.Close() //nolint:errcheck // teardown
		}
		s.chain.ClientDisconnected(c)
		if serverUp {
			s.chain.ServerDisconnected(c)
		}
	}()

	prefix, err := s.readPrefix(raw)
	if err != nil {
		if errors.Is(err, ErrTimeout) {
			s.metrics.ErrorsTimeout.Add(1)
			s.log.Warnf("sniff", "%s: %v", raw.RemoteAddr(), err)
		} else if !errors.Is(err, ErrPeerClosed) {
			s.log.Warnf("sniff", "%s: %v", raw.RemoteAddr(), err)
		}
		return
	}

	handler, err := s.registry.Dispatch(s.baseCtx, c, prefix)
	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidProtocol):
			s.metrics.ErrorsProtocol.Add(1)
			s.log.Warnf("dispatch", "%s: %v", raw.RemoteAddr(), err)
		case errors.Is(err, ErrUpstreamUnreachable):
			s.metrics.ErrorsUpstream.Add(1)
			s.log.Warnf("dispatch", "%s: %v", raw.RemoteAddr(), err)
		default:
			s.log.Errorf("dispatch", "%s: %v", raw.RemoteAddr(), err)
		}
		return
	}

	serverUp = true
	s.chain.ServerConnected(c)

	// Plain HTTP stashes the sniffed request; it flows through the
	// client_data chain only now that server_connected has fired, keeping
	// the hook order client_connected → server_connected → *_data.
	var forwarded int64
	if pending := c.takePending(); len(pending) > 0 {
		out := s.chain.ClientData(c, pending)
		if len(out) > 0 {
			if _, err := c.Server.Conn().Write(out); err != nil {
				s.log.Warnf("forward", "%s: write initial request: %v", raw.RemoteAddr(), err)
				return
			}
			s.metrics.BytesClientToServer.Add(int64(len(out)))
			forwarded = int64(len(out))
		}
	}

	if err := s.relay(c, handler.Descriptor(), forwarded); errors.Is(err, ErrTimeout) {
		s.metrics.ErrorsTimeout.Add(1)
		s.log.Debugf("relay", "%s: %v", raw.RemoteAddr(), err)
	}
}

// readPrefix reads up to the registry's maximum prefix in a single read,
// bounded by the sniff idle window.
func (s *Supervisor) readPrefix(conn net.Conn) ([]byte, error) {
	buf := make([]byte, s.registry.MaxPrefixBytes())
	if err := conn.SetReadDeadline(time.Now().Add(s.cfg.PrefixTimeout)); err != nil {
		return nil, fmt.Errorf("set sniff deadline: %w", err)
	}
	n, err := conn.Read(buf)
	conn.SetReadDeadline(time.Time{}) //nolint:errcheck // clearing a deadline on a live socket
	if n > 0 {
		return buf[:n], nil
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return nil, fmt.Errorf("no bytes within sniff window: %w", ErrTimeout)
	}
	return nil, fmt.Errorf("client closed before protocol resolution: %w", ErrPeerClosed)
}
