package proxy

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/synchronizing/mitm/internal/ca"
	"github.com/synchronizing/mitm/internal/metrics"
)

func newTestHandler(t *testing.T, opts ...HTTPOption) (*HTTPHandler, *ca.Authority) {
	t.Helper()
	authority, err := ca.LoadOrCreate(t.TempDir(), testLogger().Module("CA"))
	if err != nil {
		t.Fatalf("LoadOrCreate: %v", err)
	}
	base := []HTTPOption{WithDialTimeout(2 * time.Second)}
	h := NewHTTPHandler(authority, testLogger(), metrics.New(), append(base, opts...)...)
	return h, authority
}

// --- descriptor ---

func TestHTTPHandler_Defaults(t *testing.T) {
	h, _ := newTestHandler(t)
	d := h.Descriptor()
	if d.BytesNeeded != 8192 || d.BufferSize != 8192 || d.Timeout != 5*time.Second || !d.KeepAlive {
		t.Errorf("unexpected defaults: %+v", d)
	}
}

func TestHTTPHandler_Options(t *testing.T) {
	h, _ := newTestHandler(t, WithBufferSize(1024), WithTimeout(time.Second), WithKeepAlive(false))
	d := h.Descriptor()
	if d.BufferSize != 1024 || d.Timeout != time.Second || d.KeepAlive {
		t.Errorf("options not applied: %+v", d)
	}
}

// --- protocol refusal ---

func TestConnect_GarbagePrefix(t *testing.T) {
	h, _ := newTestHandler(t)
	err := h.Connect(context.Background(), NewConnection(nil), []byte("GARBAGE\r\n\r\n"))
	if !errors.Is(err, ErrInvalidProtocol) {
		t.Errorf("got %v, want ErrInvalidProtocol", err)
	}
}

func TestConnect_MissingHostHeader(t *testing.T) {
	h, _ := newTestHandler(t)
	err := h.Connect(context.Background(), NewConnection(nil), []byte("GET / HTTP/1.1\r\n\r\n"))
	if !errors.Is(err, ErrInvalidProtocol) {
		t.Errorf("got %v, want ErrInvalidProtocol", err)
	}
}

func TestConnect_MalformedConnectTarget(t *testing.T) {
	h, _ := newTestHandler(t)
	// No port in the tunnel target.
	err := h.Connect(context.Background(), NewConnection(nil),
		[]byte("CONNECT example.test HTTP/1.1\r\nHost: example.test\r\n\r\n"))
	if !errors.Is(err, ErrInvalidProtocol) {
		t.Errorf("got %v, want ErrInvalidProtocol", err)
	}
}

// --- plain path ---

func TestConnect_PlainDialsAndStashesPrefix(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			defer conn.Close()
			time.Sleep(50 * time.Millisecond)
		}
	}()

	h, _ := newTestHandler(t)
	prefix := []byte(fmt.Sprintf("GET / HTTP/1.1\r\nHost: %s\r\n\r\n", ln.Addr()))
	c := NewConnection(nil)

	if err := h.Connect(context.Background(), c, prefix); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if !c.Server.Resolved() {
		t.Fatal("server host not resolved")
	}
	defer c.Server.Close()
	if got := c.takePending(); !bytes.Equal(got, prefix) {
		t.Errorf("pending bytes: got %q, want the original prefix", got)
	}
}

func TestConnect_PlainUnreachable(t *testing.T) {
	h, _ := newTestHandler(t)
	// Port 1 on loopback: nothing listens there.
	err := h.Connect(context.Background(), NewConnection(nil),
		[]byte("GET / HTTP/1.1\r\nHost: 127.0.0.1:1\r\n\r\n"))
	if !errors.Is(err, ErrUpstreamUnreachable) {
		t.Errorf("got %v, want ErrUpstreamUnreachable", err)
	}
}

// --- CONNECT path ---

// connectClient answers the proxy side of a CONNECT from a pipe: consumes
// the 200 response, then completes the TLS handshake as the client.
func connectClient(t *testing.T, conn net.Conn, authority *ca.Authority, host string, done chan<- *tls.Conn) {
	t.Helper()
	go func() {
		buf := make([]byte, len(connectEstablished))
		if _, err := conn.Read(buf); err != nil {
			done <- nil
			return
		}
		if !bytes.Equal(buf, []byte(connectEstablished)) {
			t.Errorf("CONNECT response: got %q, want %q", buf, connectEstablished)
		}
		tc := tls.Client(conn, &tls.Config{
			RootCAs:    authority.Pool(),
			ServerName: host,
			MinVersion: tls.VersionTLS12,
		})
		if err := tc.Handshake(); err != nil {
			t.Errorf("client handshake: %v", err)
			done <- nil
			return
		}
		done <- tc
	}()
}

func TestConnect_TLSTunnel(t *testing.T) {
	h, authority := newTestHandler(t)
	upstreamAddr := startTLSEcho(t, authority)
	h.upstreamRoots = authority.Pool()

	clientSide, proxySide := net.Pipe()
	defer clientSide.Close()

	done := make(chan *tls.Conn, 1)
	connectClient(t, clientSide, authority, "127.0.0.1", done)

	c := NewConnection(proxySide)
	prefix := []byte(fmt.Sprintf("CONNECT %s HTTP/1.0\r\n\r\n", upstreamAddr))
	if err := h.Connect(context.Background(), c, prefix); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Server.Close()

	clientTLS := <-done
	if clientTLS == nil {
		t.Fatal("client handshake did not complete")
	}

	// Presented certificate is a leaf for the tunnel target, signed by the CA.
	peer := clientTLS.ConnectionState().PeerCertificates[0]
	if peer.Subject.CommonName != "127.0.0.1" {
		t.Errorf("presented CN: got %q", peer.Subject.CommonName)
	}

	// Decrypted bytes flow: client → proxy-side read, proxy → upstream echo.
	go func() {
		clientTLS.Write([]byte("ping")) //nolint:errcheck // test write
	}()
	buf := make([]byte, 16)
	n, err := c.Client.Conn().Read(buf)
	if err != nil {
		t.Fatalf("read decrypted client bytes: %v", err)
	}
	if got := string(buf[:n]); got != "ping" {
		t.Errorf("decrypted client bytes: got %q", got)
	}

	if _, err := c.Server.Conn().Write([]byte("ping")); err != nil {
		t.Fatalf("write upstream: %v", err)
	}
	n, err = c.Server.Conn().Read(buf)
	if err != nil {
		t.Fatalf("read upstream echo: %v", err)
	}
	if got := string(buf[:n]); got != "echo:ping" {
		t.Errorf("upstream echo: got %q", got)
	}
}

func TestConnect_UpstreamUnreachableAfterClientHandshake(t *testing.T) {
	h, authority := newTestHandler(t)

	clientSide, proxySide := net.Pipe()
	defer clientSide.Close()

	done := make(chan *tls.Conn, 1)
	connectClient(t, clientSide, authority, "127.0.0.1", done)

	c := NewConnection(proxySide)
	err := h.Connect(context.Background(), c, []byte("CONNECT 127.0.0.1:1 HTTP/1.0\r\n\r\n"))
	if !errors.Is(err, ErrUpstreamUnreachable) {
		t.Fatalf("got %v, want ErrUpstreamUnreachable", err)
	}
	if clientTLS := <-done; clientTLS == nil {
		t.Error("client handshake should have completed before the upstream dial failed")
	}
	if c.Server.Resolved() {
		t.Error("server host resolved despite unreachable upstream")
	}
}

// startTLSEcho serves a TLS endpoint presenting a leaf for 127.0.0.1 that
// echoes every chunk back prefixed with "echo:".
func startTLSEcho(t *testing.T, authority *ca.Authority) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })

	leaf, err := authority.LeafFor("127.0.0.1")
	if err != nil {
		t.Fatal(err)
	}
	cfg := ca.ServerConfig(leaf)

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(raw net.Conn) {
				ts := tls.Server(raw, cfg)
				if err := ts.Handshake(); err != nil {
					raw.Close()
					return
				}
				buf := make([]byte, 4096)
				for {
					n, err := ts.Read(buf)
					if err != nil {
						ts.Close()
						return
					}
					if _, err := ts.Write(append([]byte("echo:"), buf[:n]...)); err != nil {
						ts.Close()
						return
					}
				}
			}(conn)
		}
	}()
	return ln.Addr().String()
}
