package proxy

import "errors"

// Connection errors. Each is contained to the connection it occurred on;
// none of them tears down the listener. Wrapped values are classified with
// errors.Is.
var (
	// ErrInvalidProtocol marks a prefix no registered handler accepted, or a
	// recognized request that violated a hard constraint (missing Host,
	// malformed CONNECT target, failed client-side TLS handshake). The client
	// socket is closed without a response.
	ErrInvalidProtocol = errors.New("invalid protocol")

	// ErrHandshakeFailed marks a failed TLS handshake. Client-side failures
	// are wrapped in ErrInvalidProtocol, upstream-side failures in
	// ErrUpstreamUnreachable; the sentinel exists so either can also be
	// matched on its own.
	ErrHandshakeFailed = errors.New("tls handshake failed")

	// ErrUpstreamUnreachable marks a failed DNS resolution, TCP connect, or
	// upstream TLS handshake. No server_connected event fires.
	ErrUpstreamUnreachable = errors.New("upstream unreachable")

	// ErrTimeout marks a relay where both directions exceeded the idle window.
	ErrTimeout = errors.New("idle timeout")

	// ErrPeerClosed marks a normal EOF from either side.
	ErrPeerClosed = errors.New("peer closed")
)
