package proxy

import (
	"net"
	"strconv"
	"time"
)

// Host is one endpoint of a relayed pair: the underlying socket, the observed
// address, and whether the supervisor owns teardown of the socket. The
// client-side Host exists from accept time; the server-side Host stays
// unresolved until a protocol handler dials upstream.
type Host struct {
	conn net.Conn

	IP   net.IP
	Port int

	// Managed reports whether the supervisor closes the socket on teardown.
	// Callers embedding the proxy can set it to false to own one endpoint's
	// lifecycle; the relay still stops reading and writing on close.
	Managed bool
}

// NewHost wraps an established socket, recording its remote address.
func NewHost(conn net.Conn) *Host {
	h := &Host{Managed: true}
	h.attach(conn)
	return h
}

// attach binds the socket and fills in the observed remote address.
func (h *Host) attach(conn net.Conn) {
	h.conn = conn
	if conn == nil {
		return
	}
	if addr := conn.RemoteAddr(); addr != nil {
		if host, port, err := net.SplitHostPort(addr.String()); err == nil {
			h.IP = net.ParseIP(host)
			if p, err := strconv.Atoi(port); err == nil {
				h.Port = p
			}
		}
	}
}

// upgrade swaps the socket handle, e.g. for the TLS-wrapped connection after
// a handshake. The observed address is kept.
func (h *Host) upgrade(conn net.Conn) {
	h.conn = conn
}

// Conn returns the current socket handle, nil if unresolved.
func (h *Host) Conn() net.Conn {
	return h.conn
}

// Resolved reports whether the host has an established socket.
func (h *Host) Resolved() bool {
	return h.conn != nil
}

// CloseWrite half-closes the socket if it supports it (TCP and TLS
// connections both do), so the peer observes EOF while the read side keeps
// draining.
func (h *Host) CloseWrite() {
	type closeWriter interface{ CloseWrite() error }
	if cw, ok := h.conn.(closeWriter); ok {
		cw.CloseWrite() //nolint:errcheck // best-effort half-close
	}
}

// abort unblocks any in-flight reads and writes. Managed sockets are closed
// outright; unmanaged ones get an expired deadline so I/O stops but the
// owner keeps a usable handle for teardown.
func (h *Host) abort() {
	if h.conn == nil {
		return
	}
	if h.Managed {
		h.conn.Close() //nolint:errcheck // unblocking close
		return
	}
	h.conn.SetDeadline(time.Unix(1, 0)) //nolint:errcheck // expiring deadlines on a live socket
}

// Close tears down the socket when the host is managed. Unmanaged hosts are
// left open; their owner closes them.
func (h *Host) Close() error {
	if h.conn == nil || !h.Managed {
		return nil
	}
	return h.conn.Close()
}

// Connection is one intercepted session: the client that connected to the
// proxy and the server it intended to reach. Client is always fully
// initialized; Server is unresolved until the protocol handler succeeds.
type Connection struct {
	Client *Host
	Server *Host

	proto   Handler
	pending []byte
}

// NewConnection builds a session around an accepted client socket.
func NewConnection(client net.Conn) *Connection {
	return &Connection{
		Client: NewHost(client),
		Server: &Host{Managed: true},
	}
}

// Protocol returns the handler that claimed this connection, nil before
// dispatch succeeds.
func (c *Connection) Protocol() Handler {
	return c.proto
}

// setProtocol records the winning handler. Once set it never changes.
func (c *Connection) setProtocol(h Handler) {
	if c.proto == nil {
		c.proto = h
	}
}

// stashPending stores prefix bytes that still have to be forwarded upstream
// through the client_data chain once server_connected has fired.
func (c *Connection) stashPending(b []byte) {
	c.pending = b
}

// takePending returns and clears any stashed prefix bytes.
func (c *Connection) takePending() []byte {
	b := c.pending
	c.pending = nil
	return b
}
