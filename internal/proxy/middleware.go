package proxy

import (
	"fmt"
	"net"

	"github.com/synchronizing/mitm/internal/logger"
)

// Middleware observes connection lifecycle events and may mutate the
// decrypted byte streams. ClientData and ServerData must return the bytes to
// forward; the other hooks are notifications.
//
// Hooks run on the connection's goroutine. A hook that panics is logged and
// skipped; it never tears down the connection.
type Middleware interface {
	// MITMStarted fires once when the listener is bound.
	MITMStarted(host string, port int)

	// ClientConnected fires when a client socket is accepted.
	ClientConnected(c *Connection)

	// ServerConnected fires after the protocol handler resolved and dialed
	// the upstream. It never fires when resolution or the dial failed.
	ServerConnected(c *Connection)

	// ClientData receives each decrypted chunk flowing client→server and
	// returns the bytes to forward, possibly mutated.
	ClientData(c *Connection, data []byte) []byte

	// ServerData receives each decrypted chunk flowing server→client and
	// returns the bytes to forward, possibly mutated.
	ServerData(c *Connection, data []byte) []byte

	// ClientDisconnected fires when the client side is torn down.
	ClientDisconnected(c *Connection)

	// ServerDisconnected fires when the server side is torn down. Only after
	// a ServerConnected.
	ServerDisconnected(c *Connection)
}

// Base is a Middleware with no-op hooks; embed it to implement only the
// events of interest.
type Base struct{}

func (Base) MITMStarted(string, int)                        {}
func (Base) ClientConnected(*Connection)                    {}
func (Base) ServerConnected(*Connection)                    {}
func (Base) ClientData(_ *Connection, data []byte) []byte   { return data }
func (Base) ServerData(_ *Connection, data []byte) []byte   { return data }
func (Base) ClientDisconnected(*Connection)                 {}
func (Base) ServerDisconnected(*Connection)                 {}

// Chain runs an ordered middleware pipeline. For the data hooks, each
// middleware receives the previous one's output; the final output is what
// gets written to the peer. TLS handshake bytes never reach the chain.
type Chain struct {
	mws []Middleware
	log *logger.Logger
}

// NewChain builds a chain over the given middlewares, in order.
func NewChain(log *logger.Logger, mws ...Middleware) *Chain {
	return &Chain{mws: mws, log: log}
}

// run invokes f, recovering and logging a panic so one misbehaving hook
// cannot take the connection down.
func (ch *Chain) run(hook string, f func()) {
	defer func() {
		if r := recover(); r != nil {
			ch.log.Warnf("hook_panic", "%s: %v", hook, r)
		}
	}()
	f()
}

// MITMStarted notifies every middleware that the listener is up.
func (ch *Chain) MITMStarted(host string, port int) {
	for _, mw := range ch.mws {
		ch.run("mitm_started", func() { mw.MITMStarted(host, port) })
	}
}

// ClientConnected notifies every middleware of a new client.
func (ch *Chain) ClientConnected(c *Connection) {
	for _, mw := range ch.mws {
		ch.run("client_connected", func() { mw.ClientConnected(c) })
	}
}

// ServerConnected notifies every middleware of a resolved upstream.
func (ch *Chain) ServerConnected(c *Connection) {
	for _, mw := range ch.mws {
		ch.run("server_connected", func() { mw.ServerConnected(c) })
	}
}

// ClientData threads a client→server chunk through the pipeline and returns
// the bytes to forward. A panicking middleware leaves the chunk unmodified.
func (ch *Chain) ClientData(c *Connection, data []byte) []byte {
	for _, mw := range ch.mws {
		in := data
		ch.run("client_data", func() {
			if out := mw.ClientData(c, in); out != nil {
				data = out
			} else {
				data = in
			}
		})
	}
	return data
}

// ServerData threads a server→client chunk through the pipeline and returns
// the bytes to forward. A panicking middleware leaves the chunk unmodified.
func (ch *Chain) ServerData(c *Connection, data []byte) []byte {
	for _, mw := range ch.mws {
		in := data
		ch.run("server_data", func() {
			if out := mw.ServerData(c, in); out != nil {
				data = out
			} else {
				data = in
			}
		})
	}
	return data
}

// ClientDisconnected notifies every middleware of client teardown.
func (ch *Chain) ClientDisconnected(c *Connection) {
	for _, mw := range ch.mws {
		ch.run("client_disconnected", func() { mw.ClientDisconnected(c) })
	}
}

// ServerDisconnected notifies every middleware of server teardown.
func (ch *Chain) ServerDisconnected(c *Connection) {
	for _, mw := range ch.mws {
		ch.run("server_disconnected", func() { mw.ServerDisconnected(c) })
	}
}

// LogMiddleware is the default middleware: it logs lifecycle events and chunk
// sizes and forwards bytes untouched.
type LogMiddleware struct {
	Base
	Log *logger.Logger
}

// NewLogMiddleware returns a LogMiddleware writing through log.
func NewLogMiddleware(log *logger.Logger) *LogMiddleware {
	return &LogMiddleware{Log: log}
}

func (m *LogMiddleware) MITMStarted(host string, port int) {
	m.Log.Infof("mitm_started", "listening on %s", net.JoinHostPort(host, fmt.Sprint(port)))
}

func (m *LogMiddleware) ClientConnected(c *Connection) {
	m.Log.Infof("client_connected", "%s", hostLabel(c.Client))
}

func (m *LogMiddleware) ServerConnected(c *Connection) {
	m.Log.Infof("server_connected", "%s -> %s", hostLabel(c.Client), hostLabel(c.Server))
}

func (m *LogMiddleware) ClientData(c *Connection, data []byte) []byte {
	m.Log.Debugf("client_data", "%s: %d bytes", hostLabel(c.Client), len(data))
	return data
}

func (m *LogMiddleware) ServerData(c *Connection, data []byte) []byte {
	m.Log.Debugf("server_data", "%s: %d bytes", hostLabel(c.Server), len(data))
	return data
}

func (m *LogMiddleware) ClientDisconnected(c *Connection) {
	m.Log.Infof("client_disconnected", "%s", hostLabel(c.Client))
}

func (m *LogMiddleware) ServerDisconnected(c *Connection) {
	m.Log.Infof("server_disconnected", "%s", hostLabel(c.Server))
}

func hostLabel(h *Host) string {
	if h == nil || h.IP == nil {
		return "unresolved"
	}
	return net.JoinHostPort(h.IP.String(), fmt.Sprint(h.Port))
}
