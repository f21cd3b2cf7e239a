package proxy

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Descriptor is the static configuration of a protocol handler.
type Descriptor struct {
	// BytesNeeded is the minimum prefix required to attempt identification.
	BytesNeeded int

	// BufferSize is the per-chunk relay read size.
	BufferSize int

	// Timeout is the idle window for relay reads.
	Timeout time.Duration

	// KeepAlive restarts the relay after one completed request/response
	// cycle; when false the connection closes after the first cycle.
	KeepAlive bool
}

// Handler identifies an application-layer protocol from a bounded prefix and
// establishes the upstream connection. Connect returns ErrInvalidProtocol
// (possibly wrapped) when the prefix is not this handler's protocol, letting
// the registry try the next one.
type Handler interface {
	Descriptor() Descriptor
	Connect(ctx context.Context, conn *Connection, prefix []byte) error
}

// Registry is the ordered set of protocol handlers for a supervisor.
type Registry struct {
	handlers []Handler
}

// NewRegistry builds a registry dispatching to handlers in the given order.
func NewRegistry(handlers ...Handler) (*Registry, error) {
	if len(handlers) == 0 {
		return nil, fmt.Errorf("registry requires at least one handler")
	}
	return &Registry{handlers: handlers}, nil
}

// MaxPrefixBytes is the largest prefix any registered handler needs.
func (r *Registry) MaxPrefixBytes() int {
	max := 0
	for _, h := range r.handlers {
		if n := h.Descriptor().BytesNeeded; n > max {
			max = n
		}
	}
	return max
}

// Dispatch offers the prefix to each handler in registration order. The
// first handler whose Connect does not report ErrInvalidProtocol wins and is
// recorded on the connection. A winning handler's failure (e.g. upstream
// unreachable) is returned as-is; later handlers are not consulted. If every
// handler refuses, Dispatch fails with ErrInvalidProtocol.
func (r *Registry) Dispatch(ctx context.Context, conn *Connection, prefix []byte) (Handler, error) {
	for _, h := range r.handlers {
		err := h.Connect(ctx, conn, prefix)
		if err == nil {
			conn.setProtocol(h)
			return h, nil
		}
		if errors.Is(err, ErrInvalidProtocol) {
			continue
		}
		conn.setProtocol(h)
		return h, err
	}
	return nil, fmt.Errorf("no handler accepted the prefix: %w", ErrInvalidProtocol)
}
