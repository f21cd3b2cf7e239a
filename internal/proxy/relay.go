package proxy

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// relay shuttles bytes between client and server until both sides close or
// both directions sit idle past the handler's timeout. Each direction runs
// independently; within one direction byte order is preserved end-to-end,
// including through the middleware chain.
func (s *Supervisor) relay(c *Connection, desc Descriptor, forwarded int64) error {
	// Shared across both directions: progress on either side keeps the
	// connection alive.
	var lastActivity atomic.Int64
	lastActivity.Store(time.Now().UnixNano())

	// forwarded covers prefix bytes the supervisor already sent upstream;
	// they belong to the first request/response cycle.
	var requestBytes, responseBytes atomic.Int64
	requestBytes.Store(forwarded)

	var wg sync.WaitGroup
	results := make(chan error, 2)

	wg.Add(2)
	go func() {
		defer wg.Done()
		results <- s.copyLoop(copyParams{
			conn:         c,
			src:          c.Client,
			dst:          c.Server,
			transform:    s.chain.ClientData,
			counter:      s.metricCounter(&s.metrics.BytesClientToServer, &requestBytes),
			desc:         desc,
			lastActivity: &lastActivity,
		})
	}()
	go func() {
		defer wg.Done()
		results <- s.copyLoop(copyParams{
			conn:         c,
			src:          c.Server,
			dst:          c.Client,
			transform:    s.chain.ServerData,
			counter:      s.metricCounter(&s.metrics.BytesServerToClient, &responseBytes),
			desc:         desc,
			lastActivity: &lastActivity,
			// keep_alive=false: this direction ends the connection once the
			// first response has flowed after request bytes.
			cycleEnds: !desc.KeepAlive,
			peerBytes: &requestBytes,
		})
	}()
	wg.Wait()
	close(results)

	// ErrTimeout from either direction means both were idle past the window
	// (activity is shared); report it once.
	for err := range results {
		if errors.Is(err, ErrTimeout) {
			return err
		}
	}
	return nil
}

// metricCounter returns a sink adding relayed byte counts to the process
// metric and the per-connection counter.
func (s *Supervisor) metricCounter(total, conn *atomic.Int64) func(int) {
	return func(n int) {
		total.Add(int64(n))
		conn.Add(int64(n))
	}
}

type copyParams struct {
	conn         *Connection
	src, dst     *Host
	transform    func(*Connection, []byte) []byte
	counter      func(int)
	desc         Descriptor
	lastActivity *atomic.Int64

	// cycleEnds marks the direction whose first completed burst of traffic
	// finishes the request/response cycle when keep-alive is off.
	cycleEnds bool
	// peerBytes is the opposite direction's byte counter; a cycle only
	// counts once the peer has sent something.
	peerBytes *atomic.Int64
}

// copyLoop relays one direction chunk by chunk. Every successful read
// refreshes the shared activity stamp; a read deadline with no activity on
// either side past the idle window ends the connection with ErrTimeout. EOF
// half-closes the destination so in-flight bytes of the other direction
// still drain, then returns ErrPeerClosed.
func (s *Supervisor) copyLoop(p copyParams) error {
	buf := make([]byte, p.desc.BufferSize)
	var relayed int64

	for {
		if err := p.src.Conn().SetReadDeadline(time.Now().Add(p.desc.Timeout)); err != nil {
			return ErrPeerClosed
		}
		n, err := p.src.Conn().Read(buf)
		if n > 0 {
			p.lastActivity.Store(time.Now().UnixNano())
			out := p.transform(p.conn, buf[:n])
			if len(out) > 0 {
				if _, werr := p.dst.Conn().Write(out); werr != nil {
					s.abortPair(p.conn)
					return ErrPeerClosed
				}
				p.counter(len(out))
				relayed += int64(n)
			}
		}

		switch {
		case err == nil:
			continue
		case isTimeout(err):
			idle := time.Since(time.Unix(0, p.lastActivity.Load()))
			if p.cycleEnds && relayed > 0 && p.peerBytes.Load() > 0 {
				// One request/response round completed and the stream went
				// quiet; keep-alive is off, so the session is over.
				s.abortPair(p.conn)
				return nil
			}
			if idle >= p.desc.Timeout {
				s.abortPair(p.conn)
				return ErrTimeout
			}
			continue
		default:
			// EOF or a closed/reset socket: flush is implicit (writes are
			// unbuffered), half-close the peer and let the other direction
			// drain.
			if p.cycleEnds && relayed > 0 && p.peerBytes.Load() > 0 {
				s.abortPair(p.conn)
				return nil
			}
			p.dst.CloseWrite()
			return ErrPeerClosed
		}
	}
}

// abortPair unblocks both directions at once. Managed sockets are closed;
// unmanaged ones only get their deadlines expired so the owner keeps the
// handle.
func (s *Supervisor) abortPair(c *Connection) {
	c.Client.abort()
	if c.Server.Resolved() {
		c.Server.abort()
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
