package netsock

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"time"
)

// ServerSocket hands out connections accepted on one port. Handles for
// the same port share a listener through the registry; each handle
// tracks only the connections it produced and tears exactly those down
// on Dispose.
type ServerSocket struct {
	proto         Protocol
	entry         *portEntry
	acceptTimeout time.Duration

	// acceptMu serializes Accept per handle so two callers never race
	// for the same pending connection through one socket.
	acceptMu sync.Mutex

	mu       sync.Mutex
	conns    map[string]*Conn
	disposed bool
	done     chan struct{}
}

func newServerSocket(proto Protocol, entry *portEntry, acceptTimeout time.Duration) *ServerSocket {
	return &ServerSocket{
		proto:         proto,
		entry:         entry,
		acceptTimeout: acceptTimeout,
		conns:         make(map[string]*Conn),
		done:          make(chan struct{}),
	}
}

// Protocol returns the transport the socket was opened with.
func (s *ServerSocket) Protocol() Protocol { return s.proto }

// Port returns the bound port. For an ephemeral open this is the port
// the platform assigned.
func (s *ServerSocket) Port() int { return s.entry.port }

// Addr returns the listener address.
func (s *ServerSocket) Addr() net.Addr { return s.entry.ln.Addr() }

// AcceptTimeout returns the configured per-accept wait bound. Zero
// means indefinite.
func (s *ServerSocket) AcceptTimeout() time.Duration { return s.acceptTimeout }

// Accept blocks until a connection is available, the configured accept
// timeout elapses, the socket is disposed, or ctx is done. A zero
// accept timeout waits indefinitely. hints, when non-nil, configure the
// resulting connection only; the shared listener keeps its own
// configuration.
func (s *ServerSocket) Accept(ctx context.Context, hints *ConnHints) (*Conn, error) {
	s.acceptMu.Lock()
	defer s.acceptMu.Unlock()

	if s.isDisposed() {
		return nil, &ServerDisposedError{Port: s.Port()}
	}

	var timeout <-chan time.Time
	if s.acceptTimeout > 0 {
		timer := time.NewTimer(s.acceptTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case conn := <-s.entry.pending:
		return s.adopt(conn, hints)
	case <-timeout:
		return nil, &AcceptTimeoutError{Port: s.Port(), Timeout: s.acceptTimeout}
	case <-s.done:
		return nil, &ServerDisposedError{Port: s.Port()}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// adopt wraps a raw accepted connection, applies hints and registers it
// with this handle.
func (s *ServerSocket) adopt(raw net.Conn, hints *ConnHints) (*Conn, error) {
	tc, ok := raw.(*net.TCPConn)
	if !ok {
		raw.Close()
		return nil, fmt.Errorf("netsock: unexpected connection type %T", raw)
	}
	if err := hints.apply(tc); err != nil {
		tc.Close()
		return nil, fmt.Errorf("netsock: apply connection hints: %w", err)
	}

	conn := newConn(tc, s.remove)

	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		conn.Close()
		return nil, &ServerDisposedError{Port: s.Port()}
	}
	s.conns[conn.ID()] = conn
	s.mu.Unlock()
	return conn, nil
}

// remove drops one connection from the tracked set. Conn.Close calls it
// exactly once per connection.
func (s *ServerSocket) remove(c *Conn) {
	s.mu.Lock()
	delete(s.conns, c.ID())
	s.mu.Unlock()
}

// Connections returns a snapshot of the tracked connections.
func (s *ServerSocket) Connections() []*Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Conn, 0, len(s.conns))
	for _, c := range s.conns {
		out = append(out, c)
	}
	return out
}

func (s *ServerSocket) isDisposed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disposed
}

// Dispose closes every connection this handle produced and marks the
// handle unusable; later Accept calls fail fast. The shared listener
// stays up so the port can be reopened without rebinding. Safe to call
// more than once. A failure closing one connection is logged and does
// not stop the sweep; the collected failures come back joined.
func (s *ServerSocket) Dispose() error {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return nil
	}
	s.disposed = true
	conns := make([]*Conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	close(s.done)

	var errs []error
	for _, c := range conns {
		if err := c.Close(); err != nil {
			cerr := &ConnectionCloseError{ConnID: c.ID(), Err: err}
			log.Printf("[NetSock] dispose port %d: %v", s.Port(), cerr)
			errs = append(errs, cerr)
		}
	}
	return errors.Join(errs...)
}
