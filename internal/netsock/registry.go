// Package netsock provides TCP server sockets with process-wide listener
// reuse, timeout-bounded accepts and uniform disposal of the connections
// each socket produced.
package netsock

import (
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
)

// Registry owns at most one listening socket per port. Server sockets
// opened for the same port share that listener and its pending slot, so
// a port can be reopened any number of times without rebind errors.
// Listeners stay up until the registry itself is closed; disposing a
// server socket leaves its listener in place.
type Registry struct {
	resolve ResolveFunc

	mu      sync.Mutex
	entries map[int]*portEntry
	closed  bool
}

// portEntry pairs one listener with the single-slot mailbox its accept
// pump fills.
type portEntry struct {
	port    int
	ln      net.Listener
	pending chan net.Conn
	done    chan struct{}
}

// RegistryOption adjusts a Registry at construction time.
type RegistryOption func(*Registry)

// WithResolver overrides local bind address resolution.
func WithResolver(resolve ResolveFunc) RegistryOption {
	return func(r *Registry) {
		if resolve != nil {
			r.resolve = resolve
		}
	}
}

// NewRegistry returns an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		entries: make(map[int]*portEntry),
		resolve: resolveLocalIPv4,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Open returns a server socket for port. The first open of a port
// resolves a local IPv4 bind address, creates the listener with the
// requested receive buffer and backlog, and starts its accept pump.
// Later opens of the same port share the existing listener and their
// server hints are ignored, the listener keeps the configuration it was
// created with. Port zero always creates a fresh listener on an
// ephemeral port.
func (r *Registry) Open(proto Protocol, port int, hints *ServerHints) (*ServerSocket, error) {
	if proto != TCP {
		return nil, &UnsupportedProtocolError{Protocol: proto}
	}
	if hints == nil {
		hints = &ServerHints{}
	}

	entry, err := r.entry(port, hints)
	if err != nil {
		return nil, err
	}
	return newServerSocket(proto, entry, hints.AcceptTimeout), nil
}

func (r *Registry) entry(port int, hints *ServerHints) (*portEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, &BindError{Port: port, Err: errors.New("registry closed")}
	}
	if port != 0 {
		if entry, ok := r.entries[port]; ok {
			return entry, nil
		}
	}

	ip, err := r.resolve()
	if err != nil {
		return nil, &BindError{Port: port, Err: err}
	}
	if ip = ip.To4(); ip == nil {
		return nil, &BindError{Port: port, Err: ErrNoIPv4Address}
	}

	ln, err := listenTCP4(ip, port, hints.Backlog, hints.ReceiveBuffer)
	if err != nil {
		return nil, &BindError{Port: port, Err: err}
	}

	bound := port
	if addr, ok := ln.Addr().(*net.TCPAddr); ok {
		bound = addr.Port
	}

	entry := &portEntry{
		port:    bound,
		ln:      ln,
		pending: make(chan net.Conn, 1),
		done:    make(chan struct{}),
	}
	r.entries[bound] = entry
	go entry.pump()
	return entry, nil
}

// Ports returns the ports with live listeners, for introspection.
func (r *Registry) Ports() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]int, 0, len(r.entries))
	for port := range r.entries {
		out = append(out, port)
	}
	return out
}

// Close tears down every listener and pump, closing any connection still
// parked in a pending slot. Meant for tests and full process shutdown; a
// registry serving live traffic is normally kept open for the life of
// the process.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	entries := make([]*portEntry, 0, len(r.entries))
	for _, entry := range r.entries {
		entries = append(entries, entry)
	}
	r.entries = make(map[int]*portEntry)
	r.mu.Unlock()

	var errs []error
	for _, entry := range entries {
		if err := entry.close(); err != nil {
			errs = append(errs, fmt.Errorf("port %d: %w", entry.port, err))
		}
	}
	return errors.Join(errs...)
}

// pump keeps the port accepting. A completed accept parks in the pending
// slot until a server socket collects it; the kernel backlog buffers
// everything behind it. The send blocks while the slot is full, so at
// most one connection waits here at any time.
func (e *portEntry) pump() {
	defer close(e.done)
	for {
		conn, err := e.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Printf("[NetSock] accept on port %d: %v", e.port, err)
			continue
		}
		e.pending <- conn
	}
}

func (e *portEntry) close() error {
	err := e.ln.Close()
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}
	for {
		select {
		case conn := <-e.pending:
			conn.Close()
		case <-e.done:
			// Pump exited, nothing refills the slot past this point.
			select {
			case conn := <-e.pending:
				conn.Close()
			default:
			}
			return err
		}
	}
}
