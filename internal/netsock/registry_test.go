package netsock_test

import (
	"errors"
	"net"
	"testing"

	"github.com/portgate-io/portgate/internal/netsock"
)

func newTestRegistry(t *testing.T) *netsock.Registry {
	t.Helper()
	reg := netsock.NewRegistry(netsock.WithResolver(netsock.Loopback))
	t.Cleanup(func() {
		if err := reg.Close(); err != nil {
			t.Errorf("close registry: %v", err)
		}
	})
	return reg
}

func TestOpenRejectsNonTCP(t *testing.T) {
	reg := newTestRegistry(t)

	_, err := reg.Open(netsock.UDP, 0, nil)
	if err == nil {
		t.Fatal("expected error for UDP open")
	}

	var protoErr *netsock.UnsupportedProtocolError
	if !errors.As(err, &protoErr) {
		t.Fatalf("expected UnsupportedProtocolError, got %T: %v", err, err)
	}
	if protoErr.Protocol != netsock.UDP {
		t.Fatalf("expected protocol %q, got %q", netsock.UDP, protoErr.Protocol)
	}
}

func TestOpenSamePortReusesListener(t *testing.T) {
	reg := newTestRegistry(t)

	first, err := reg.Open(netsock.TCP, 0, &netsock.ServerHints{Backlog: 8})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	port := first.Port()
	if port == 0 {
		t.Fatal("expected an assigned port for ephemeral open")
	}

	// Reopening the same port must share the listener instead of
	// rebinding; the new hints are ignored.
	second, err := reg.Open(netsock.TCP, port, &netsock.ServerHints{Backlog: 1, ReceiveBuffer: 4096})
	if err != nil {
		t.Fatalf("expected reopen of port %d to succeed, got %v", port, err)
	}
	if second.Port() != port {
		t.Fatalf("expected port %d, got %d", port, second.Port())
	}
	if second.Protocol() != netsock.TCP {
		t.Fatalf("expected protocol %q, got %q", netsock.TCP, second.Protocol())
	}
}

func TestOpenEphemeralPortsAreDistinct(t *testing.T) {
	reg := newTestRegistry(t)

	first, err := reg.Open(netsock.TCP, 0, nil)
	if err != nil {
		t.Fatalf("open first: %v", err)
	}
	second, err := reg.Open(netsock.TCP, 0, nil)
	if err != nil {
		t.Fatalf("open second: %v", err)
	}
	if first.Port() == second.Port() {
		t.Fatalf("expected distinct ephemeral ports, both got %d", first.Port())
	}
}

func TestOpenResolverFailure(t *testing.T) {
	reg := netsock.NewRegistry(netsock.WithResolver(func() (net.IP, error) {
		return nil, netsock.ErrNoIPv4Address
	}))
	defer reg.Close()

	_, err := reg.Open(netsock.TCP, 0, nil)
	var bindErr *netsock.BindError
	if !errors.As(err, &bindErr) {
		t.Fatalf("expected BindError, got %T: %v", err, err)
	}
	if !errors.Is(err, netsock.ErrNoIPv4Address) {
		t.Fatalf("expected ErrNoIPv4Address cause, got %v", bindErr.Err)
	}
}

func TestOpenIPv6OnlyResolverFails(t *testing.T) {
	reg := netsock.NewRegistry(netsock.WithResolver(func() (net.IP, error) {
		return net.IPv6loopback, nil
	}))
	defer reg.Close()

	_, err := reg.Open(netsock.TCP, 0, nil)
	if !errors.Is(err, netsock.ErrNoIPv4Address) {
		t.Fatalf("expected ErrNoIPv4Address, got %v", err)
	}
}

func TestOpenPortAlreadyBoundElsewhere(t *testing.T) {
	reg := newTestRegistry(t)
	other := newTestRegistry(t)

	srv, err := reg.Open(netsock.TCP, 0, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	_, err = other.Open(netsock.TCP, srv.Port(), nil)
	var bindErr *netsock.BindError
	if !errors.As(err, &bindErr) {
		t.Fatalf("expected BindError for occupied port %d, got %v", srv.Port(), err)
	}
	if bindErr.Port != srv.Port() {
		t.Fatalf("expected port %d in error, got %d", srv.Port(), bindErr.Port)
	}
}

func TestRegistryCloseIsIdempotent(t *testing.T) {
	reg := netsock.NewRegistry(netsock.WithResolver(netsock.Loopback))
	if _, err := reg.Open(netsock.TCP, 0, nil); err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := reg.Close(); err != nil {
		t.Fatalf("first close: %v", err)
	}
	if err := reg.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}

	if _, err := reg.Open(netsock.TCP, 0, nil); err == nil {
		t.Fatal("expected open on closed registry to fail")
	}
}

func TestRegistryPorts(t *testing.T) {
	reg := newTestRegistry(t)

	srv, err := reg.Open(netsock.TCP, 0, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	ports := reg.Ports()
	if len(ports) != 1 || ports[0] != srv.Port() {
		t.Fatalf("expected ports [%d], got %v", srv.Port(), ports)
	}
}
