package netsock_test

import (
	"context"
	"errors"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/portgate-io/portgate/internal/netsock"
)

func dialPort(t *testing.T, port int) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		t.Fatalf("dial port %d: %v", port, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestAcceptDeliversConnection(t *testing.T) {
	reg := newTestRegistry(t)
	srv, err := reg.Open(netsock.TCP, 0, &netsock.ServerHints{Backlog: 5, AcceptTimeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	dialPort(t, srv.Port())

	conn, err := srv.Accept(context.Background(), nil)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if conn.ID() == "" {
		t.Fatal("expected a connection ID")
	}
	if conn.RemoteAddr() == nil {
		t.Fatal("expected a remote address")
	}
	if got := len(srv.Connections()); got != 1 {
		t.Fatalf("expected 1 tracked connection, got %d", got)
	}

	if err := conn.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if got := len(srv.Connections()); got != 0 {
		t.Fatalf("expected 0 tracked connections after close, got %d", got)
	}
}

func TestAcceptAppliesConnHints(t *testing.T) {
	reg := newTestRegistry(t)
	srv, err := reg.Open(netsock.TCP, 0, &netsock.ServerHints{AcceptTimeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	dialPort(t, srv.Port())

	hints := &netsock.ConnHints{
		NoDelay:         true,
		KeepAlive:       true,
		KeepAlivePeriod: 30 * time.Second,
		SendBuffer:      64 << 10,
		ReceiveBuffer:   64 << 10,
	}
	conn, err := srv.Accept(context.Background(), hints)
	if err != nil {
		t.Fatalf("accept with hints: %v", err)
	}
	defer conn.Close()
}

func TestAcceptTimeoutWindow(t *testing.T) {
	const timeout = 100 * time.Millisecond

	reg := newTestRegistry(t)
	srv, err := reg.Open(netsock.TCP, 0, &netsock.ServerHints{AcceptTimeout: timeout})
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	start := time.Now()
	_, err = srv.Accept(context.Background(), nil)
	elapsed := time.Since(start)

	var timeoutErr *netsock.AcceptTimeoutError
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("expected AcceptTimeoutError, got %v", err)
	}
	if timeoutErr.Port != srv.Port() {
		t.Fatalf("expected port %d in error, got %d", srv.Port(), timeoutErr.Port)
	}
	if timeoutErr.Timeout != timeout {
		t.Fatalf("expected timeout %s in error, got %s", timeout, timeoutErr.Timeout)
	}
	if elapsed < timeout {
		t.Fatalf("accept returned after %s, before the %s timeout", elapsed, timeout)
	}
	if elapsed > timeout+300*time.Millisecond {
		t.Fatalf("accept took %s, far past the %s timeout", elapsed, timeout)
	}
	if !netsock.IsAcceptTimeout(err) {
		t.Fatal("IsAcceptTimeout returned false")
	}
}

func TestAcceptZeroTimeoutWaitsForConnection(t *testing.T) {
	reg := newTestRegistry(t)
	srv, err := reg.Open(netsock.TCP, 0, &netsock.ServerHints{Backlog: 5})
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	go func() {
		time.Sleep(50 * time.Millisecond)
		conn, dialErr := net.Dial("tcp", srv.Addr().String())
		if dialErr == nil {
			defer conn.Close()
			time.Sleep(200 * time.Millisecond)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn, err := srv.Accept(ctx, nil)
	if err != nil {
		t.Fatalf("accept with zero timeout: %v", err)
	}
	conn.Close()
}

func TestAcceptAfterDisposeFailsFast(t *testing.T) {
	reg := newTestRegistry(t)
	srv, err := reg.Open(netsock.TCP, 0, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	if err := srv.Dispose(); err != nil {
		t.Fatalf("dispose: %v", err)
	}

	start := time.Now()
	_, err = srv.Accept(context.Background(), nil)
	elapsed := time.Since(start)

	if !netsock.IsServerDisposed(err) {
		t.Fatalf("expected ServerDisposedError, got %v", err)
	}
	if elapsed > 100*time.Millisecond {
		t.Fatalf("accept on disposed socket blocked for %s", elapsed)
	}
}

func TestDisposeUnblocksPendingAccept(t *testing.T) {
	reg := newTestRegistry(t)
	srv, err := reg.Open(netsock.TCP, 0, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	result := make(chan error, 1)
	go func() {
		_, acceptErr := srv.Accept(context.Background(), nil)
		result <- acceptErr
	}()

	time.Sleep(50 * time.Millisecond)
	if err := srv.Dispose(); err != nil {
		t.Fatalf("dispose: %v", err)
	}

	select {
	case acceptErr := <-result:
		if !netsock.IsServerDisposed(acceptErr) {
			t.Fatalf("expected ServerDisposedError, got %v", acceptErr)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for accept to observe disposal")
	}
}

func TestDisposeClosesTrackedConnections(t *testing.T) {
	reg := newTestRegistry(t)
	srv, err := reg.Open(netsock.TCP, 0, &netsock.ServerHints{Backlog: 5, AcceptTimeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	clientA := dialPort(t, srv.Port())
	clientB := dialPort(t, srv.Port())

	ctx := context.Background()
	if _, err := srv.Accept(ctx, nil); err != nil {
		t.Fatalf("accept first: %v", err)
	}
	if _, err := srv.Accept(ctx, nil); err != nil {
		t.Fatalf("accept second: %v", err)
	}
	if got := len(srv.Connections()); got != 2 {
		t.Fatalf("expected 2 tracked connections, got %d", got)
	}

	if err := srv.Dispose(); err != nil {
		t.Fatalf("dispose: %v", err)
	}
	if got := len(srv.Connections()); got != 0 {
		t.Fatalf("expected empty set after dispose, got %d", got)
	}

	// Both peers must observe the close.
	for _, client := range []net.Conn{clientA, clientB} {
		client.SetReadDeadline(time.Now().Add(time.Second))
		buf := make([]byte, 1)
		if _, readErr := client.Read(buf); readErr == nil {
			t.Fatal("expected peer read to fail after dispose")
		}
	}

	// A second dispose is a no-op.
	if err := srv.Dispose(); err != nil {
		t.Fatalf("second dispose: %v", err)
	}
}

func TestConnDoubleCloseRemovesOnce(t *testing.T) {
	reg := newTestRegistry(t)
	srv, err := reg.Open(netsock.TCP, 0, &netsock.ServerHints{AcceptTimeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	dialPort(t, srv.Port())
	dialPort(t, srv.Port())

	ctx := context.Background()
	first, err := srv.Accept(ctx, nil)
	if err != nil {
		t.Fatalf("accept first: %v", err)
	}
	second, err := srv.Accept(ctx, nil)
	if err != nil {
		t.Fatalf("accept second: %v", err)
	}

	if err := first.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("second close returned %v, want nil", err)
	}

	conns := srv.Connections()
	if len(conns) != 1 {
		t.Fatalf("expected 1 tracked connection after double close, got %d", len(conns))
	}
	if conns[0].ID() != second.ID() {
		t.Fatalf("expected remaining connection %s, got %s", second.ID(), conns[0].ID())
	}
}

func TestAcceptContextCancel(t *testing.T) {
	reg := newTestRegistry(t)
	srv, err := reg.Open(netsock.TCP, 0, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err = srv.Accept(ctx, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestBacklogHoldsConnectionsBehindPendingSlot(t *testing.T) {
	reg := newTestRegistry(t)
	srv, err := reg.Open(netsock.TCP, 0, &netsock.ServerHints{Backlog: 5, AcceptTimeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	for i := 0; i < 3; i++ {
		dialPort(t, srv.Port())
	}
	// Give the pump time to park the first connection.
	time.Sleep(100 * time.Millisecond)

	ctx := context.Background()
	seen := make(map[string]bool)
	for i := 0; i < 3; i++ {
		conn, acceptErr := srv.Accept(ctx, nil)
		if acceptErr != nil {
			t.Fatalf("accept %d: %v", i, acceptErr)
		}
		if seen[conn.ID()] {
			t.Fatalf("connection %s delivered twice", conn.ID())
		}
		seen[conn.ID()] = true
	}
}

func TestClientConnectsBeforeTimeout(t *testing.T) {
	reg := newTestRegistry(t)
	srv, err := reg.Open(netsock.TCP, 0, &netsock.ServerHints{Backlog: 5, AcceptTimeout: 200 * time.Millisecond})
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	go func() {
		time.Sleep(50 * time.Millisecond)
		conn, dialErr := net.Dial("tcp", srv.Addr().String())
		if dialErr == nil {
			defer conn.Close()
			time.Sleep(200 * time.Millisecond)
		}
	}()

	start := time.Now()
	conn, err := srv.Accept(context.Background(), nil)
	if err != nil {
		t.Fatalf("expected connection before timeout, got %v", err)
	}
	defer conn.Close()

	if elapsed := time.Since(start); elapsed >= 200*time.Millisecond {
		t.Fatalf("accept took %s, expected well under the 200ms timeout", elapsed)
	}
}
