package netsock_test

import (
	"context"
	"testing"
	"time"

	"github.com/portgate-io/portgate/internal/netsock"
)

func TestDialReachesServerSocket(t *testing.T) {
	reg := newTestRegistry(t)
	srv, err := reg.Open(netsock.TCP, 0, &netsock.ServerHints{AcceptTimeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	client, err := netsock.Dial("127.0.0.1", srv.Port(), &netsock.ConnHints{
		ConnectTimeout: 2 * time.Second,
		NoDelay:        true,
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	served, err := srv.Accept(context.Background(), nil)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	defer served.Close()

	if _, err := client.Write([]byte("ping")); err != nil {
		t.Fatalf("client write: %v", err)
	}
	buf := make([]byte, 4)
	served.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := served.Read(buf); err != nil {
		t.Fatalf("server read: %v", err)
	}
	if string(buf) != "ping" {
		t.Fatalf("expected %q, got %q", "ping", string(buf))
	}
}

func TestDialClosedPortFails(t *testing.T) {
	reg := netsock.NewRegistry(netsock.WithResolver(netsock.Loopback))
	srv, err := reg.Open(netsock.TCP, 0, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	port := srv.Port()
	if err := reg.Close(); err != nil {
		t.Fatalf("close registry: %v", err)
	}

	if _, err := netsock.Dial("127.0.0.1", port, &netsock.ConnHints{ConnectTimeout: time.Second}); err == nil {
		t.Fatalf("expected dial to port %d to fail after listener teardown", port)
	}
}
