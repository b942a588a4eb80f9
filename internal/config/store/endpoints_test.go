package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Options{DBPath: filepath.Join(t.TempDir(), "config.db")})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestUpsertAndGetEndpoint(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()

	ep := Endpoint{
		Port:            5000,
		Backlog:         64,
		ReceiveBuffer:   32768,
		AcceptTimeoutMS: 2500,
		PolicyScript:    `exports.decide = function () { return { allow: true }; };`,
		Enabled:         true,
	}
	if err := s.UpsertEndpoint(ctx, ep); err != nil {
		t.Fatalf("upsert endpoint: %v", err)
	}

	got, err := s.GetEndpoint(ctx, 5000)
	if err != nil {
		t.Fatalf("get endpoint: %v", err)
	}
	if got.Port != 5000 || got.Backlog != 64 || got.ReceiveBuffer != 32768 {
		t.Fatalf("unexpected endpoint %+v", got)
	}
	if got.AcceptTimeoutMS != 2500 {
		t.Fatalf("expected accept_timeout_ms 2500, got %d", got.AcceptTimeoutMS)
	}
	if got.AcceptTimeout() != 2500*time.Millisecond {
		t.Fatalf("expected accept timeout 2.5s, got %s", got.AcceptTimeout())
	}
	if got.PolicyScript != ep.PolicyScript {
		t.Fatalf("expected policy script to round-trip, got %q", got.PolicyScript)
	}
	if !got.Enabled {
		t.Fatal("expected endpoint enabled")
	}
	if got.CreatedAt == "" || got.UpdatedAt == "" {
		t.Fatalf("expected timestamps to be set, got %+v", got)
	}
}

func TestUpsertEndpointUpdatesExisting(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()

	if err := s.UpsertEndpoint(ctx, Endpoint{Port: 5001, Backlog: 16, Enabled: true}); err != nil {
		t.Fatalf("insert endpoint: %v", err)
	}
	if err := s.UpsertEndpoint(ctx, Endpoint{Port: 5001, Backlog: 256, Enabled: false}); err != nil {
		t.Fatalf("update endpoint: %v", err)
	}

	got, err := s.GetEndpoint(ctx, 5001)
	if err != nil {
		t.Fatalf("get endpoint: %v", err)
	}
	if got.Backlog != 256 {
		t.Fatalf("expected backlog 256 after update, got %d", got.Backlog)
	}
	if got.Enabled {
		t.Fatal("expected endpoint disabled after update")
	}

	eps, err := s.ListEndpoints(ctx)
	if err != nil {
		t.Fatalf("list endpoints: %v", err)
	}
	if len(eps) != 1 {
		t.Fatalf("expected single endpoint row, got %d", len(eps))
	}
}

func TestUpsertEndpointRejectsInvalidPort(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()

	for _, port := range []int{0, -1, 65536} {
		if err := s.UpsertEndpoint(ctx, Endpoint{Port: port}); err == nil {
			t.Fatalf("expected upsert of port %d to fail", port)
		}
	}
}

func TestGetEndpointNotFound(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)

	_, err := s.GetEndpoint(context.Background(), 9999)
	if err == nil {
		t.Fatal("expected error for missing endpoint")
	}
	if !IsNotFound(err) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
}

func TestListEndpointsOrdered(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()

	for _, port := range []int{5002, 5000, 5001} {
		if err := s.UpsertEndpoint(ctx, Endpoint{Port: port, Enabled: true}); err != nil {
			t.Fatalf("upsert endpoint %d: %v", port, err)
		}
	}

	eps, err := s.ListEndpoints(ctx)
	if err != nil {
		t.Fatalf("list endpoints: %v", err)
	}
	if len(eps) != 3 {
		t.Fatalf("expected 3 endpoints, got %d", len(eps))
	}
	for i, want := range []int{5000, 5001, 5002} {
		if eps[i].Port != want {
			t.Fatalf("expected port %d at index %d, got %d", want, i, eps[i].Port)
		}
	}
}

func TestListEnabledEndpoints(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()

	if err := s.UpsertEndpoint(ctx, Endpoint{Port: 5000, Enabled: true}); err != nil {
		t.Fatalf("upsert endpoint: %v", err)
	}
	if err := s.UpsertEndpoint(ctx, Endpoint{Port: 5001, Enabled: false}); err != nil {
		t.Fatalf("upsert endpoint: %v", err)
	}

	eps, err := s.ListEnabledEndpoints(ctx)
	if err != nil {
		t.Fatalf("list enabled endpoints: %v", err)
	}
	if len(eps) != 1 || eps[0].Port != 5000 {
		t.Fatalf("expected only port 5000, got %+v", eps)
	}
}

func TestDeleteEndpoint(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()

	if err := s.UpsertEndpoint(ctx, Endpoint{Port: 5000, Enabled: true}); err != nil {
		t.Fatalf("upsert endpoint: %v", err)
	}
	if err := s.DeleteEndpoint(ctx, 5000); err != nil {
		t.Fatalf("delete endpoint: %v", err)
	}

	if _, err := s.GetEndpoint(ctx, 5000); !IsNotFound(err) {
		t.Fatalf("expected NotFoundError after delete, got %v", err)
	}
	if err := s.DeleteEndpoint(ctx, 5000); !IsNotFound(err) {
		t.Fatalf("expected NotFoundError deleting missing endpoint, got %v", err)
	}
}

func TestSetEndpointEnabled(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()

	if err := s.UpsertEndpoint(ctx, Endpoint{Port: 5000, Enabled: true}); err != nil {
		t.Fatalf("upsert endpoint: %v", err)
	}

	if err := s.SetEndpointEnabled(ctx, 5000, false); err != nil {
		t.Fatalf("disable endpoint: %v", err)
	}
	got, err := s.GetEndpoint(ctx, 5000)
	if err != nil {
		t.Fatalf("get endpoint: %v", err)
	}
	if got.Enabled {
		t.Fatal("expected endpoint disabled")
	}

	if err := s.SetEndpointEnabled(ctx, 5000, true); err != nil {
		t.Fatalf("enable endpoint: %v", err)
	}
	got, err = s.GetEndpoint(ctx, 5000)
	if err != nil {
		t.Fatalf("get endpoint: %v", err)
	}
	if !got.Enabled {
		t.Fatal("expected endpoint enabled")
	}

	if err := s.SetEndpointEnabled(ctx, 9999, true); !IsNotFound(err) {
		t.Fatalf("expected NotFoundError for missing endpoint, got %v", err)
	}
}
