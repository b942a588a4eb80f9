package gateway

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"testing"
	"time"

	configstore "github.com/portgate-io/portgate/internal/config/store"
	"github.com/portgate-io/portgate/internal/constants"
	"github.com/portgate-io/portgate/internal/eventbus"
	"github.com/portgate-io/portgate/internal/netsock"
	"github.com/portgate-io/portgate/internal/server"
	"github.com/portgate-io/portgate/internal/supervisor"
	"github.com/portgate-io/portgate/internal/testutil"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

type gatewayFixture struct {
	apiServer *server.APIServer
	store     *configstore.Store
	sup       *supervisor.Supervisor
	bus       *eventbus.Bus
}

// freePorts reserves n distinct listening ports on loopback and returns them.
func freePorts(t *testing.T, n int) []int {
	t.Helper()

	listeners := make([]net.Listener, 0, n)
	ports := make([]int, 0, n)
	for i := 0; i < n; i++ {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			t.Fatalf("reserve port: %v", err)
		}
		listeners = append(listeners, ln)
		ports = append(ports, ln.Addr().(*net.TCPAddr).Port)
	}
	for _, ln := range listeners {
		ln.Close()
	}
	return ports
}

func newGatewayFixture(t *testing.T) gatewayFixture {
	t.Helper()

	store, cleanup := testutil.OpenStore(t)
	t.Cleanup(cleanup)

	ports := freePorts(t, 2)
	cfg, err := store.GetTransportConfig(context.Background())
	if err != nil {
		t.Fatalf("load transport config: %v", err)
	}
	cfg.HTTPPort = ports[0]
	cfg.GRPCPort = ports[1]
	if err := store.SaveTransportConfig(context.Background(), cfg); err != nil {
		t.Fatalf("save transport config: %v", err)
	}

	registry := netsock.NewRegistry(netsock.WithResolver(netsock.Loopback))
	t.Cleanup(func() { registry.Close() })

	bus := eventbus.New()
	t.Cleanup(bus.Shutdown)

	sup := supervisor.New(registry)
	sup.UseEventBus(bus)
	if err := sup.Start(context.Background()); err != nil {
		t.Fatalf("start supervisor: %v", err)
	}
	t.Cleanup(func() {
		if err := sup.Shutdown(context.Background()); err != nil {
			t.Errorf("shutdown supervisor: %v", err)
		}
	})

	apiServer := server.NewAPIServer(sup, store)
	apiServer.UseEventBus(bus)

	return gatewayFixture{apiServer: apiServer, store: store, sup: sup, bus: bus}
}

func dialHealth(t *testing.T, addr string) healthpb.HealthClient {
	t.Helper()
	conn, err := grpc.NewClient("passthrough:///"+addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("dial grpc: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return healthpb.NewHealthClient(conn)
}

func checkStatus(t *testing.T, ctx context.Context, client healthpb.HealthClient, service string) healthpb.HealthCheckResponse_ServingStatus {
	t.Helper()
	resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		t.Fatalf("health check %q: %v", service, err)
	}
	return resp.GetStatus()
}

func waitForStatus(t *testing.T, ctx context.Context, client healthpb.HealthClient, service string, want healthpb.HealthCheckResponse_ServingStatus) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	var last healthpb.HealthCheckResponse_ServingStatus
	for time.Now().Before(deadline) {
		resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
		if err == nil {
			last = resp.GetStatus()
			if last == want {
				return
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("service %q did not reach %s, last status %s", service, want, last)
}

func TestGatewayStartServesHTTPAndGRPC(t *testing.T) {
	fx := newGatewayFixture(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gw := New(fx.apiServer)

	info, err := gw.Start(ctx)
	if err != nil {
		t.Fatalf("start gateway: %v", err)
	}
	defer gw.Shutdown(context.Background())

	if info.HTTP.Port <= 0 {
		t.Fatalf("expected HTTP port to be assigned, got %d", info.HTTP.Port)
	}
	if info.GRPC.Port <= 0 {
		t.Fatalf("expected gRPC port to be assigned, got %d", info.GRPC.Port)
	}

	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get("http://" + info.HTTP.Address + "/api/status")
	if err != nil {
		t.Fatalf("http status request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, resp.StatusCode)
	}

	healthClient := dialHealth(t, info.GRPC.Address)
	if got := checkStatus(t, ctx, healthClient, ""); got != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("expected overall SERVING, got %s", got)
	}
}

func TestGatewayDoubleStartFails(t *testing.T) {
	fx := newGatewayFixture(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gw := New(fx.apiServer)
	if _, err := gw.Start(ctx); err != nil {
		t.Fatalf("start gateway: %v", err)
	}
	defer gw.Shutdown(context.Background())

	if _, err := gw.Start(ctx); err == nil {
		t.Fatal("expected second start to fail")
	}
}

func TestGatewayEndpointHealthStatuses(t *testing.T) {
	fx := newGatewayFixture(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	seeded := freePorts(t, 1)[0]
	if err := fx.sup.OpenEndpoint(ctx, configstore.Endpoint{Port: seeded, Enabled: true}); err != nil {
		t.Fatalf("open seeded endpoint: %v", err)
	}

	gw := New(fx.apiServer, Options{
		Bus: fx.bus,
		EndpointPorts: func() []int {
			out := []int{}
			for _, st := range fx.sup.ListEndpoints() {
				out = append(out, st.Port)
			}
			return out
		},
	})

	info, err := gw.Start(ctx)
	if err != nil {
		t.Fatalf("start gateway: %v", err)
	}
	defer gw.Shutdown(context.Background())

	healthClient := dialHealth(t, info.GRPC.Address)

	seededService := constants.HealthEndpointPrefix + fmt.Sprint(seeded)
	if got := checkStatus(t, ctx, healthClient, seededService); got != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("expected seeded endpoint SERVING, got %s", got)
	}

	// An endpoint opened after gateway start flips to SERVING via the bus.
	late := freePorts(t, 1)[0]
	if err := fx.sup.OpenEndpoint(ctx, configstore.Endpoint{Port: late, Enabled: true}); err != nil {
		t.Fatalf("open late endpoint: %v", err)
	}
	lateService := constants.HealthEndpointPrefix + fmt.Sprint(late)
	waitForStatus(t, ctx, healthClient, lateService, healthpb.HealthCheckResponse_SERVING)

	if err := fx.sup.CloseEndpoint(ctx, late); err != nil {
		t.Fatalf("close late endpoint: %v", err)
	}
	waitForStatus(t, ctx, healthClient, lateService, healthpb.HealthCheckResponse_NOT_SERVING)
}

func TestGatewayHealthBypassesAuth(t *testing.T) {
	fx := newGatewayFixture(t)

	cfg, err := fx.store.GetTransportConfig(context.Background())
	if err != nil {
		t.Fatalf("load transport config: %v", err)
	}
	cfg.AuthToken = "secret-token"
	if err := fx.store.SaveTransportConfig(context.Background(), cfg); err != nil {
		t.Fatalf("save transport config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gw := New(fx.apiServer)
	info, err := gw.Start(ctx)
	if err != nil {
		t.Fatalf("start gateway: %v", err)
	}
	defer gw.Shutdown(context.Background())

	healthClient := dialHealth(t, info.GRPC.Address)
	if got := checkStatus(t, ctx, healthClient, ""); got != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("expected health check to bypass auth, got %s", got)
	}
}

func TestGatewayShutdownIdempotent(t *testing.T) {
	fx := newGatewayFixture(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gw := New(fx.apiServer)
	if _, err := gw.Start(ctx); err != nil {
		t.Fatalf("start gateway: %v", err)
	}

	if err := gw.Shutdown(context.Background()); err != nil {
		t.Fatalf("first shutdown: %v", err)
	}
	if err := gw.Shutdown(context.Background()); err != nil {
		t.Fatalf("second shutdown: %v", err)
	}
}
