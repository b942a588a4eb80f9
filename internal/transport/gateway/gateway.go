package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/portgate-io/portgate/internal/constants"
	"github.com/portgate-io/portgate/internal/eventbus"
	"github.com/portgate-io/portgate/internal/server"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// Options configure additional behaviour for the gateway.
type Options struct {
	// RegisterGRPC allows callers to register additional gRPC services on the shared server.
	RegisterGRPC func(*grpc.Server)
	// Bus feeds endpoint lifecycle events into per-endpoint health statuses.
	Bus *eventbus.Bus
	// EndpointPorts seeds health statuses for endpoints opened before the
	// gateway started.
	EndpointPorts func() []int
}

// ListenerInfo represents a single listener started by the gateway.
type ListenerInfo struct {
	Scheme  string
	Address string
	Port    int
}

// Info summarises the listeners exposed by the gateway.
type Info struct {
	HTTP ListenerInfo
	GRPC ListenerInfo
}

// Gateway orchestrates the HTTP and gRPC listeners exposed by the daemon.
// The gRPC server carries the standard health service with one status per
// supervised endpoint, under constants.HealthEndpointPrefix plus the port.
type Gateway struct {
	apiServer *server.APIServer
	opts      Options

	mu           sync.RWMutex
	httpPrepared *server.PreparedHTTPServer
	httpListener net.Listener
	grpcServer   *grpc.Server
	grpcListener net.Listener
	healthServer *health.Server
	healthSubs   []interface{ Close() }
	errCh        chan error
	wg           sync.WaitGroup
	info         Info
}

// New constructs a Gateway bound to the provided API server.
func New(api *server.APIServer, opts ...Options) *Gateway {
	var opt Options
	if len(opts) > 0 {
		opt = opts[0]
	}
	return &Gateway{
		apiServer: api,
		opts:      opt,
	}
}

// Start launches HTTP and gRPC listeners. It must not be called concurrently with Shutdown.
func (g *Gateway) Start(ctx context.Context) (*Info, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.httpListener != nil || g.grpcListener != nil {
		return nil, fmt.Errorf("gateway: already started")
	}

	prepared, err := g.apiServer.Prepare(ctx)
	if err != nil {
		return nil, fmt.Errorf("gateway: prepare http server: %w", err)
	}

	httpListener, err := net.Listen("tcp", prepared.Server.Addr)
	if err != nil {
		return nil, fmt.Errorf("gateway: listen http: %w", err)
	}

	httpPort := listenerPort(httpListener)

	grpcHost, _, err := net.SplitHostPort(prepared.Binding)
	if err != nil {
		_ = httpListener.Close()
		return nil, fmt.Errorf("gateway: parse binding %q: %w", prepared.Binding, err)
	}

	grpcAddr := net.JoinHostPort(grpcHost, strconv.Itoa(prepared.GRPCPort))
	if prepared.GRPCPort <= 0 {
		grpcAddr = net.JoinHostPort(grpcHost, "0")
	}

	grpcListener, err := net.Listen("tcp", grpcAddr)
	if err != nil {
		_ = httpListener.Close()
		return nil, fmt.Errorf("gateway: listen grpc: %w", err)
	}

	grpcPort := listenerPort(grpcListener)

	grpcServer := grpc.NewServer(
		grpc.ChainUnaryInterceptor(g.unaryAuthInterceptor),
		grpc.ChainStreamInterceptor(g.streamAuthInterceptor),
	)
	healthServer := health.NewServer()
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	if g.opts.EndpointPorts != nil {
		for _, port := range g.opts.EndpointPorts() {
			healthServer.SetServingStatus(endpointService(port), healthpb.HealthCheckResponse_SERVING)
		}
	}
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	if g.opts.RegisterGRPC != nil {
		g.opts.RegisterGRPC(grpcServer)
	}

	g.httpPrepared = prepared
	g.httpListener = httpListener
	g.grpcServer = grpcServer
	g.grpcListener = grpcListener
	g.healthServer = healthServer
	g.errCh = make(chan error, 2)
	g.info = Info{
		HTTP: ListenerInfo{
			Scheme:  prepared.Scheme,
			Address: httpListener.Addr().String(),
			Port:    httpPort,
		},
		GRPC: ListenerInfo{
			Scheme:  "grpc",
			Address: grpcListener.Addr().String(),
			Port:    grpcPort,
		},
	}
	errCh := g.errCh

	g.startHealthWatch(healthServer)

	g.wg.Add(2)
	go g.serveHTTP(ctx, prepared, httpListener)
	go g.serveGRPC(ctx, grpcServer, grpcListener)

	go func(ch chan error) {
		g.wg.Wait()
		if ch != nil {
			close(ch)
		}
	}(errCh)

	infoCopy := g.info
	return &infoCopy, nil
}

// startHealthWatch mirrors endpoint lifecycle events into per-endpoint
// health statuses until the subscriptions close.
func (g *Gateway) startHealthWatch(healthServer *health.Server) {
	if g.opts.Bus == nil {
		return
	}

	opened := eventbus.SubscribeTo(g.opts.Bus, eventbus.Endpoints.Opened,
		eventbus.WithSubscriptionName("gateway_health_opened"))
	disposed := eventbus.SubscribeTo(g.opts.Bus, eventbus.Endpoints.Disposed,
		eventbus.WithSubscriptionName("gateway_health_disposed"))
	g.healthSubs = []interface{ Close() }{opened, disposed}

	go func() {
		for {
			select {
			case env, ok := <-opened.C():
				if !ok {
					return
				}
				healthServer.SetServingStatus(endpointService(env.Payload.Port), healthpb.HealthCheckResponse_SERVING)
			case env, ok := <-disposed.C():
				if !ok {
					return
				}
				healthServer.SetServingStatus(endpointService(env.Payload.Port), healthpb.HealthCheckResponse_NOT_SERVING)
			}
		}
	}()
}

func endpointService(port int) string {
	return constants.HealthEndpointPrefix + strconv.Itoa(port)
}

func (g *Gateway) serveHTTP(ctx context.Context, prepared *server.PreparedHTTPServer, listener net.Listener) {
	defer g.wg.Done()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.GatewayShutdownGrace)
		defer cancel()
		if err := g.apiServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, http.ErrServerClosed) {
			g.pushError(err)
		}
	}()

	err := prepared.Server.Serve(listener)
	if err != nil && !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, net.ErrClosed) {
		g.pushError(err)
	}
}

func (g *Gateway) serveGRPC(ctx context.Context, grpcServer *grpc.Server, listener net.Listener) {
	defer g.wg.Done()

	go func() {
		<-ctx.Done()
		done := make(chan struct{})
		go func() {
			grpcServer.GracefulStop()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(constants.GatewayShutdownGrace):
			grpcServer.Stop()
		}
	}()

	if err := grpcServer.Serve(listener); err != nil && !errors.Is(err, net.ErrClosed) && !errors.Is(err, grpc.ErrServerStopped) && status.Code(err) != codes.Canceled {
		g.pushError(err)
	}
}

func (g *Gateway) pushError(err error) {
	if err == nil {
		return
	}
	g.mu.RLock()
	ch := g.errCh
	g.mu.RUnlock()
	if ch == nil {
		return
	}
	select {
	case ch <- err:
	default:
	}
}

// Shutdown stops all listeners and waits for goroutines to exit.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	httpListener := g.httpListener
	grpcListener := g.grpcListener
	grpcServer := g.grpcServer
	prepared := g.httpPrepared
	healthServer := g.healthServer
	healthSubs := g.healthSubs
	errCh := g.errCh
	g.httpListener = nil
	g.grpcListener = nil
	g.grpcServer = nil
	g.httpPrepared = nil
	g.healthServer = nil
	g.healthSubs = nil
	g.errCh = nil
	g.mu.Unlock()

	if httpListener == nil && grpcListener == nil && prepared == nil {
		return nil
	}

	if healthServer != nil {
		healthServer.Shutdown()
	}
	for _, sub := range healthSubs {
		sub.Close()
	}

	if httpListener != nil {
		_ = httpListener.Close()
	}
	if grpcListener != nil {
		_ = grpcListener.Close()
	}

	if prepared != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, constants.GatewayShutdownGrace)
		if err := g.apiServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, http.ErrServerClosed) {
			cancel()
			return err
		}
		cancel()
	}

	if grpcServer != nil {
		done := make(chan struct{})
		go func() {
			grpcServer.GracefulStop()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(constants.GatewayShutdownGrace):
			grpcServer.Stop()
		}
	}

	g.wg.Wait()

	if errCh != nil {
		select {
		case err := <-errCh:
			if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
		default:
		}
	}

	return nil
}

// Errors exposes the gateway error channel (closed when the gateway stops).
func (g *Gateway) Errors() <-chan error {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if g.errCh == nil {
		ch := make(chan error)
		close(ch)
		return ch
	}
	return g.errCh
}

// Info returns the last known listener info.
func (g *Gateway) Info() Info {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.info
}

func (g *Gateway) unaryAuthInterceptor(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	// Health checks stay public, matching the HTTP liveness probe.
	if isHealthMethod(info.FullMethod) {
		return handler(ctx, req)
	}

	if !g.apiServer.ValidateAuthToken(tokenFromMetadata(ctx)) {
		return nil, status.Error(codes.Unauthenticated, "unauthorized")
	}
	return handler(ctx, req)
}

func (g *Gateway) streamAuthInterceptor(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
	if isHealthMethod(info.FullMethod) {
		return handler(srv, ss)
	}

	if !g.apiServer.ValidateAuthToken(tokenFromMetadata(ss.Context())) {
		return status.Error(codes.Unauthenticated, "unauthorized")
	}
	return handler(srv, ss)
}

func isHealthMethod(fullMethod string) bool {
	return strings.HasPrefix(fullMethod, "/grpc.health.v1.Health/")
}

func tokenFromMetadata(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}

	if values := md.Get("authorization"); len(values) > 0 {
		if token := parseBearer(values[0]); token != "" {
			return token
		}
	}

	if values := md.Get("x-portgate-token"); len(values) > 0 {
		token := strings.TrimSpace(values[0])
		if token != "" {
			return token
		}
	}

	if values := md.Get("token"); len(values) > 0 {
		token := strings.TrimSpace(values[0])
		if token != "" {
			return token
		}
	}

	return ""
}

func parseBearer(header string) string {
	header = strings.TrimSpace(header)
	if strings.HasPrefix(strings.ToLower(header), "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return ""
}

func listenerPort(l net.Listener) int {
	if tcp, ok := l.Addr().(*net.TCPAddr); ok {
		return tcp.Port
	}
	return 0
}
