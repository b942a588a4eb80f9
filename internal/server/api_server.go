package server

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	configstore "github.com/portgate-io/portgate/internal/config/store"
	"github.com/portgate-io/portgate/internal/constants"
	"github.com/portgate-io/portgate/internal/eventbus"
)

// transportConfig groups the HTTP binding settings protected by a single
// read-write mutex. Embedded in APIServer so that promoted fields keep
// call-sites short.
type transportConfig struct {
	transportMu    sync.RWMutex
	host           string
	port           int
	grpcPort       int
	allowedOrigins []string
}

// originAllowed reports whether the given Origin header is acceptable.
func (tc *transportConfig) originAllowed(origin string) bool {
	if origin == "" {
		return false
	}

	if u, err := url.Parse(origin); err == nil && isBuiltinOrigin(u) {
		return true
	}

	tc.transportMu.RLock()
	defer tc.transportMu.RUnlock()
	for _, allowed := range tc.allowedOrigins {
		if allowed == origin {
			return true
		}
	}
	return false
}

// authState holds the admin bearer token protected by a read-write mutex.
// An empty token disables authentication entirely.
type authState struct {
	authMu       sync.RWMutex
	authToken    string
	authRequired bool
}

// isAuthRequired reports whether token-based authentication is enforced.
func (a *authState) isAuthRequired() bool {
	a.authMu.RLock()
	defer a.authMu.RUnlock()
	return a.authRequired
}

// validateToken checks a presented token against the configured admin token.
func (a *authState) validateToken(token string) bool {
	if token == "" {
		return false
	}
	a.authMu.RLock()
	defer a.authMu.RUnlock()
	return a.authRequired && token == a.authToken
}

// setAuthToken replaces the active admin token. An empty value disables auth.
func (a *authState) setAuthToken(token string) {
	a.authMu.Lock()
	defer a.authMu.Unlock()
	a.authToken = token
	a.authRequired = token != ""
}

// APIServer serves the admin HTTP API of a portgate daemon: endpoint and
// connection inspection, dispose and close operations, the websocket event
// stream, and Prometheus metrics. Prepare builds the http.Server from the
// stored transport configuration; the transport gateway owns the listener.
type APIServer struct {
	endpoints   EndpointSupervisor
	configStore *configstore.Store

	transportConfig
	authState

	wsServer *Server

	runtimeMu sync.RWMutex
	runtime   RuntimeInfoProvider

	metricsMu       sync.RWMutex
	metricsExporter PrometheusExporter

	shutdownMu sync.RWMutex
	shutdownFn func(context.Context) error

	httpServer *http.Server
}

// NewAPIServer creates an admin API server backed by the given supervisor and
// configuration store. The websocket event stream server is created alongside
// and validates upgrade origins against the stored allowlist.
func NewAPIServer(endpoints EndpointSupervisor, store *configstore.Store) *APIServer {
	apiServer := &APIServer{
		endpoints:   endpoints,
		configStore: store,
	}
	apiServer.wsServer = NewServer(endpoints, apiServer.originAllowed)
	return apiServer
}

// UseEventBus attaches the event bus bridged onto the websocket event stream.
// Must be called before the event stream starts running.
func (s *APIServer) UseEventBus(bus *eventbus.Bus) {
	s.wsServer.UseEventBus(bus)
}

// EventStream returns the websocket event stream server. The daemon runs its
// event loop for the lifetime of the process.
func (s *APIServer) EventStream() *Server {
	return s.wsServer
}

// SetRuntimeInfoProvider wires daemon runtime metadata into status responses.
func (s *APIServer) SetRuntimeInfoProvider(provider RuntimeInfoProvider) {
	s.runtimeMu.Lock()
	defer s.runtimeMu.Unlock()
	s.runtime = provider
}

// SetMetricsExporter wires the metrics exporter used by the /metrics endpoint.
func (s *APIServer) SetMetricsExporter(exporter PrometheusExporter) {
	s.metricsMu.Lock()
	defer s.metricsMu.Unlock()
	s.metricsExporter = exporter
}

// SetShutdownFunc registers the callback invoked by POST /api/shutdown.
func (s *APIServer) SetShutdownFunc(fn func(context.Context) error) {
	s.shutdownMu.Lock()
	defer s.shutdownMu.Unlock()
	s.shutdownFn = fn
}

// RequestShutdown triggers the registered shutdown callback asynchronously.
// It returns false when no callback has been registered.
func (s *APIServer) RequestShutdown() bool {
	s.shutdownMu.RLock()
	shutdown := s.shutdownFn
	s.shutdownMu.RUnlock()

	if shutdown == nil {
		return false
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := shutdown(ctx); err != nil {
			log.Printf("[APIServer] shutdown handler returned error: %v", err)
		}
	}()
	return true
}

func extractAuthToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if authHeader != "" {
		if strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
			return strings.TrimSpace(authHeader[7:])
		}
	}

	if headerToken := r.Header.Get("X-Portgate-Token"); headerToken != "" {
		return strings.TrimSpace(headerToken)
	}

	if queryToken := r.URL.Query().Get("token"); queryToken != "" {
		return strings.TrimSpace(queryToken)
	}

	return ""
}

func writeUnauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="portgate"`)
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}

// wrapWithCORS adds CORS headers for browser dashboards on allowed origins.
func (s *APIServer) wrapWithCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")

		if s.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET,POST,DELETE,OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Authorization,Content-Type")
		}

		// Handle preflight requests
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *APIServer) wrapWithSecurity(next http.Handler) http.Handler {
	corsHandler := s.wrapWithCORS(next)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isPublicEndpoint(r) {
			corsHandler.ServeHTTP(w, r)
			return
		}

		if !s.isAuthRequired() {
			corsHandler.ServeHTTP(w, r)
			return
		}

		if !s.validateToken(extractAuthToken(r)) {
			writeUnauthorized(w)
			return
		}

		corsHandler.ServeHTTP(w, r)
	})
}

// isPublicEndpoint reports whether the request may bypass authentication.
// Only the liveness probe is public; everything else requires the admin
// token when one is configured.
func isPublicEndpoint(r *http.Request) bool {
	if r == nil || r.URL == nil {
		return false
	}
	path := strings.TrimSuffix(r.URL.Path, "/")
	if path == "/healthz" && (r.Method == http.MethodGet || r.Method == http.MethodOptions) {
		return true
	}
	return false
}

// ValidateAuthToken verifies the supplied token against the configured admin token.
func (s *APIServer) ValidateAuthToken(token string) bool {
	if !s.isAuthRequired() {
		return true
	}
	return s.validateToken(token)
}

func sanitizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return nil
	}

	result := make([]string, 0, len(origins))
	seen := make(map[string]struct{}, len(origins))
	for _, origin := range origins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		result = append(result, trimmed)
	}
	return result
}

// PreparedHTTPServer carries a configured but not yet listening HTTP server
// together with the binding details the transport gateway needs.
type PreparedHTTPServer struct {
	Server   *http.Server
	Scheme   string
	Binding  string
	GRPCPort int
}

// Prepare loads the stored transport configuration, refreshes the auth token
// and origin allowlist, and builds the admin HTTP server. The caller is
// responsible for serving it.
func (s *APIServer) Prepare(ctx context.Context) (*PreparedHTTPServer, error) {
	if s.configStore == nil {
		return nil, fmt.Errorf("server: configuration store not available")
	}

	cfg, err := s.configStore.GetTransportConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("server: load transport config: %w", err)
	}

	host := strings.TrimSpace(cfg.HTTPHost)
	if host == "" {
		host = constants.DefaultHTTPHost
	}

	port := cfg.HTTPPort
	if port == 0 {
		port = constants.DefaultHTTPPort
	}
	if port < 0 || port > 65535 {
		return nil, fmt.Errorf("server: invalid HTTP port %d", port)
	}

	grpcPort := cfg.GRPCPort
	if grpcPort == 0 {
		grpcPort = constants.DefaultGRPCPort
	}

	s.transportMu.Lock()
	s.host = host
	s.port = port
	s.grpcPort = grpcPort
	s.allowedOrigins = sanitizeOrigins(cfg.AllowedOrigins)
	s.transportMu.Unlock()

	s.setAuthToken(strings.TrimSpace(cfg.AuthToken))

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/shutdown", s.handleShutdown)
	mux.HandleFunc("/api/endpoints", s.handleEndpointsRoot)
	mux.HandleFunc("/api/endpoints/", s.handleEndpointSubroutes)
	mux.HandleFunc("/api/conns/", s.handleConnSubroutes)
	mux.HandleFunc("/api/events", s.wsServer.HandleWebSocket)

	address := net.JoinHostPort(host, strconv.Itoa(port))
	server := &http.Server{
		Addr:    address,
		Handler: s.wrapWithSecurity(mux),
	}
	s.httpServer = server

	return &PreparedHTTPServer{
		Server:   server,
		Scheme:   "http",
		Binding:  address,
		GRPCPort: grpcPort,
	}, nil
}

// Start prepares and serves the admin API on the configured binding. Used by
// standalone setups; the daemon serves through the transport gateway instead.
func (s *APIServer) Start() error {
	prepared, err := s.Prepare(context.Background())
	if err != nil {
		return err
	}
	return prepared.Server.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *APIServer) Shutdown(ctx context.Context) error {
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
