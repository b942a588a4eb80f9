package server

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	configstore "github.com/portgate-io/portgate/internal/config/store"
	"github.com/portgate-io/portgate/internal/supervisor"
	"github.com/portgate-io/portgate/internal/version"
)

type endpointPayload struct {
	Port            int       `json:"port"`
	Backlog         int       `json:"backlog,omitempty"`
	ReceiveBuffer   int       `json:"receive_buffer,omitempty"`
	AcceptTimeoutMS int64     `json:"accept_timeout_ms,omitempty"`
	Policy          string    `json:"policy,omitempty"`
	OpenedAt        time.Time `json:"opened_at"`
	ActiveConns     int       `json:"active_conns"`
	AcceptedTotal   uint64    `json:"accepted_total"`
	RejectedTotal   uint64    `json:"rejected_total"`
	ClosedTotal     uint64    `json:"closed_total"`
}

func endpointPayloadFromStatus(st supervisor.EndpointStatus) endpointPayload {
	return endpointPayload{
		Port:            st.Port,
		Backlog:         st.Backlog,
		ReceiveBuffer:   st.ReceiveBuffer,
		AcceptTimeoutMS: st.AcceptTimeout.Milliseconds(),
		Policy:          st.Policy,
		OpenedAt:        st.OpenedAt,
		ActiveConns:     st.Active,
		AcceptedTotal:   st.Accepted,
		RejectedTotal:   st.Rejected,
		ClosedTotal:     st.Closed,
	}
}

type connPayload struct {
	ID         string    `json:"id"`
	Port       int       `json:"port"`
	RemoteAddr string    `json:"remote_addr"`
	AcceptedAt time.Time `json:"accepted_at"`
	BytesIn    uint64    `json:"bytes_in"`
}

func connPayloadFromStatus(st supervisor.ConnStatus) connPayload {
	return connPayload{
		ID:         st.ID,
		Port:       st.Port,
		RemoteAddr: st.RemoteAddr,
		AcceptedAt: st.AcceptedAt,
		BytesIn:    st.BytesIn,
	}
}

type daemonStatusSnapshot struct {
	Version       string
	Instance      string
	PID           int
	UptimeSeconds float64
	AuthRequired  bool
	Binding       string
	GRPCPort      int
	Endpoints     int
	ActiveConns   int
	AcceptedTotal uint64
	RejectedTotal uint64
	ClosedTotal   uint64
	EventClients  int
}

func (s *APIServer) daemonStatusSnapshot() daemonStatusSnapshot {
	snapshot := daemonStatusSnapshot{
		Version:      version.String(),
		PID:          os.Getpid(),
		AuthRequired: s.isAuthRequired(),
	}

	s.runtimeMu.RLock()
	runtime := s.runtime
	s.runtimeMu.RUnlock()
	if runtime != nil {
		snapshot.Instance = runtime.Instance()
		if start := runtime.StartTime(); !start.IsZero() {
			snapshot.UptimeSeconds = time.Since(start).Seconds()
		}
	}

	s.transportMu.RLock()
	if s.host != "" {
		snapshot.Binding = fmt.Sprintf("%s:%d", s.host, s.port)
	}
	snapshot.GRPCPort = s.grpcPort
	s.transportMu.RUnlock()

	if s.endpoints != nil {
		statuses := s.endpoints.ListEndpoints()
		snapshot.Endpoints = len(statuses)
		for _, st := range statuses {
			snapshot.ActiveConns += st.Active
			snapshot.AcceptedTotal += st.Accepted
			snapshot.RejectedTotal += st.Rejected
			snapshot.ClosedTotal += st.Closed
		}
	}

	if s.wsServer != nil {
		snapshot.EventClients = s.wsServer.GetClientCount()
	}

	return snapshot
}

func (s *APIServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodOptions:
		w.WriteHeader(http.StatusNoContent)
		return
	case http.MethodGet:
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	snapshot := s.daemonStatusSnapshot()

	response := map[string]interface{}{
		"version":        snapshot.Version,
		"pid":            snapshot.PID,
		"auth_required":  snapshot.AuthRequired,
		"binding":        snapshot.Binding,
		"grpc_port":      snapshot.GRPCPort,
		"endpoints":      snapshot.Endpoints,
		"active_conns":   snapshot.ActiveConns,
		"accepted_total": snapshot.AcceptedTotal,
		"rejected_total": snapshot.RejectedTotal,
		"closed_total":   snapshot.ClosedTotal,
		"event_clients":  snapshot.EventClients,
	}
	if snapshot.Instance != "" {
		response["instance"] = snapshot.Instance
	}
	if snapshot.UptimeSeconds > 0 {
		response["uptime"] = snapshot.UptimeSeconds
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.Printf("[APIServer] failed to encode status response: %v", err)
	}
}

func (s *APIServer) handleHealthz(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodOptions:
		w.WriteHeader(http.StatusNoContent)
		return
	case http.MethodGet:
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]string{"status": "ok"}); err != nil {
		log.Printf("[APIServer] failed to encode healthz response: %v", err)
	}
}

func (s *APIServer) handleShutdown(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodOptions:
		w.WriteHeader(http.StatusNoContent)
		return
	case http.MethodPost:
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	if !s.RequestShutdown() {
		writeError(w, http.StatusNotImplemented, "daemon shutdown not available")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	if err := json.NewEncoder(w).Encode(map[string]string{"status": "shutting_down"}); err != nil {
		log.Printf("[APIServer] failed to encode shutdown response: %v", err)
	}
}

func (s *APIServer) handleEndpointsRoot(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodOptions:
		w.WriteHeader(http.StatusNoContent)
		return
	case http.MethodGet:
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	if s.endpoints == nil {
		writeError(w, http.StatusServiceUnavailable, "endpoint supervisor not available")
		return
	}

	statuses := s.endpoints.ListEndpoints()
	payload := make([]endpointPayload, 0, len(statuses))
	for _, st := range statuses {
		payload = append(payload, endpointPayloadFromStatus(st))
	}

	w.Header().Set("Content-Type", "application/json")
	response := map[string]interface{}{
		"endpoints": payload,
		"count":     len(payload),
	}
	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.Printf("[APIServer] failed to encode endpoints response: %v", err)
	}
}

// handleEndpointSubroutes dispatches /api/endpoints/{port}, {port}/dispose
// and {port}/conns.
func (s *APIServer) handleEndpointSubroutes(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if s.endpoints == nil {
		writeError(w, http.StatusServiceUnavailable, "endpoint supervisor not available")
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/api/endpoints/")
	rest = strings.TrimSuffix(rest, "/")
	parts := strings.Split(rest, "/")

	port, err := strconv.Atoi(parts[0])
	if err != nil || port < 0 || port > 65535 {
		writeError(w, http.StatusBadRequest, "invalid endpoint port")
		return
	}

	switch {
	case len(parts) == 1:
		s.handleEndpointStatus(w, r, port)
	case len(parts) == 2 && parts[1] == "dispose":
		s.handleEndpointDispose(w, r, port)
	case len(parts) == 2 && parts[1] == "conns":
		s.handleEndpointConns(w, r, port)
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

func (s *APIServer) handleEndpointStatus(w http.ResponseWriter, r *http.Request, port int) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	status, err := s.endpoints.Status(port)
	if err != nil {
		if configstore.IsNotFound(err) {
			writeError(w, http.StatusNotFound, "endpoint not found")
			return
		}
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to read endpoint status: %v", err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(endpointPayloadFromStatus(status)); err != nil {
		log.Printf("[APIServer] failed to encode endpoint response: %v", err)
	}
}

func (s *APIServer) handleEndpointDispose(w http.ResponseWriter, r *http.Request, port int) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	if err := s.endpoints.CloseEndpoint(r.Context(), port); err != nil {
		if configstore.IsNotFound(err) {
			writeError(w, http.StatusNotFound, "endpoint not found")
			return
		}
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to dispose endpoint: %v", err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	response := map[string]interface{}{
		"port":   port,
		"status": "disposed",
	}
	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.Printf("[APIServer] failed to encode dispose response: %v", err)
	}
}

func (s *APIServer) handleEndpointConns(w http.ResponseWriter, r *http.Request, port int) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	conns, err := s.endpoints.Conns(port)
	if err != nil {
		if configstore.IsNotFound(err) {
			writeError(w, http.StatusNotFound, "endpoint not found")
			return
		}
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to list connections: %v", err))
		return
	}

	payload := make([]connPayload, 0, len(conns))
	for _, st := range conns {
		payload = append(payload, connPayloadFromStatus(st))
	}

	w.Header().Set("Content-Type", "application/json")
	response := map[string]interface{}{
		"port":  port,
		"conns": payload,
		"count": len(payload),
	}
	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.Printf("[APIServer] failed to encode connections response: %v", err)
	}
}

// handleConnSubroutes dispatches DELETE /api/conns/{id}.
func (s *APIServer) handleConnSubroutes(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodOptions:
		w.WriteHeader(http.StatusNoContent)
		return
	case http.MethodDelete:
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	if s.endpoints == nil {
		writeError(w, http.StatusServiceUnavailable, "endpoint supervisor not available")
		return
	}

	id := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/api/conns/"), "/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	if err := s.endpoints.CloseConn(id); err != nil {
		if configstore.IsNotFound(err) {
			writeError(w, http.StatusNotFound, "connection not found")
			return
		}
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to close connection: %v", err))
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *APIServer) handleMetrics(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodOptions:
		w.WriteHeader(http.StatusNoContent)
		return
	case http.MethodGet:
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	s.serveMetrics(w)
}

func (s *APIServer) serveMetrics(w http.ResponseWriter) {
	s.metricsMu.RLock()
	exporter := s.metricsExporter
	s.metricsMu.RUnlock()

	if exporter == nil {
		writeError(w, http.StatusServiceUnavailable, "metrics exporter not configured")
		return
	}

	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	w.Header().Set("Cache-Control", "no-cache")
	if _, err := w.Write(exporter.Export()); err != nil {
		log.Printf("[APIServer] failed to write metrics response: %v", err)
	}
}
