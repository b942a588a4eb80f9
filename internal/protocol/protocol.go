package protocol

import "time"

// Request represents a client request to the daemon
type Request struct {
	ID   string      `json:"id"`
	Type string      `json:"type"`
	Data interface{} `json:"data,omitempty"`
}

// Response represents a daemon response to client
type Response struct {
	ID      string      `json:"id"`
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// StatusData carries the daemon_status response payload
type StatusData struct {
	Version        string  `json:"version"`
	Instance       string  `json:"instance"`
	EndpointsCount int     `json:"endpoints_count"`
	HTTPPort       int     `json:"http_port"`
	GRPCPort       int     `json:"grpc_port"`
	UptimeSeconds  float64 `json:"uptime,omitempty"`
}

// EndpointInfo describes one supervised endpoint
type EndpointInfo struct {
	Port        int       `json:"port"`
	ActiveConns int       `json:"active_conns"`
	Accepted    uint64    `json:"accepted_total"`
	Rejected    uint64    `json:"rejected_total"`
	Closed      uint64    `json:"closed_total"`
	OpenedAt    time.Time `json:"opened_at"`
}

// Request types
const (
	RequestDaemonStatus  = "daemon_status"
	RequestListEndpoints = "list_endpoints"
	RequestShutdown      = "shutdown"
)
