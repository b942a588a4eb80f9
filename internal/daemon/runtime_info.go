package daemon

import (
	"sync"
	"time"
)

// RuntimeInfo stores runtime metadata exposed to clients.
type RuntimeInfo struct {
	mu        sync.RWMutex
	instance  string
	httpPort  int
	grpcPort  int
	startTime time.Time
}

// SetInstance records the instance name the daemon serves.
func (r *RuntimeInfo) SetInstance(name string) {
	r.mu.Lock()
	r.instance = name
	r.mu.Unlock()
}

// Instance returns the instance name.
func (r *RuntimeInfo) Instance() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.instance
}

// SetHTTPPort updates the active admin HTTP port.
func (r *RuntimeInfo) SetHTTPPort(port int) {
	r.mu.Lock()
	r.httpPort = port
	r.mu.Unlock()
}

// HTTPPort returns the current admin HTTP port.
func (r *RuntimeInfo) HTTPPort() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.httpPort
}

// SetGRPCPort updates the active gRPC port.
func (r *RuntimeInfo) SetGRPCPort(port int) {
	r.mu.Lock()
	r.grpcPort = port
	r.mu.Unlock()
}

// GRPCPort returns the current gRPC port.
func (r *RuntimeInfo) GRPCPort() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.grpcPort
}

// SetStartTime records the daemon start time.
func (r *RuntimeInfo) SetStartTime(t time.Time) {
	r.mu.Lock()
	r.startTime = t
	r.mu.Unlock()
}

// StartTime returns the daemon start time.
func (r *RuntimeInfo) StartTime() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.startTime
}
