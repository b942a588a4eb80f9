package server

import (
	"context"
	"time"

	"github.com/portgate-io/portgate/internal/supervisor"
)

// EndpointSupervisor exposes the supervisor operations required by the API
// layer. Satisfied by *supervisor.Supervisor.
type EndpointSupervisor interface {
	ListEndpoints() []supervisor.EndpointStatus
	Status(port int) (supervisor.EndpointStatus, error)
	Conns(port int) ([]supervisor.ConnStatus, error)
	CloseEndpoint(ctx context.Context, port int) error
	CloseConn(id string) error
}

// RuntimeInfoProvider exposes daemon runtime metadata used by status reporting.
type RuntimeInfoProvider interface {
	Instance() string
	StartTime() time.Time
}

// PrometheusExporter provides Prometheus text exposition payloads for /metrics.
type PrometheusExporter interface {
	Export() []byte
}
