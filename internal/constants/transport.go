package constants

// Default admin transport bindings. The HTTP API and the gRPC health
// gateway bind to loopback unless reconfigured in the settings store.
const (
	DefaultHTTPHost = "127.0.0.1"
	DefaultHTTPPort = 7171
	DefaultGRPCPort = 7172
)

// HealthEndpointPrefix names per-endpoint gRPC health statuses; the
// supervised port number is appended ("portgate.endpoint.5000").
const HealthEndpointPrefix = "portgate.endpoint."
