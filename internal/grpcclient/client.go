// Package grpcclient connects CLI commands to the daemon's gRPC gateway.
// The only service exposed there is the standard health service, carrying
// the overall daemon status plus one status per supervised endpoint.
package grpcclient

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	configstore "github.com/portgate-io/portgate/internal/config/store"
	"github.com/portgate-io/portgate/internal/constants"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
)

// passthroughPrefix bypasses gRPC DNS resolution, matching deprecated DialContext behaviour.
const passthroughPrefix = "passthrough:///"

// Client wraps a gRPC connection to the daemon's health service.
type Client struct {
	conn   *grpc.ClientConn
	health healthpb.HealthClient
	token  string
}

// New connects to the gRPC gateway of the named instance (empty selects the
// default), resolving the port from the stored transport configuration.
func New(instanceName string) (*Client, error) {
	cfg, err := LoadTransportSettings(instanceName)
	if err != nil {
		return nil, err
	}

	port := cfg.GRPCPort
	if port == 0 {
		port = constants.DefaultGRPCPort
	}
	if port < 0 {
		return nil, fmt.Errorf("grpc: daemon gRPC port not available; is portgated running?")
	}

	return NewHealthClient(net.JoinHostPort(dialHost(), strconv.Itoa(port)))
}

// NewHealthClient connects to an explicit host:port address.
func NewHealthClient(address string) (*Client, error) {
	conn, err := grpc.NewClient(passthroughPrefix+address,
		grpc.WithConnectParams(grpc.ConnectParams{
			MinConnectTimeout: constants.GRPCClientMinConnectTimeout,
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("grpc: connect %s: %w", address, err)
	}

	return &Client{
		conn:   conn,
		health: healthpb.NewHealthClient(conn),
	}, nil
}

// LoadTransportSettings loads the stored transport config for an instance.
func LoadTransportSettings(instanceName string) (configstore.TransportConfig, error) {
	store, err := configstore.Open(configstore.Options{
		InstanceName: instanceName,
		ReadOnly:     true,
	})
	if err != nil {
		return configstore.TransportConfig{}, fmt.Errorf("grpcclient: open config store: %w", err)
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), constants.GRPCClientConfigLoadTimeout)
	defer cancel()

	cfg, err := store.GetTransportConfig(ctx)
	if err != nil {
		return configstore.TransportConfig{}, fmt.Errorf("grpcclient: load transport config: %w", err)
	}
	return cfg, nil
}

// dialHost returns the host used for gRPC connections. Local clients always
// connect to loopback regardless of the daemon's bind host.
func dialHost() string {
	if override := strings.TrimSpace(os.Getenv("PORTGATE_DAEMON_HOST")); override != "" {
		return override
	}
	return constants.DefaultHTTPHost
}

// SetToken attaches a bearer token to subsequent calls.
func (c *Client) SetToken(token string) {
	c.token = strings.TrimSpace(token)
}

// Close releases the underlying connection.
func (c *Client) Close() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// Check queries the health status of the named service. The empty service
// name reports the overall daemon status.
func (c *Client) Check(ctx context.Context, service string) (healthpb.HealthCheckResponse_ServingStatus, error) {
	resp, err := c.health.Check(c.attachToken(ctx), &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, fmt.Errorf("grpc: health check %q: %w", service, err)
	}
	return resp.GetStatus(), nil
}

// CheckEndpoint queries the health status of one supervised endpoint.
func (c *Client) CheckEndpoint(ctx context.Context, port int) (healthpb.HealthCheckResponse_ServingStatus, error) {
	return c.Check(ctx, constants.HealthEndpointPrefix+strconv.Itoa(port))
}

func (c *Client) attachToken(ctx context.Context) context.Context {
	if c.token == "" {
		return ctx
	}
	return metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+c.token)
}
