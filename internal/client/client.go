// Package client talks to the daemon's admin HTTP API on behalf of CLI
// commands. The base URL is resolved from PORTGATE_BASE_URL, the bootstrap
// file or the instance's stored transport configuration, in that order.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/portgate-io/portgate/internal/bootstrap"
	configstore "github.com/portgate-io/portgate/internal/config/store"
	"github.com/portgate-io/portgate/internal/constants"
)

const (
	websocketHandshakeTimeout = 10 * time.Second
	maxErrorBody              = 8 << 10
)

// ErrShutdownUnavailable indicates the daemon does not expose the shutdown endpoint.
var ErrShutdownUnavailable = errors.New("daemon shutdown endpoint unavailable")

// EndpointSummary describes one supervised endpoint as reported by the API.
type EndpointSummary struct {
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

// ConnSummary describes one tracked connection of a supervised endpoint.
type ConnSummary struct {
	ID         string    `json:"id"`
	Port       int       `json:"port"`
	RemoteAddr string    `json:"remote_addr"`
	AcceptedAt time.Time `json:"accepted_at"`
	BytesIn    uint64    `json:"bytes_in"`
}

// Client communicates with the daemon using HTTP and WebSocket transports.
type Client struct {
	baseURL    string
	httpClient *http.Client
	token      string
	dialer     *websocket.Dialer
}

func newClientWithConfig(baseURL, token string) *Client {
	trimmedBase := strings.TrimRight(baseURL, "/")

	httpClient := &http.Client{Timeout: constants.AdminClientRequestTimeout}

	dialer := &websocket.Dialer{
		Proxy:             http.ProxyFromEnvironment,
		HandshakeTimeout:  websocketHandshakeTimeout,
		EnableCompression: true,
	}

	return &Client{
		baseURL:    trimmedBase,
		httpClient: httpClient,
		token:      strings.TrimSpace(token),
		dialer:     dialer,
	}
}

// NewInitialisedClient constructs a client from explicit parameters.
func NewInitialisedClient(baseURL, token string) *Client {
	return newClientWithConfig(baseURL, token)
}

// New initialises a client for the named instance (empty selects the
// default).
func New(instanceName string) (*Client, error) {
	if base := strings.TrimSpace(os.Getenv("PORTGATE_BASE_URL")); base != "" {
		return newFromExplicit(base)
	}

	boot, err := bootstrap.Load()
	if err != nil {
		return nil, err
	}
	if boot != nil && strings.TrimSpace(boot.BaseURL) != "" {
		return newFromBootstrap(boot)
	}

	return newFromStore(instanceName)
}

func newFromStore(instanceName string) (*Client, error) {
	cfg, err := loadTransportSettings(instanceName)
	if err != nil {
		return nil, err
	}

	host := strings.TrimSpace(os.Getenv("PORTGATE_DAEMON_HOST"))
	if host == "" {
		host = constants.DefaultHTTPHost
	}

	port := cfg.HTTPPort
	if port == 0 {
		port = constants.DefaultHTTPPort
	}
	if port < 0 {
		return nil, fmt.Errorf("daemon HTTP port not available; is portgated running?")
	}

	baseURL := "http://" + net.JoinHostPort(host, strconv.Itoa(port))

	token := strings.TrimSpace(os.Getenv("PORTGATE_API_TOKEN"))
	if token == "" {
		token = strings.TrimSpace(cfg.AuthToken)
	}

	return newClientWithConfig(baseURL, token), nil
}

func newFromExplicit(raw string) (*Client, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("client: PORTGATE_BASE_URL is empty")
	}

	if !strings.Contains(trimmed, "://") {
		trimmed = "https://" + trimmed
	}

	u, err := url.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("client: parse PORTGATE_BASE_URL: %w", err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("client: PORTGATE_BASE_URL missing host")
	}

	token := strings.TrimSpace(os.Getenv("PORTGATE_API_TOKEN"))
	return newClientWithConfig(u.String(), token), nil
}

func newFromBootstrap(boot *bootstrap.Config) (*Client, error) {
	if boot == nil || strings.TrimSpace(boot.BaseURL) == "" {
		return nil, fmt.Errorf("client: explicit base URL required")
	}

	u, err := url.Parse(boot.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("client: parse base URL: %w", err)
	}

	token := strings.TrimSpace(os.Getenv("PORTGATE_API_TOKEN"))
	if token == "" {
		token = strings.TrimSpace(boot.APIToken)
	}

	return newClientWithConfig(u.String(), token), nil
}

// loadTransportSettings reads the stored transport config for an instance.
func loadTransportSettings(instanceName string) (configstore.TransportConfig, error) {
	store, err := configstore.Open(configstore.Options{
		InstanceName: instanceName,
		ReadOnly:     true,
	})
	if err != nil {
		return configstore.TransportConfig{}, fmt.Errorf("client: open config store: %w", err)
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), constants.Duration5Seconds)
	defer cancel()

	cfg, err := store.GetTransportConfig(ctx)
	if err != nil {
		return configstore.TransportConfig{}, fmt.Errorf("client: load transport config: %w", err)
	}
	return cfg, nil
}

// BaseURL returns the base HTTP URL the client is configured to use.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// HTTPClient exposes the configured HTTP client.
func (c *Client) HTTPClient() *http.Client {
	return c.httpClient
}

// Token returns the bearer token configured for the client, if any.
func (c *Client) Token() string {
	return c.token
}

// Close releases idle connections held by the client.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

// GetDaemonStatus fetches daemon metadata via REST.
func (c *Client) GetDaemonStatus() (map[string]any, error) {
	req, err := http.NewRequest(http.MethodGet, c.baseURL+"/api/status", nil)
	if err != nil {
		return nil, err
	}
	c.addAuth(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("daemon status: %w", readAPIError(resp))
	}

	var status map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("decode status: %w", err)
	}
	return status, nil
}

// ListEndpoints returns all supervised endpoints with live statistics.
func (c *Client) ListEndpoints() ([]EndpointSummary, error) {
	req, err := http.NewRequest(http.MethodGet, c.baseURL+"/api/endpoints", nil)
	if err != nil {
		return nil, err
	}
	c.addAuth(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("list endpoints: %w", readAPIError(resp))
	}

	var payload struct {
		Endpoints []EndpointSummary `json:"endpoints"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode endpoints: %w", err)
	}
	return payload.Endpoints, nil
}

// GetEndpoint returns one supervised endpoint by port.
func (c *Client) GetEndpoint(port int) (EndpointSummary, error) {
	req, err := http.NewRequest(http.MethodGet, fmt.Sprintf("%s/api/endpoints/%d", c.baseURL, port), nil)
	if err != nil {
		return EndpointSummary{}, err
	}
	c.addAuth(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return EndpointSummary{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return EndpointSummary{}, fmt.Errorf("endpoint %d: %w", port, readAPIError(resp))
	}

	var summary EndpointSummary
	if err := json.NewDecoder(resp.Body).Decode(&summary); err != nil {
		return EndpointSummary{}, fmt.Errorf("decode endpoint: %w", err)
	}
	return summary, nil
}

// DisposeEndpoint closes a supervised endpoint together with its tracked
// connections. The stored profile is not touched.
func (c *Client) DisposeEndpoint(port int) error {
	req, err := http.NewRequest(http.MethodPost, fmt.Sprintf("%s/api/endpoints/%d/dispose", c.baseURL, port), http.NoBody)
	if err != nil {
		return err
	}
	c.addAuth(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("dispose endpoint %d: %w", port, readAPIError(resp))
	}
	return nil
}

// ListConns returns the tracked connections of one supervised endpoint.
func (c *Client) ListConns(port int) ([]ConnSummary, error) {
	req, err := http.NewRequest(http.MethodGet, fmt.Sprintf("%s/api/endpoints/%d/conns", c.baseURL, port), nil)
	if err != nil {
		return nil, err
	}
	c.addAuth(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("list connections: %w", readAPIError(resp))
	}

	var payload struct {
		Conns []ConnSummary `json:"conns"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode connections: %w", err)
	}
	return payload.Conns, nil
}

// CloseConn force-closes one tracked connection by ID.
func (c *Client) CloseConn(id string) error {
	req, err := http.NewRequest(http.MethodDelete, c.baseURL+"/api/conns/"+url.PathEscape(id), nil)
	if err != nil {
		return err
	}
	c.addAuth(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("close connection: %w", readAPIError(resp))
	}
	return nil
}

// ShutdownDaemon requests a graceful daemon shutdown via the HTTP API.
func (c *Client) ShutdownDaemon() error {
	req, err := http.NewRequest(http.MethodPost, c.baseURL+"/api/shutdown", http.NoBody)
	if err != nil {
		return err
	}
	c.addAuth(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusAccepted {
		return nil
	}

	errResp := readAPIError(resp)
	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusNotImplemented {
		return fmt.Errorf("shutdown daemon: %w: %w", ErrShutdownUnavailable, errResp)
	}
	if resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("shutdown daemon unauthorized: %w", errResp)
	}
	return fmt.Errorf("shutdown daemon: %w", errResp)
}

func (c *Client) addAuth(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

func readAPIError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if len(body) == 0 {
		return errors.New(resp.Status)
	}
	trimmed := strings.TrimSpace(string(body))
	if strings.HasPrefix(trimmed, "{") {
		var payload struct {
			Error string `json:"error"`
		}
		if err := json.Unmarshal([]byte(trimmed), &payload); err == nil {
			if msg := strings.TrimSpace(payload.Error); msg != "" {
				return errors.New(msg)
			}
		}
		// Fall back to returning the raw payload for diagnostics when parsing fails
		// or the server response omits the "error" field.
	}
	return errors.New(trimmed)
}
