// Package supervisor runs the accept side of every managed endpoint.
// It opens server sockets through a shared netsock registry, screens
// inbound connections with per-endpoint accept policies, keeps the
// tracked connection sets and counters the admin surface reports, and
// reconciles the running set against stored endpoint profiles.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strconv"
	"sync"

	configstore "github.com/portgate-io/portgate/internal/config/store"
	"github.com/portgate-io/portgate/internal/eventbus"
	"github.com/portgate-io/portgate/internal/netsock"
	"github.com/portgate-io/portgate/internal/policy"
)

// Supervisor owns the running endpoints. One instance runs per daemon
// and holds the process-wide socket registry, so listeners survive
// endpoint close/reopen cycles instead of hitting rebind errors.
type Supervisor struct {
	registry *netsock.Registry

	busMu sync.RWMutex
	bus   *eventbus.Bus

	mu        sync.RWMutex
	endpoints map[int]*Endpoint
	stopped   bool
}

// New creates a supervisor around the given registry. A nil registry
// gets a fresh one.
func New(registry *netsock.Registry) *Supervisor {
	if registry == nil {
		registry = netsock.NewRegistry()
	}
	return &Supervisor{
		registry:  registry,
		endpoints: make(map[int]*Endpoint),
	}
}

// UseEventBus attaches the bus that endpoint, connection and policy
// events are published on.
func (s *Supervisor) UseEventBus(bus *eventbus.Bus) {
	s.busMu.Lock()
	defer s.busMu.Unlock()
	s.bus = bus
}

func (s *Supervisor) getBus() *eventbus.Bus {
	s.busMu.RLock()
	defer s.busMu.RUnlock()
	return s.bus
}

// Registry exposes the shared socket registry.
func (s *Supervisor) Registry() *netsock.Registry {
	return s.registry
}

// Start implements runtime.Service. The supervisor starts empty;
// endpoints come up through OpenEndpoint or Reconcile once the daemon
// has loaded its profiles.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = false
	return nil
}

// Shutdown implements runtime.Service, disposing every endpoint. The
// registry and its listeners stay up; process exit reclaims them.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	eps := make([]*Endpoint, 0, len(s.endpoints))
	for _, ep := range s.endpoints {
		eps = append(eps, ep)
	}
	s.endpoints = make(map[int]*Endpoint)
	s.mu.Unlock()

	var errs []error
	for _, ep := range eps {
		if err := s.disposeEndpoint(ctx, ep, eventbus.DisposeReasonShutdown); err != nil {
			errs = append(errs, fmt.Errorf("port %d: %w", ep.Port(), err))
		}
	}
	return errors.Join(errs...)
}

// OpenEndpoint opens the listener for profile and starts its accept
// pump. The policy script, when present, must load before the socket
// opens. Opening a port that is already supervised fails.
func (s *Supervisor) OpenEndpoint(ctx context.Context, profile configstore.Endpoint) error {
	var engine *policy.Engine
	if profile.PolicyScript != "" {
		var err error
		engine, err = policy.Load(profile.PolicyScript)
		if err != nil {
			return fmt.Errorf("supervisor: load policy for port %d: %w", profile.Port, err)
		}
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return fmt.Errorf("supervisor: not running")
	}
	if _, exists := s.endpoints[profile.Port]; exists {
		s.mu.Unlock()
		return fmt.Errorf("supervisor: endpoint %d already open", profile.Port)
	}

	hints := &netsock.ServerHints{
		ReceiveBuffer: profile.ReceiveBuffer,
		Backlog:       profile.Backlog,
		AcceptTimeout: profile.AcceptTimeout(),
	}

	// The registry keeps listeners for the life of the process, so a
	// reopened port reuses the old listener and ignores fresh hints.
	reused := false
	for _, port := range s.registry.Ports() {
		if port == profile.Port {
			reused = true
			break
		}
	}

	sock, err := s.registry.Open(netsock.TCP, profile.Port, hints)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("supervisor: open port %d: %w", profile.Port, err)
	}

	ep := newEndpoint(s, profile, sock, engine)
	s.endpoints[profile.Port] = ep
	s.mu.Unlock()

	if reused {
		log.Printf("[Supervisor] Port %d reuses its existing listener, server hints not applied", profile.Port)
	}

	ep.start()

	log.Printf("[Supervisor] Endpoint %d open (backlog=%d, recv_buffer=%d, accept_timeout=%s, policy=%q)",
		profile.Port, profile.Backlog, profile.ReceiveBuffer, profile.AcceptTimeout(), ep.PolicyName())

	eventbus.Publish(context.Background(), s.getBus(), eventbus.Endpoints.Opened, eventbus.SourceSupervisor, eventbus.EndpointOpenedEvent{
		Port:          profile.Port,
		Backlog:       profile.Backlog,
		ReceiveBuffer: profile.ReceiveBuffer,
		AcceptTimeout: profile.AcceptTimeout(),
		HintsApplied:  !reused,
	})
	return nil
}

// CloseEndpoint disposes the endpoint on port and forgets it. The
// listener itself stays registered so the port can be reopened later.
func (s *Supervisor) CloseEndpoint(ctx context.Context, port int) error {
	ep, err := s.takeEndpoint(port)
	if err != nil {
		return err
	}
	return s.disposeEndpoint(ctx, ep, eventbus.DisposeReasonOperator)
}

// takeEndpoint removes the endpoint for port from the running set and
// returns it for disposal.
func (s *Supervisor) takeEndpoint(port int) (*Endpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ep, exists := s.endpoints[port]
	if !exists {
		return nil, configstore.NotFoundError{Entity: "endpoint", Key: strconv.Itoa(port)}
	}
	delete(s.endpoints, port)
	return ep, nil
}

func (s *Supervisor) disposeEndpoint(ctx context.Context, ep *Endpoint, reason string) error {
	closed, err := ep.dispose()
	if err != nil {
		log.Printf("[Supervisor] Dispose endpoint %d: %v", ep.Port(), err)
	}
	log.Printf("[Supervisor] Endpoint %d disposed (%s), closed %d connection(s)", ep.Port(), reason, closed)

	// Publishes use a background context so disposal events survive an
	// expiring shutdown context.
	eventbus.Publish(context.Background(), s.getBus(), eventbus.Endpoints.Disposed, eventbus.SourceSupervisor, eventbus.EndpointDisposedEvent{
		Port:        ep.Port(),
		ConnsClosed: closed,
		Reason:      reason,
	})
	return err
}

// ListEndpoints returns a status snapshot per running endpoint, ordered
// by port.
func (s *Supervisor) ListEndpoints() []EndpointStatus {
	s.mu.RLock()
	eps := make([]*Endpoint, 0, len(s.endpoints))
	for _, ep := range s.endpoints {
		eps = append(eps, ep)
	}
	s.mu.RUnlock()

	statuses := make([]EndpointStatus, 0, len(eps))
	for _, ep := range eps {
		statuses = append(statuses, ep.Status())
	}
	sort.Slice(statuses, func(i, j int) bool {
		return statuses[i].Port < statuses[j].Port
	})
	return statuses
}

// Status returns the snapshot for one running endpoint.
func (s *Supervisor) Status(port int) (EndpointStatus, error) {
	s.mu.RLock()
	ep, exists := s.endpoints[port]
	s.mu.RUnlock()
	if !exists {
		return EndpointStatus{}, configstore.NotFoundError{Entity: "endpoint", Key: strconv.Itoa(port)}
	}
	return ep.Status(), nil
}

// Conns returns the tracked connections of one running endpoint,
// newest last.
func (s *Supervisor) Conns(port int) ([]ConnStatus, error) {
	s.mu.RLock()
	ep, exists := s.endpoints[port]
	s.mu.RUnlock()
	if !exists {
		return nil, configstore.NotFoundError{Entity: "endpoint", Key: strconv.Itoa(port)}
	}
	return ep.ConnStatuses(), nil
}

// CloseConn closes one tracked connection by ID, wherever it lives.
func (s *Supervisor) CloseConn(id string) error {
	s.mu.RLock()
	var found *trackedConn
	for _, ep := range s.endpoints {
		if tc := ep.lookupConn(id); tc != nil {
			found = tc
			break
		}
	}
	s.mu.RUnlock()

	if found == nil {
		return configstore.NotFoundError{Entity: "connection", Key: id}
	}
	found.close(eventbus.CloseReasonOperator)
	return nil
}

// Reconcile drives the running set toward the given profiles: open
// what is enabled and missing, dispose what runs but is gone or
// disabled, and reopen what changed. Disposals triggered here carry
// the config reason.
func (s *Supervisor) Reconcile(ctx context.Context, profiles []configstore.Endpoint) error {
	desired := make(map[int]configstore.Endpoint, len(profiles))
	for _, p := range profiles {
		if p.Enabled {
			desired[p.Port] = p
		}
	}

	s.mu.RLock()
	running := make(map[int]configstore.Endpoint, len(s.endpoints))
	for port, ep := range s.endpoints {
		running[port] = ep.Profile()
	}
	s.mu.RUnlock()

	var errs []error

	for port, current := range running {
		want, keep := desired[port]
		if keep && !profileChanged(current, want) {
			continue
		}
		ep, err := s.takeEndpoint(port)
		if err != nil {
			continue
		}
		if err := s.disposeEndpoint(ctx, ep, eventbus.DisposeReasonConfig); err != nil {
			errs = append(errs, fmt.Errorf("close port %d: %w", port, err))
		}
	}

	for port, want := range desired {
		s.mu.RLock()
		_, live := s.endpoints[port]
		s.mu.RUnlock()
		if live {
			continue
		}
		if err := s.OpenEndpoint(ctx, want); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// profileChanged reports whether a running endpoint has to be reopened
// to match its stored profile.
func profileChanged(current, want configstore.Endpoint) bool {
	return current.Backlog != want.Backlog ||
		current.ReceiveBuffer != want.ReceiveBuffer ||
		current.AcceptTimeoutMS != want.AcceptTimeoutMS ||
		current.PolicyScript != want.PolicyScript
}
