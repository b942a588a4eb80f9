package supervisor

import (
	"context"
	"errors"
	"log"
	"sort"
	"sync"
	"time"

	configstore "github.com/portgate-io/portgate/internal/config/store"
	"github.com/portgate-io/portgate/internal/eventbus"
	"github.com/portgate-io/portgate/internal/netsock"
	"github.com/portgate-io/portgate/internal/policy"
)

// Endpoint is one supervised port: the server socket, the accept pump
// feeding it and the connections admitted through it.
type Endpoint struct {
	sup     *Supervisor
	profile configstore.Endpoint
	sock    *netsock.ServerSocket
	engine  *policy.Engine

	ctx      context.Context
	cancel   context.CancelFunc
	pumpDone chan struct{}
	openedAt time.Time

	mu       sync.RWMutex
	conns    map[string]*trackedConn
	closing  bool
	accepted uint64
	rejected uint64
	closed   uint64
}

// EndpointStatus is a point-in-time view of one endpoint.
type EndpointStatus struct {
	Port          int
	Backlog       int
	ReceiveBuffer int
	AcceptTimeout time.Duration
	Policy        string
	OpenedAt      time.Time
	Active        int
	Accepted      uint64
	Rejected      uint64
	Closed        uint64
}

// ConnStatus describes one tracked connection.
type ConnStatus struct {
	ID         string
	Port       int
	RemoteAddr string
	AcceptedAt time.Time
	BytesIn    uint64
}

func newEndpoint(sup *Supervisor, profile configstore.Endpoint, sock *netsock.ServerSocket, engine *policy.Engine) *Endpoint {
	ctx, cancel := context.WithCancel(context.Background())
	return &Endpoint{
		sup:      sup,
		profile:  profile,
		sock:     sock,
		engine:   engine,
		ctx:      ctx,
		cancel:   cancel,
		pumpDone: make(chan struct{}),
		openedAt: time.Now(),
		conns:    make(map[string]*trackedConn),
	}
}

// Port returns the supervised port.
func (ep *Endpoint) Port() int {
	return ep.profile.Port
}

// Profile returns the stored profile the endpoint was opened with.
func (ep *Endpoint) Profile() configstore.Endpoint {
	return ep.profile
}

// PolicyName returns the loaded accept policy name, empty without one.
func (ep *Endpoint) PolicyName() string {
	if ep.engine == nil {
		return ""
	}
	return ep.engine.Name()
}

// Status snapshots the endpoint counters and configuration.
func (ep *Endpoint) Status() EndpointStatus {
	ep.mu.RLock()
	defer ep.mu.RUnlock()
	return EndpointStatus{
		Port:          ep.profile.Port,
		Backlog:       ep.profile.Backlog,
		ReceiveBuffer: ep.profile.ReceiveBuffer,
		AcceptTimeout: ep.profile.AcceptTimeout(),
		Policy:        ep.PolicyName(),
		OpenedAt:      ep.openedAt,
		Active:        len(ep.conns),
		Accepted:      ep.accepted,
		Rejected:      ep.rejected,
		Closed:        ep.closed,
	}
}

// ConnStatuses snapshots the tracked connections, ordered by accept
// time.
func (ep *Endpoint) ConnStatuses() []ConnStatus {
	ep.mu.RLock()
	out := make([]ConnStatus, 0, len(ep.conns))
	for _, tc := range ep.conns {
		out = append(out, tc.status())
	}
	ep.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].AcceptedAt.Before(out[j].AcceptedAt)
	})
	return out
}

func (ep *Endpoint) lookupConn(id string) *trackedConn {
	ep.mu.RLock()
	defer ep.mu.RUnlock()
	return ep.conns[id]
}

func (ep *Endpoint) start() {
	go ep.pump()
}

// pump accepts until the endpoint is disposed. Per-accept timeouts
// from the profile are not failures here, the pump just waits again.
func (ep *Endpoint) pump() {
	defer close(ep.pumpDone)
	for {
		conn, err := ep.sock.Accept(ep.ctx, nil)
		if err != nil {
			switch {
			case netsock.IsAcceptTimeout(err):
				continue
			case netsock.IsServerDisposed(err):
				return
			case errors.Is(err, context.Canceled):
				return
			default:
				log.Printf("[Supervisor] Accept on port %d: %v", ep.Port(), err)
				continue
			}
		}
		ep.admit(conn)
	}
}

// admit runs the accept policy over a fresh connection and either
// tracks it or closes it as rejected. Evaluation errors admit the
// connection: a broken script must not cut service.
func (ep *Endpoint) admit(conn *netsock.Conn) {
	remote := ""
	if addr := conn.RemoteAddr(); addr != nil {
		remote = addr.String()
	}

	decision, err := ep.evaluate(conn.ID(), remote)
	if err != nil {
		log.Printf("[Supervisor] Policy %q on port %d failed, admitting %s: %v", ep.PolicyName(), ep.Port(), conn.ID(), err)
		eventbus.Publish(context.Background(), ep.sup.getBus(), eventbus.Policies.Errors, eventbus.SourcePolicyEngine, eventbus.PolicyErrorEvent{
			Port:    ep.Port(),
			Script:  ep.PolicyName(),
			Message: err.Error(),
		})
		decision = policy.Decision{Allow: true}
	}

	if !decision.Allow {
		ep.mu.Lock()
		ep.rejected++
		ep.mu.Unlock()
		conn.Close()
		log.Printf("[Supervisor] Rejected %s on port %d (rule %q)", conn.ID(), ep.Port(), decision.Rule)
		eventbus.Publish(context.Background(), ep.sup.getBus(), eventbus.Conns.Rejected, eventbus.SourceSupervisor, eventbus.ConnRejectedEvent{
			ConnID:     conn.ID(),
			Port:       ep.Port(),
			RemoteAddr: remote,
			Rule:       decision.Rule,
		})
		return
	}

	tc := &trackedConn{
		ep:         ep,
		conn:       conn,
		remoteAddr: remote,
		acceptedAt: time.Now(),
	}
	if !ep.track(tc) {
		// Disposal won the race; the connection was never visible.
		conn.Close()
		return
	}

	eventbus.Publish(context.Background(), ep.sup.getBus(), eventbus.Conns.Accepted, eventbus.SourceSupervisor, eventbus.ConnAcceptedEvent{
		ConnID:     conn.ID(),
		Port:       ep.Port(),
		RemoteAddr: remote,
		AcceptedAt: tc.acceptedAt,
	})

	go tc.drain()
}

func (ep *Endpoint) evaluate(connID, remote string) (policy.Decision, error) {
	if ep.engine == nil {
		return policy.Decision{Allow: true}, nil
	}
	ep.mu.RLock()
	active := len(ep.conns)
	ep.mu.RUnlock()

	return ep.engine.Evaluate(policy.Input{
		Port:        ep.Port(),
		ConnID:      connID,
		RemoteAddr:  remote,
		ActiveConns: active,
	})
}

func (ep *Endpoint) track(tc *trackedConn) bool {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	if ep.closing {
		return false
	}
	ep.conns[tc.conn.ID()] = tc
	ep.accepted++
	return true
}

// forget drops a connection from the tracked set and counts the close.
func (ep *Endpoint) forget(tc *trackedConn) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	if _, tracked := ep.conns[tc.conn.ID()]; tracked {
		delete(ep.conns, tc.conn.ID())
		ep.closed++
	}
}

// dispose tears the endpoint down: tracked connections close first so
// their close events carry the dispose reason, then the socket handle
// is disposed and the pump collected. Returns how many connections
// were still open.
func (ep *Endpoint) dispose() (int, error) {
	ep.mu.Lock()
	if ep.closing {
		ep.mu.Unlock()
		return 0, nil
	}
	ep.closing = true
	conns := make([]*trackedConn, 0, len(ep.conns))
	for _, tc := range ep.conns {
		conns = append(conns, tc)
	}
	ep.mu.Unlock()

	ep.cancel()
	for _, tc := range conns {
		tc.close(eventbus.CloseReasonDisposed)
	}
	err := ep.sock.Dispose()
	<-ep.pumpDone
	return len(conns), err
}

// trackedConn pairs an admitted connection with its endpoint and the
// counters reported for it.
type trackedConn struct {
	ep         *Endpoint
	conn       *netsock.Conn
	remoteAddr string
	acceptedAt time.Time

	mu      sync.Mutex
	bytesIn uint64

	closeOnce sync.Once
}

func (tc *trackedConn) status() ConnStatus {
	tc.mu.Lock()
	bytesIn := tc.bytesIn
	tc.mu.Unlock()
	return ConnStatus{
		ID:         tc.conn.ID(),
		Port:       tc.ep.Port(),
		RemoteAddr: tc.remoteAddr,
		AcceptedAt: tc.acceptedAt,
		BytesIn:    bytesIn,
	}
}

// drain consumes whatever the peer sends so a remote close surfaces as
// a read error. Supervised ports carry no payload protocol of their
// own; inbound bytes are counted and dropped.
func (tc *trackedConn) drain() {
	buf := make([]byte, 32*1024)
	for {
		n, err := tc.conn.Read(buf)
		if n > 0 {
			tc.mu.Lock()
			tc.bytesIn += uint64(n)
			tc.mu.Unlock()
		}
		if err != nil {
			tc.close(eventbus.CloseReasonPeer)
			return
		}
	}
}

// close runs teardown exactly once: the socket closes, the endpoint
// forgets the connection and a single close event goes out carrying
// the reason of whoever got here first.
func (tc *trackedConn) close(reason string) {
	tc.closeOnce.Do(func() {
		tc.conn.Close()
		tc.ep.forget(tc)

		tc.mu.Lock()
		bytesIn := tc.bytesIn
		tc.mu.Unlock()

		eventbus.Publish(context.Background(), tc.ep.sup.getBus(), eventbus.Conns.Closed, eventbus.SourceSupervisor, eventbus.ConnClosedEvent{
			ConnID:   tc.conn.ID(),
			Port:     tc.ep.Port(),
			Reason:   reason,
			BytesIn:  bytesIn,
			Duration: time.Since(tc.acceptedAt),
		})
	})
}
