package eventbus

import (
	"time"
)

// Topic identifies a logical channel on the bus.
type Topic string

// Standard topics.
const (
	TopicEndpointsOpened   Topic = "endpoints.opened"
	TopicEndpointsDisposed Topic = "endpoints.disposed"
	TopicConnsAccepted     Topic = "conns.accepted"
	TopicConnsClosed       Topic = "conns.closed"
	TopicConnsRejected     Topic = "conns.rejected"
	TopicPolicyErrors      Topic = "policy.errors"
)

// Source describes which component produced an event.
type Source string

const (
	SourceSupervisor   Source = "supervisor"
	SourcePolicyEngine Source = "policy_engine"
	SourceAPIServer    Source = "api_server"
	SourceClient       Source = "client"
	SourceUnknown      Source = "unknown"
)

// Envelope wraps every message published on the bus.
type Envelope struct {
	Topic         Topic
	Timestamp     time.Time
	Source        Source
	CorrelationID string
	Payload       any
}

// EndpointOpenedEvent announces a supervised endpoint whose listener is
// up and accepting.
type EndpointOpenedEvent struct {
	Port          int
	Backlog       int
	ReceiveBuffer int
	AcceptTimeout time.Duration
	HintsApplied  bool // false when an existing listener was reused
}

// EndpointDisposedEvent announces that an endpoint was torn down and how
// many tracked connections went with it.
type EndpointDisposedEvent struct {
	Port        int
	ConnsClosed int
	Reason      string
}

// ConnAcceptedEvent carries one accepted and tracked connection.
type ConnAcceptedEvent struct {
	ConnID     string
	Port       int
	RemoteAddr string
	AcceptedAt time.Time
}

// ConnClosedEvent reports a tracked connection leaving the set, whether
// the peer hung up, an operator closed it, or disposal swept it.
type ConnClosedEvent struct {
	ConnID   string
	Port     int
	Reason   string
	BytesIn  uint64
	Duration time.Duration
}

// ConnRejectedEvent reports a connection denied by an accept policy and
// closed immediately.
type ConnRejectedEvent struct {
	ConnID     string
	Port       int
	RemoteAddr string
	Rule       string
}

// PolicyErrorEvent reports a failed accept-policy evaluation. The
// connection in question is admitted, policies fail open.
type PolicyErrorEvent struct {
	Port    int
	Script  string
	Message string
}

// Close reasons recorded on ConnClosedEvent.
const (
	CloseReasonPeer     = "peer_closed"
	CloseReasonOperator = "operator"
	CloseReasonDisposed = "endpoint_disposed"
)

// Dispose reasons recorded on EndpointDisposedEvent.
const (
	DisposeReasonOperator = "operator"
	DisposeReasonConfig   = "config"
	DisposeReasonShutdown = "shutdown"
)

// ---------------------------------------------------------------------------
// Typed topic descriptors
// ---------------------------------------------------------------------------
// Each TopicDef binds a Topic constant to its payload type, enforced at
// compile time via Publish[T] and SubscribeTo[T].

// Endpoints groups endpoint lifecycle topic descriptors.
var Endpoints = struct {
	Opened   TopicDef[EndpointOpenedEvent]
	Disposed TopicDef[EndpointDisposedEvent]
}{
	Opened:   NewTopicDef[EndpointOpenedEvent](TopicEndpointsOpened),
	Disposed: NewTopicDef[EndpointDisposedEvent](TopicEndpointsDisposed),
}

// Conns groups connection topic descriptors.
var Conns = struct {
	Accepted TopicDef[ConnAcceptedEvent]
	Closed   TopicDef[ConnClosedEvent]
	Rejected TopicDef[ConnRejectedEvent]
}{
	Accepted: NewTopicDef[ConnAcceptedEvent](TopicConnsAccepted),
	Closed:   NewTopicDef[ConnClosedEvent](TopicConnsClosed),
	Rejected: NewTopicDef[ConnRejectedEvent](TopicConnsRejected),
}

// Policies groups accept-policy topic descriptors.
var Policies = struct {
	Errors TopicDef[PolicyErrorEvent]
}{
	Errors: NewTopicDef[PolicyErrorEvent](TopicPolicyErrors),
}
