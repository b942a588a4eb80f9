package server

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/portgate-io/portgate/internal/eventbus"
)

// Message represents a WebSocket event frame.
type Message struct {
	Type      string      `json:"type"`
	Source    string      `json:"source,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

type outboundMessage struct {
	messageType int
	payload     []byte
}

// Client represents one WebSocket subscriber on the event stream.
type Client struct {
	id     string
	conn   *websocket.Conn
	send   chan outboundMessage
	server *Server
}

// Server fans bus events out to WebSocket clients. Events published on the
// endpoint, connection and policy topics are forwarded as JSON frames.
type Server struct {
	endpoints EndpointSupervisor
	bus       *eventbus.Bus

	clients    map[*Client]bool
	broadcast  chan outboundMessage
	register   chan *Client
	unregister chan *Client
	done       chan struct{}

	upgrader websocket.Upgrader
	mu       sync.RWMutex
}

// NewServer creates a new WebSocket event stream server.
// The originAllowed function is used to validate the Origin header on upgrade requests.
func NewServer(endpoints EndpointSupervisor, originAllowed func(string) bool) *Server {
	return &Server{
		endpoints:  endpoints,
		clients:    make(map[*Client]bool),
		broadcast:  make(chan outboundMessage, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin == "" {
					return true
				}
				if originAllowed != nil {
					return originAllowed(origin)
				}
				return false
			},
		},
	}
}

// UseEventBus attaches the event bus bridged to connected clients. Must be
// called before Run.
func (s *Server) UseEventBus(bus *eventbus.Bus) {
	s.bus = bus
}

// GetClientCount returns the number of connected clients (thread-safe)
func (s *Server) GetClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// Run starts the WebSocket server event loop. It returns when ctx is
// cancelled, after closing every connected client. Bus subscriptions are
// registered before the loop starts so no event published after a client
// connects can be missed.
func (s *Server) Run(ctx context.Context) {
	if s.bus != nil {
		bridgeTopic(ctx, s, eventbus.Endpoints.Opened, "endpoint_opened", endpointOpenedData)
		bridgeTopic(ctx, s, eventbus.Endpoints.Disposed, "endpoint_disposed", endpointDisposedData)
		bridgeTopic(ctx, s, eventbus.Conns.Accepted, "conn_accepted", connAcceptedData)
		bridgeTopic(ctx, s, eventbus.Conns.Closed, "conn_closed", connClosedData)
		bridgeTopic(ctx, s, eventbus.Conns.Rejected, "conn_rejected", connRejectedData)
		bridgeTopic(ctx, s, eventbus.Policies.Errors, "policy_error", policyErrorData)
	}

	// On shutdown only the connections are closed; send channels stay open
	// so pumps still holding them cannot hit a closed channel.
	defer func() {
		close(s.done)
		s.mu.Lock()
		for client := range s.clients {
			delete(s.clients, client)
			client.conn.Close()
		}
		s.mu.Unlock()
	}()

	for {
		select {
		case client := <-s.register:
			s.mu.Lock()
			s.clients[client] = true
			s.mu.Unlock()

			// Send current endpoint snapshot to new client
			s.sendEndpointsSnapshot(client)

		case client := <-s.unregister:
			s.mu.Lock()
			if _, ok := s.clients[client]; ok {
				delete(s.clients, client)
				close(client.send)
			}
			s.mu.Unlock()

		case message := <-s.broadcast:
			s.mu.RLock()
			for client := range s.clients {
				select {
				case client.send <- message:
				default:
					// Client's send channel is full, skip
				}
			}
			s.mu.RUnlock()

		case <-ctx.Done():
			return
		}
	}
}

// bridgeTopic subscribes to one bus topic and forwards its events to
// connected clients until ctx is done. toData converts the bus payload into
// its wire representation. The subscription is created synchronously.
func bridgeTopic[T any](ctx context.Context, s *Server, td eventbus.TopicDef[T], eventType string, toData func(T) interface{}) {
	sub := eventbus.SubscribeTo(s.bus, td)

	go func() {
		defer sub.Close()

		for {
			select {
			case env, ok := <-sub.C():
				if !ok {
					return
				}
				s.broadcastEvent(eventType, string(env.Source), toData(env.Payload), env.Timestamp)
			case <-ctx.Done():
				return
			}
		}
	}()
}

func endpointOpenedData(ev eventbus.EndpointOpenedEvent) interface{} {
	return struct {
		Port            int   `json:"port"`
		Backlog         int   `json:"backlog,omitempty"`
		ReceiveBuffer   int   `json:"receive_buffer,omitempty"`
		AcceptTimeoutMS int64 `json:"accept_timeout_ms,omitempty"`
		HintsApplied    bool  `json:"hints_applied"`
	}{ev.Port, ev.Backlog, ev.ReceiveBuffer, ev.AcceptTimeout.Milliseconds(), ev.HintsApplied}
}

func endpointDisposedData(ev eventbus.EndpointDisposedEvent) interface{} {
	return struct {
		Port        int    `json:"port"`
		ConnsClosed int    `json:"conns_closed"`
		Reason      string `json:"reason,omitempty"`
	}{ev.Port, ev.ConnsClosed, ev.Reason}
}

func connAcceptedData(ev eventbus.ConnAcceptedEvent) interface{} {
	return struct {
		ConnID     string    `json:"conn_id"`
		Port       int       `json:"port"`
		RemoteAddr string    `json:"remote_addr"`
		AcceptedAt time.Time `json:"accepted_at"`
	}{ev.ConnID, ev.Port, ev.RemoteAddr, ev.AcceptedAt}
}

func connClosedData(ev eventbus.ConnClosedEvent) interface{} {
	return struct {
		ConnID     string `json:"conn_id"`
		Port       int    `json:"port"`
		Reason     string `json:"reason,omitempty"`
		BytesIn    uint64 `json:"bytes_in"`
		DurationMS int64  `json:"duration_ms"`
	}{ev.ConnID, ev.Port, ev.Reason, ev.BytesIn, ev.Duration.Milliseconds()}
}

func connRejectedData(ev eventbus.ConnRejectedEvent) interface{} {
	return struct {
		ConnID     string `json:"conn_id"`
		Port       int    `json:"port"`
		RemoteAddr string `json:"remote_addr"`
		Rule       string `json:"rule,omitempty"`
	}{ev.ConnID, ev.Port, ev.RemoteAddr, ev.Rule}
}

func policyErrorData(ev eventbus.PolicyErrorEvent) interface{} {
	return struct {
		Port    int    `json:"port"`
		Script  string `json:"script,omitempty"`
		Message string `json:"message"`
	}{ev.Port, ev.Script, ev.Message}
}

// HandleWebSocket handles WebSocket connection upgrades
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[WebSocket] upgrade error: %v", err)
		return
	}

	client := &Client{
		id:     uuid.NewString(),
		conn:   conn,
		send:   make(chan outboundMessage, 1024),
		server: s,
	}

	select {
	case s.register <- client:
	case <-s.done:
		conn.Close()
		return
	}

	// Start goroutines for reading and writing
	go client.writePump()
	go client.readPump()
}

// sendEndpointsSnapshot sends the current endpoint list to a client
func (s *Server) sendEndpointsSnapshot(client *Client) {
	if s.endpoints == nil {
		return
	}

	statuses := s.endpoints.ListEndpoints()
	payload := make([]endpointPayload, 0, len(statuses))
	for _, st := range statuses {
		payload = append(payload, endpointPayloadFromStatus(st))
	}

	msg := Message{
		Type:      "endpoints_snapshot",
		Data:      payload,
		Timestamp: time.Now(),
	}

	jsonData, err := json.Marshal(msg)
	if err != nil {
		log.Printf("[WebSocket] error marshaling endpoints snapshot: %v", err)
		return
	}

	select {
	case client.send <- outboundMessage{messageType: websocket.TextMessage, payload: jsonData}:
	default:
		// Client's send channel is full
	}
}

// broadcastEvent queues one event frame for every connected client.
func (s *Server) broadcastEvent(eventType, source string, data interface{}, timestamp time.Time) {
	if timestamp.IsZero() {
		timestamp = time.Now()
	}

	msg := Message{
		Type:      eventType,
		Source:    source,
		Data:      data,
		Timestamp: timestamp,
	}

	jsonData, err := json.Marshal(msg)
	if err != nil {
		log.Printf("[WebSocket] error marshaling event: %v", err)
		return
	}

	select {
	case s.broadcast <- outboundMessage{messageType: websocket.TextMessage, payload: jsonData}:
	case <-s.done:
	}
}

// readPump reads messages from the WebSocket connection
func (c *Client) readPump() {
	defer func() {
		select {
		case c.server.unregister <- c:
		case <-c.server.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("[WebSocket] read error: %v", err)
			}
			break
		}

		if messageType != websocket.TextMessage {
			// Currently we ignore non-text messages from clients
			continue
		}

		var msg Message
		if err := json.Unmarshal(message, &msg); err != nil {
			log.Printf("[WebSocket] error parsing message: %v", err)
			continue
		}

		switch msg.Type {
		case "list":
			c.server.sendEndpointsSnapshot(c)

		case "ping":
			c.sendMessage("pong", nil)

		default:
			c.sendError("unknown message type: " + msg.Type)
		}
	}
}

// writePump writes messages to the WebSocket connection
func (c *Client) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(message.messageType, message.payload); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) sendMessage(msgType string, data interface{}) {
	msg := Message{
		Type:      msgType,
		Data:      data,
		Timestamp: time.Now(),
	}

	jsonData, err := json.Marshal(msg)
	if err != nil {
		log.Printf("[WebSocket] error marshaling message: %v", err)
		return
	}

	select {
	case c.send <- outboundMessage{messageType: websocket.TextMessage, payload: jsonData}:
	default:
	}
}

func (c *Client) sendError(errMsg string) {
	msg := Message{
		Type:      "error",
		Data:      errMsg,
		Timestamp: time.Now(),
	}

	jsonData, _ := json.Marshal(msg)
	select {
	case c.send <- outboundMessage{messageType: websocket.TextMessage, payload: jsonData}:
	default:
	}
}
