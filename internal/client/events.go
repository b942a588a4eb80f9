package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// Event is one frame from the daemon's WebSocket event stream.
type Event struct {
	Type      string          `json:"type"`
	Source    string          `json:"source,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// EventStream is an open subscription to the daemon's event stream.
type EventStream struct {
	conn *websocket.Conn
}

// Events subscribes to the daemon's WebSocket event stream.
func (c *Client) Events() (*EventStream, error) {
	streamURL, err := makeEventStreamURL(c.baseURL)
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}

	conn, _, err := c.dialer.Dial(streamURL, header)
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}

	return &EventStream{conn: conn}, nil
}

// Next blocks until the next event frame arrives. A normal stream close is
// reported as io.EOF.
func (s *EventStream) Next() (Event, error) {
	var ev Event
	if err := s.conn.ReadJSON(&ev); err != nil {
		if isNormalClose(err) {
			return Event{}, io.EOF
		}
		return Event{}, err
	}
	return ev, nil
}

// Close terminates the subscription.
func (s *EventStream) Close() error {
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(2*time.Second))
	return s.conn.Close()
}

func isNormalClose(err error) bool {
	if err == nil {
		return true
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return true
	}
	if errors.Is(err, io.EOF) {
		return true
	}
	return false
}

func makeEventStreamURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/api/events"
	return u.String(), nil
}
