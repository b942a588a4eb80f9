package daemon

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/portgate-io/portgate/internal/protocol"
	"github.com/portgate-io/portgate/internal/supervisor"
	"github.com/portgate-io/portgate/internal/version"
)

// ProtocolHandler handles Unix socket protocol messages
type ProtocolHandler struct {
	endpoints   *supervisor.Supervisor
	runtimeInfo *RuntimeInfo
	conn        net.Conn
	encoder     *json.Encoder
	decoder     *json.Decoder
	encoderMu   sync.Mutex // Protects encoder for concurrent writes
}

// NewProtocolHandler creates a new protocol handler
func NewProtocolHandler(sup *supervisor.Supervisor, info *RuntimeInfo, conn net.Conn) *ProtocolHandler {
	return &ProtocolHandler{
		endpoints:   sup,
		runtimeInfo: info,
		conn:        conn,
		encoder:     json.NewEncoder(conn),
		decoder:     json.NewDecoder(conn),
	}
}

// Handle processes incoming messages until the client disconnects
func (h *ProtocolHandler) Handle() {
	defer h.conn.Close()

	for {
		var req protocol.Request
		if err := h.decoder.Decode(&req); err != nil {
			if err == io.EOF {
				break
			}
			// Decoder errors are sticky, so drop the connection after
			// reporting instead of spinning on the same failure.
			h.sendError(req.ID, fmt.Sprintf("failed to decode request: %v", err))
			break
		}

		h.handleRequest(&req)
	}
}

func (h *ProtocolHandler) handleRequest(req *protocol.Request) {
	switch req.Type {
	case protocol.RequestDaemonStatus:
		h.handleDaemonStatus(req)
	case protocol.RequestListEndpoints:
		h.handleListEndpoints(req)
	case protocol.RequestShutdown:
		h.handleShutdown(req)
	default:
		h.sendError(req.ID, fmt.Sprintf("unknown request type: %s", req.Type))
	}
}

func (h *ProtocolHandler) handleDaemonStatus(req *protocol.Request) {
	data := protocol.StatusData{
		Version:        version.String(),
		EndpointsCount: len(h.endpoints.ListEndpoints()),
	}

	if h.runtimeInfo != nil {
		data.Instance = h.runtimeInfo.Instance()
		data.HTTPPort = h.runtimeInfo.HTTPPort()
		data.GRPCPort = h.runtimeInfo.GRPCPort()
		if startTime := h.runtimeInfo.StartTime(); !startTime.IsZero() {
			data.UptimeSeconds = time.Since(startTime).Seconds()
		}
	}

	resp := protocol.Response{
		ID:      req.ID,
		Success: true,
		Data:    data,
	}

	h.encoderMu.Lock()
	h.encoder.Encode(resp)
	h.encoderMu.Unlock()
}

func (h *ProtocolHandler) handleListEndpoints(req *protocol.Request) {
	statuses := h.endpoints.ListEndpoints()

	infos := make([]protocol.EndpointInfo, 0, len(statuses))
	for _, st := range statuses {
		infos = append(infos, protocol.EndpointInfo{
			Port:        st.Port,
			ActiveConns: st.Active,
			Accepted:    st.Accepted,
			Rejected:    st.Rejected,
			Closed:      st.Closed,
			OpenedAt:    st.OpenedAt,
		})
	}

	resp := protocol.Response{
		ID:      req.ID,
		Success: true,
		Data: map[string]interface{}{
			"endpoints": infos,
		},
	}

	h.encoderMu.Lock()
	h.encoder.Encode(resp)
	h.encoderMu.Unlock()
}

func (h *ProtocolHandler) handleShutdown(req *protocol.Request) {
	// Send success response first
	resp := protocol.Response{
		ID:      req.ID,
		Success: true,
		Data: map[string]interface{}{
			"message": "Daemon shutting down",
		},
	}

	h.encoderMu.Lock()
	h.encoder.Encode(resp)
	h.encoderMu.Unlock()

	// Shutdown daemon gracefully in a goroutine
	// to allow response to be sent
	go func() {
		time.Sleep(100 * time.Millisecond)
		// Send SIGTERM to self
		syscall.Kill(syscall.Getpid(), syscall.SIGTERM)
	}()
}

func (h *ProtocolHandler) sendError(requestID string, message string) {
	resp := protocol.Response{
		ID:      requestID,
		Success: false,
		Error:   message,
	}

	h.encoderMu.Lock()
	h.encoder.Encode(resp)
	h.encoderMu.Unlock()
}
