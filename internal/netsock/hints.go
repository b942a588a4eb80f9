package netsock

import (
	"fmt"
	"net"
	"time"
)

// ServerHints configure the listening side of an endpoint. Zero values
// mean platform default. Hints take effect only when the listener for a
// port is first created; reopening a port keeps the configuration the
// listener was created with (see Registry.Open).
type ServerHints struct {
	// ReceiveBuffer sets the receive buffer of the listening socket,
	// in bytes.
	ReceiveBuffer int
	// Backlog bounds the kernel queue of connections accepted by the
	// platform but not yet collected.
	Backlog int
	// AcceptTimeout bounds each Accept call. Zero waits indefinitely.
	AcceptTimeout time.Duration
}

// ConnHints configure one connection produced by Accept or Dial. Zero
// values leave the platform defaults untouched.
type ConnHints struct {
	NoDelay         bool
	KeepAlive       bool
	KeepAlivePeriod time.Duration
	SendBuffer      int
	ReceiveBuffer   int

	// Linger enables close-linger with LingerSeconds as its timeout.
	Linger        bool
	LingerSeconds int

	// ConnectTimeout bounds Dial. Accept ignores it.
	ConnectTimeout time.Duration
}

func (h *ConnHints) apply(tc *net.TCPConn) error {
	if h == nil {
		return nil
	}
	if h.NoDelay {
		if err := tc.SetNoDelay(true); err != nil {
			return fmt.Errorf("set nodelay: %w", err)
		}
	}
	if h.KeepAlive {
		if err := tc.SetKeepAlive(true); err != nil {
			return fmt.Errorf("set keepalive: %w", err)
		}
		if h.KeepAlivePeriod > 0 {
			if err := tc.SetKeepAlivePeriod(h.KeepAlivePeriod); err != nil {
				return fmt.Errorf("set keepalive period: %w", err)
			}
		}
	}
	if h.SendBuffer > 0 {
		if err := tc.SetWriteBuffer(h.SendBuffer); err != nil {
			return fmt.Errorf("set send buffer: %w", err)
		}
	}
	if h.ReceiveBuffer > 0 {
		if err := tc.SetReadBuffer(h.ReceiveBuffer); err != nil {
			return fmt.Errorf("set receive buffer: %w", err)
		}
	}
	if h.Linger {
		if err := tc.SetLinger(h.LingerSeconds); err != nil {
			return fmt.Errorf("set linger: %w", err)
		}
	}
	return nil
}
