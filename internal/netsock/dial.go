package netsock

import (
	"fmt"
	"net"
	"strconv"
	"time"
)

// Dial opens a client connection to host:port, honoring the
// ConnectTimeout hint. The remaining hints configure the established
// connection. Dialed conns have no owning server socket.
func Dial(host string, port int, hints *ConnHints) (*Conn, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(port))

	var timeout time.Duration
	if hints != nil {
		timeout = hints.ConnectTimeout
	}
	raw, err := net.DialTimeout(TCP.String(), addr, timeout)
	if err != nil {
		return nil, fmt.Errorf("netsock: dial %s: %w", addr, err)
	}
	tc, ok := raw.(*net.TCPConn)
	if !ok {
		raw.Close()
		return nil, fmt.Errorf("netsock: unexpected connection type %T", raw)
	}
	if err := hints.apply(tc); err != nil {
		tc.Close()
		return nil, fmt.Errorf("netsock: apply connection hints: %w", err)
	}
	return newConn(tc, nil), nil
}
