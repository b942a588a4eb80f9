package netsock

import (
	"errors"
	"fmt"
	"time"
)

// ErrNoIPv4Address is the bind failure cause when local address
// resolution yields no usable IPv4 candidate.
var ErrNoIPv4Address = errors.New("no IPv4 address available")

// UnsupportedProtocolError reports a request for a transport other than
// TCP. Raised at open time, before any socket is touched.
type UnsupportedProtocolError struct {
	Protocol Protocol
}

func (e *UnsupportedProtocolError) Error() string {
	return fmt.Sprintf("netsock: unsupported protocol %q", string(e.Protocol))
}

// BindError reports a failed address resolution, bind or listen for a
// port.
type BindError struct {
	Port int
	Err  error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("netsock: bind port %d: %v", e.Port, e.Err)
}

func (e *BindError) Unwrap() error { return e.Err }

// AcceptTimeoutError reports that no connection arrived within the
// configured accept timeout. Recoverable, the caller may accept again.
type AcceptTimeoutError struct {
	Port    int
	Timeout time.Duration
}

func (e *AcceptTimeoutError) Error() string {
	return fmt.Sprintf("netsock: accept on port %d timed out after %s", e.Port, e.Timeout)
}

// ServerDisposedError reports an operation on a server socket that has
// already been disposed.
type ServerDisposedError struct {
	Port int
}

func (e *ServerDisposedError) Error() string {
	return fmt.Sprintf("netsock: server socket on port %d is disposed", e.Port)
}

// ConnectionCloseError reports a failure closing one tracked connection
// during disposal. The disposal sweep continues past it.
type ConnectionCloseError struct {
	ConnID string
	Err    error
}

func (e *ConnectionCloseError) Error() string {
	return fmt.Sprintf("netsock: close connection %s: %v", e.ConnID, e.Err)
}

func (e *ConnectionCloseError) Unwrap() error { return e.Err }

// IsAcceptTimeout reports whether err is an AcceptTimeoutError.
func IsAcceptTimeout(err error) bool {
	var te *AcceptTimeoutError
	return errors.As(err, &te)
}

// IsServerDisposed reports whether err is a ServerDisposedError.
func IsServerDisposed(err error) bool {
	var de *ServerDisposedError
	return errors.As(err, &de)
}
