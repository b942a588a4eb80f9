package netsock

import (
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Conn is one established TCP connection. Accepted conns are tracked by
// the server socket that produced them and remove themselves from that
// set when closed. Conn satisfies net.Conn.
type Conn struct {
	id string
	tc *net.TCPConn

	closeOnce sync.Once
	closeErr  error
	onClose   func(*Conn)
}

func newConn(tc *net.TCPConn, onClose func(*Conn)) *Conn {
	return &Conn{
		id:      uuid.NewString()[:8],
		tc:      tc,
		onClose: onClose,
	}
}

// ID returns the short identifier assigned when the connection was
// accepted or dialed.
func (c *Conn) ID() string { return c.id }

func (c *Conn) Read(p []byte) (int, error)  { return c.tc.Read(p) }
func (c *Conn) Write(p []byte) (int, error) { return c.tc.Write(p) }

func (c *Conn) LocalAddr() net.Addr  { return c.tc.LocalAddr() }
func (c *Conn) RemoteAddr() net.Addr { return c.tc.RemoteAddr() }

func (c *Conn) SetDeadline(t time.Time) error      { return c.tc.SetDeadline(t) }
func (c *Conn) SetReadDeadline(t time.Time) error  { return c.tc.SetReadDeadline(t) }
func (c *Conn) SetWriteDeadline(t time.Time) error { return c.tc.SetWriteDeadline(t) }

// Close closes the underlying socket and notifies the owner exactly
// once. Further calls return the first result.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.tc.Close()
		if c.onClose != nil {
			c.onClose(c)
		}
	})
	return c.closeErr
}
