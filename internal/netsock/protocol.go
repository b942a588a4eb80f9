package netsock

// Protocol identifies the transport an endpoint speaks.
type Protocol string

const (
	// TCP is the only transport this package implements.
	TCP Protocol = "tcp"
	// UDP is recognized so callers get a precise rejection, it is not
	// supported.
	UDP Protocol = "udp"
)

func (p Protocol) String() string {
	return string(p)
}
