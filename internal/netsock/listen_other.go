//go:build !linux && !darwin

package netsock

import (
	"net"
	"strconv"
)

// listenTCP4 on platforms without the raw socket path. The backlog and
// receive-buffer hints are left to the platform defaults here.
func listenTCP4(ip net.IP, port, backlog, recvBuffer int) (net.Listener, error) {
	addr := net.JoinHostPort(ip.String(), strconv.Itoa(port))
	return net.Listen("tcp4", addr)
}
