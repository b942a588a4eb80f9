//go:build linux || darwin

package netsock

import (
	"fmt"
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// defaultBacklog applies when the caller does not request a queue depth.
const defaultBacklog = 128

// listenTCP4 builds the listening socket by hand so the backlog and
// receive-buffer hints take effect before the socket enters the
// listening state.
func listenTCP4(ip net.IP, port, backlog, recvBuffer int) (net.Listener, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return nil, fmt.Errorf("socket: %w", err)
	}
	unix.CloseOnExec(fd)

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("set SO_REUSEADDR: %w", err)
	}
	if recvBuffer > 0 {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, recvBuffer); err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("set SO_RCVBUF: %w", err)
		}
	}

	sa := &unix.SockaddrInet4{Port: port}
	copy(sa.Addr[:], ip.To4())
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("bind: %w", err)
	}

	if backlog <= 0 {
		backlog = defaultBacklog
	}
	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("listen: %w", err)
	}

	file := os.NewFile(uintptr(fd), "listener")
	ln, err := net.FileListener(file)
	cerr := file.Close()
	if err != nil {
		return nil, fmt.Errorf("file listener: %w", err)
	}
	if cerr != nil {
		ln.Close()
		return nil, fmt.Errorf("close listener file: %w", cerr)
	}
	return ln, nil
}
