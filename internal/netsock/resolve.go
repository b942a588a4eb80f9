package netsock

import (
	"net"
	"os"
)

// ResolveFunc yields the local IPv4 address endpoints bind to.
type ResolveFunc func() (net.IP, error)

// resolveLocalIPv4 prefers an IPv4 address associated with the host's
// own resolved name, then falls back to loopback lookup. Returns
// ErrNoIPv4Address when neither yields an IPv4 candidate.
func resolveLocalIPv4() (net.IP, error) {
	names := make([]string, 0, 2)
	if hostname, err := os.Hostname(); err == nil && hostname != "" {
		names = append(names, hostname)
	}
	names = append(names, "localhost")

	for _, name := range names {
		addrs, err := net.LookupIP(name)
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			if v4 := addr.To4(); v4 != nil {
				return v4, nil
			}
		}
	}
	return nil, ErrNoIPv4Address
}

// Loopback is a ResolveFunc pinned to 127.0.0.1, for callers that only
// serve local traffic.
func Loopback() (net.IP, error) {
	return net.IPv4(127, 0, 0, 1), nil
}
