package bus

import (
	"net"
	"strconv"

	"golang.org/x/sys/unix"
)

// resolveIPv4 parses a host:port address (spec.md §6: IPv4 host:port) into
// a raw sockaddr suitable for bind(2)/connect(2).
func resolveIPv4(addr string) (*unix.SockaddrInet4, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, WrapError("resolve_address", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, NewError("resolve_address", ErrCodeFatalConfig, "invalid port in address "+addr)
	}

	ip := net.ParseIP(host)
	if ip == nil {
		ips, err := net.LookupIP(host)
		if err != nil || len(ips) == 0 {
			return nil, NewError("resolve_address", ErrCodeFatalConfig, "cannot resolve host "+host)
		}
		ip = ips[0]
	}
	ip4 := ip.To4()
	if ip4 == nil {
		return nil, NewError("resolve_address", ErrCodeFatalConfig, "address is not IPv4: "+addr)
	}

	sa := &unix.SockaddrInet4{Port: port}
	copy(sa.Addr[:], ip4)
	return sa, nil
}
