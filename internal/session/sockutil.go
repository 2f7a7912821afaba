package session

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// Listen creates a non-blocking IPv4 TCP listening socket bound to
// ip:port, per spec.md §4.C. SO_REUSEADDR is set so a restart does not
// have to wait out TIME_WAIT on the previous listener.
func Listen(ip string, port int) (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		return -1, fmt.Errorf("session: socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("session: setsockopt SO_REUSEADDR: %w", err)
	}

	addr, err := sockaddrInet4(ip, port)
	if err != nil {
		unix.Close(fd)
		return -1, err
	}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("session: bind %s:%d: %w", ip, port, err)
	}
	if err := unix.Listen(fd, listenBacklog); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("session: listen: %w", err)
	}
	return fd, nil
}

const listenBacklog = 1024

func sockaddrInet4(ip string, port int) (*unix.SockaddrInet4, error) {
	sa := &unix.SockaddrInet4{Port: port}
	if ip == "" || ip == "0.0.0.0" || ip == "*" {
		return sa, nil
	}
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return nil, fmt.Errorf("session: invalid IP %q", ip)
	}
	v4 := parsed.To4()
	if v4 == nil {
		return nil, fmt.Errorf("session: only IPv4 listen addresses are supported, got %q", ip)
	}
	copy(sa.Addr[:], v4)
	return sa, nil
}

// localAddr implements spec.md §4.C's mandatory getsockname correction:
// "fetches the actual local endpoint via a getsockname-equivalent ...
// because the listening socket may be bound to the wildcard address."
func localAddr(fd int) (ip string, port int, err error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return "", 0, fmt.Errorf("session: getsockname: %w", err)
	}
	return addrFromSockaddr(sa)
}

// peerAddr returns the remote address of an accepted connection, used
// for the CGI REMOTE_ADDR variable.
func peerAddr(fd int) (ip string, err error) {
	sa, err := unix.Getpeername(fd)
	if err != nil {
		return "", fmt.Errorf("session: getpeername: %w", err)
	}
	ip, _, err = addrFromSockaddr(sa)
	return ip, err
}

func addrFromSockaddr(sa unix.Sockaddr) (ip string, port int, err error) {
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		return net.IP(v.Addr[:]).String(), v.Port, nil
	case *unix.SockaddrInet6:
		return net.IP(v.Addr[:]).String(), v.Port, nil
	default:
		return "", 0, fmt.Errorf("session: unsupported sockaddr type %T", sa)
	}
}
