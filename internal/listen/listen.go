// Package listen creates the bound, listening TCP sockets the parent hands
// the engine in production (§3 "Listener... lifecycle owned by the
// parent"). In the single-process cmd/sessiond build there is no separate
// parent process, so this package plays that role directly: it exists
// purely so the engine itself never calls bind()/listen(), keeping
// internal/engine's only socket-syscall dependency the non-blocking
// accept()/connect() pair in internal/sockopt.
package listen

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// ParseHostPort splits "addr:port" into a net.IP and a port number, the
// same shape -listen flag entries and ReconfListener payloads both use.
func ParseHostPort(hostport string) (net.IP, int, error) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return nil, 0, fmt.Errorf("listen: %q: %w", hostport, err)
	}
	if host == "" || host == "*" {
		host = "0.0.0.0"
	}
	ip := net.ParseIP(strings.TrimPrefix(strings.TrimSuffix(host, "]"), "["))
	if ip == nil {
		return nil, 0, fmt.Errorf("listen: %q: invalid address", host)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, 0, fmt.Errorf("listen: %q: invalid port: %w", portStr, err)
	}
	return ip, port, nil
}

// TCP creates a non-blocking, close-on-exec, SO_REUSEADDR listening socket
// bound to addr:port and returns its fd, ready to hand to
// engine.Engine.AddListener.
func TCP(addr net.IP, port int) (fd int, err error) {
	family := unix.AF_INET
	if addr.To4() == nil {
		family = unix.AF_INET6
	}

	fd, err = unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return -1, fmt.Errorf("listen: socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("listen: SO_REUSEADDR: %w", err)
	}

	if family == unix.AF_INET {
		sa := &unix.SockaddrInet4{Port: port}
		copy(sa.Addr[:], addr.To4())
		err = unix.Bind(fd, sa)
	} else {
		sa := &unix.SockaddrInet6{Port: port}
		copy(sa.Addr[:], addr.To16())
		err = unix.Bind(fd, sa)
	}
	if err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("listen: bind: %w", err)
	}

	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("listen: listen: %w", err)
	}

	return fd, nil
}
