// Package sockopt owns everything about a peering TCP socket that the
// standard library's net package has no portable surface for: TTL-security,
// IP_TOS, buffer-size backoff, and non-blocking accept/connect driven
// directly off the fd (§4.5). Grounded on the raw-syscall idiom used by
// other retrieved examples for non-blocking sockets tuned with
// unix.SetsockoptInt (e.g. the doublezero uping listener/sender), applied
// here to TCP instead of raw ICMP.
package sockopt

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// TOS_INTERNETCONTROL is the IPTOS_PREC_INTERNETCONTROL DSCP value BGP
// control traffic is conventionally marked with.
const TOS_INTERNETCONTROL = 0xc0

// Tuning carries the socket-level knobs §4.5 requires per session.
type Tuning struct {
	EBGP        bool
	TTLSecurity bool
	Distance    uint8 // configured TTL/hop-count distance (eBGP multihop)
}

// socketFamily returns AF_INET or AF_INET6 for addr.
func socketFamily(addr net.IP) int {
	if addr.To4() != nil {
		return unix.AF_INET
	}
	return unix.AF_INET6
}

// NewOutbound creates a non-blocking, close-on-exec TCP socket for
// connecting to remote, optionally bound to local, with tuning applied
// before connect() is issued (§4.5 "Outbound").
func NewOutbound(local, remote net.IP, tuning Tuning) (fd int, err error) {
	family := socketFamily(remote)

	fd, err = unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return -1, fmt.Errorf("socket: %w", err)
	}

	if local != nil {
		if err := bindLocal(fd, family, local); err != nil {
			unix.Close(fd)
			return -1, fmt.Errorf("bind: %w", err)
		}
	}

	if err := ApplyTuning(fd, family, tuning); err != nil {
		unix.Close(fd)
		return -1, err
	}

	return fd, nil
}

func bindLocal(fd, family int, addr net.IP) error {
	if family == unix.AF_INET {
		var sa unix.SockaddrInet4
		copy(sa.Addr[:], addr.To4())
		return unix.Bind(fd, &sa)
	}
	var sa unix.SockaddrInet6
	copy(sa.Addr[:], addr.To16())
	return unix.Bind(fd, &sa)
}

// Connect issues a non-blocking connect() to remote:port. A nil error with
// inProgress=true means the caller must wait for writable readiness and
// then call ConnectResult.
func Connect(fd int, remote net.IP, port int) (inProgress bool, err error) {
	var sa unix.Sockaddr
	if v4 := remote.To4(); v4 != nil {
		s := &unix.SockaddrInet4{Port: port}
		copy(s.Addr[:], v4)
		sa = s
	} else {
		s := &unix.SockaddrInet6{Port: port}
		copy(s.Addr[:], remote.To16())
		sa = s
	}

	err = unix.Connect(fd, sa)
	if err == unix.EINPROGRESS {
		return true, nil
	}
	return false, err
}

// ConnectResult reads SO_ERROR after writable readiness to distinguish a
// completed connection from a failed one (§4.5).
func ConnectResult(fd int) error {
	errno, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if errno != 0 {
		return unix.Errno(errno)
	}
	return nil
}

// ApplyTuning applies IP_TOS, TTL/TTL-security, TCP_NODELAY, and the
// SO_RCVBUF/SO_SNDBUF backoff described in §4.5.
func ApplyTuning(fd, family int, t Tuning) error {
	if family == unix.AF_INET {
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_TOS, TOS_INTERNETCONTROL); err != nil {
			return err
		}
		if t.EBGP {
			ttl := 255
			if t.TTLSecurity {
				if err := unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_MINTTL, 256-int(t.Distance)); err != nil {
					return err
				}
			} else {
				ttl = int(t.Distance)
			}
			if err := unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_TTL, ttl); err != nil {
				return err
			}
		}
	} else {
		if t.EBGP {
			hops := 255
			if t.TTLSecurity {
				if err := unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_MINHOPCOUNT, 256-int(t.Distance)); err != nil {
					return err
				}
			} else {
				hops = int(t.Distance)
			}
			if err := unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_UNICAST_HOPS, hops); err != nil {
				return err
			}
		}
	}

	if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1); err != nil {
		return err
	}

	for _, size := range []int{65535, 32768, 16384, 8192} {
		errRcv := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, size)
		errSnd := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF, size)
		if errRcv == nil && errSnd == nil {
			break
		}
		if size == 8192 {
			return fmt.Errorf("setsockopt SO_RCVBUF/SO_SNDBUF: could not size down to floor")
		}
	}

	return nil
}

// Accept4 wraps accept4() with close-on-exec and non-blocking flags (§4.5
// "Inbound").
func Accept4(listenFd int) (fd int, sa unix.Sockaddr, err error) {
	return unix.Accept4(listenFd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
}

// IsAcceptExhaustion reports whether err is the EMFILE/ENFILE fd-exhaustion
// condition §4.5/§4.7 want the event loop to back off on.
func IsAcceptExhaustion(err error) bool {
	return err == unix.EMFILE || err == unix.ENFILE
}
