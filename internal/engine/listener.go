package engine

import (
	"net"

	"golang.org/x/sys/unix"

	"github.com/nextbgpd/sessiond/internal/config"
	"github.com/nextbgpd/sessiond/internal/fsm"
	"github.com/nextbgpd/sessiond/internal/sockopt"
	"github.com/nextbgpd/sessiond/internal/timer"
)

// listenerEntry is a bound, listening TCP socket the parent handed the
// engine (§3 "Listener... lifecycle owned by the parent; FDs are handed to
// the session engine").
type listenerEntry struct {
	fd     int
	addr   net.IP
	port   int
	action config.ListenerAction
}

// AddListener installs (or replaces) a listener at key addr:port using an
// already-open, already-listening fd handed over by the parent
// (ReconfListener, §6).
func (e *Engine) AddListener(addr net.IP, port int, fd int) {
	key := addrKey(addr, port)
	if old, ok := e.listeners[key]; ok {
		unix.Close(old.fd)
	}
	e.listeners[key] = &listenerEntry{fd: fd, addr: addr, port: port}
}

// RemoveListener closes and forgets the listener at addr:port.
func (e *Engine) RemoveListener(addr net.IP, port int) {
	key := addrKey(addr, port)
	if l, ok := e.listeners[key]; ok {
		unix.Close(l.fd)
		delete(e.listeners, key)
	}
}

// acceptOne services one readable listener fd: accept4, then either match
// an existing peer awaiting a passive connection or clone a template peer
// (§3 "Lifecycle: created during reconfiguration or cloned on inbound
// accept matching a template").
func (e *Engine) acceptOne(l *listenerEntry) {
	fd, sa, err := sockopt.Accept4(l.fd)
	if err != nil {
		if sockopt.IsAcceptExhaustion(err) {
			e.pauseAcceptUntil = e.Now() + 1
			e.Warn().Msg("accept4: fd exhaustion, pausing accept for 1s")
			return
		}
		if err != unix.EAGAIN && err != unix.EWOULDBLOCK {
			e.Error().Err(err).Msg("accept4 failed")
		}
		return
	}

	remote, ok := sockaddrIP(sa)
	if !ok {
		unix.Close(fd)
		return
	}

	p := e.findPeerByRemote(remote)
	if p == nil {
		unix.Close(fd)
		return
	}
	if p.Config.Template {
		p = e.cloneTemplate(p, remote)
	}

	if p.FD != -1 {
		// §4.5 connection collision: what happens to the peer's existing
		// socket depends on the state it was acquired in.
		switch p.State {
		case fsm.Connect:
			// We have an outbound attempt in flight; the peer dialing us
			// back wins the race. Drop our half, adopt theirs.
			e.closeExistingConn(p)
		case fsm.Active:
			// No real socket of our own yet (passively waiting); always
			// adopt what just arrived.
			e.closeExistingConn(p)
		case fsm.Established:
			if p.Config.GracefulRestart != fsm.GRPreserveStale {
				unix.Close(fd)
				return
			}
			// Downgrade through the same detour as a lost connection
			// (stale routes preserved, RestartTimeout armed, old socket
			// closed via CloseFD), then drop straight into Connect
			// instead of waiting out IdleHold: the new connection is
			// already in hand.
			e.dispatch(p, fsm.EvConFatal, e.Now(), nil)
			p.Timers.Stop(timer.IdleHold)
			p.State = fsm.Connect
		default:
			// OpenSent/OpenConfirm: reject the newcomer, keep negotiating.
			unix.Close(fd)
			return
		}
	}

	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return
	}

	p.FD = fd
	c := newPeerConn(fd, false)
	c.remoteAddr = remote
	c.fillLocalAddr()
	e.conns[p.Config.ID] = c
	e.dispatch(p, fsm.EvConOpen, e.Now(), nil)
}

// closeExistingConn closes p's current socket and forgets its peerConn
// without touching addrIndex, unlike Engine.CloseFD: acceptOne calls this
// only when it is about to immediately hand p a replacement fd for the same
// remote address, so the index entry must survive the swap.
func (e *Engine) closeExistingConn(p *fsm.Peer) {
	if c, ok := e.conns[p.Config.ID]; ok {
		unix.Close(c.fd)
		delete(e.conns, p.Config.ID)
	}
	p.FD = -1
}

func sockaddrIP(sa unix.Sockaddr) (net.IP, bool) {
	switch s := sa.(type) {
	case *unix.SockaddrInet4:
		return net.IP(s.Addr[:]), true
	case *unix.SockaddrInet6:
		return net.IP(s.Addr[:]), true
	default:
		return nil, false
	}
}
