// Package engine implements the session engine's top-level Engine value
// (Design Notes §9: "three process-global channel handles and a global
// configuration pointer" become the explicit fields of a single struct
// passed to every FSM operation), the peer registry, the poll-driven event
// loop, reconfiguration orchestration, and demotion groups.
//
// Grounded on the teacher's speaker.Speaker (a *zerolog.Logger embedded for
// Nop-by-default logging) and on the raw unix.Poll idiom from
// other_examples/...doublezero__tools-uping-pkg-uping-listener.go, applied
// here to N peer sockets plus listeners plus IPC pipes instead of one raw
// ICMP socket.
package engine

import (
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"

	"github.com/nextbgpd/sessiond/internal/aid"
	"github.com/nextbgpd/sessiond/internal/config"
	"github.com/nextbgpd/sessiond/internal/ctrlsock"
	"github.com/nextbgpd/sessiond/internal/fsm"
	"github.com/nextbgpd/sessiond/internal/ipc"
	"github.com/nextbgpd/sessiond/internal/mrtsink"
	"github.com/nextbgpd/sessiond/internal/sockopt"
	"github.com/nextbgpd/sessiond/internal/wire"

	"golang.org/x/sys/unix"
)

// Engine is the single value every FSM transition's Host calls land on.
// Tests construct an Engine directly with mock IPC channels rather than
// real file descriptors.
type Engine struct {
	*zerolog.Logger

	start time.Time // Now() epoch; Now() returns seconds since this instant

	Global config.Global

	peers     map[uint32]*fsm.Peer
	conns     map[uint32]*peerConn
	addrIndex map[string]uint32 // remote ip -> peer-id, for inbound accept matching
	listeners map[string]*listenerEntry

	nextCloneID uint32 // synthetic ids handed to template clones

	parent *ipcChannel // SocketConn/ReconfX/MrtX/Shutdown source
	rde    *ipcChannel // SessionX sink, UpdateErr source
	mrt    *mrtsink.Sink

	demotions map[string]*DemotionGroup

	stats *statsTable
	ctrl  *ctrlsock.Server

	shadow *config.Shadow // staged between ReconfConf and ReconfDone

	pauseAcceptUntil int64
	quit             bool

	// pendingPeers holds the ids of peers whose inbound ring still held a
	// complete message when processInbound last hit MSG_PROCESS_LIMIT
	// (§4.7 step 3, §4.8): pass() drains these before polling again and
	// forces that poll's timeout to 0 rather than waiting on pollTimeoutMillis.
	pendingPeers []uint32
}

// SetParent wires the parent-supervisor IPC pipe.
func (e *Engine) SetParent(fd int) { e.parent = newIPCChannel(fd) }

// SetRDE wires the RDE IPC pipe.
func (e *Engine) SetRDE(fd int) { e.rde = newIPCChannel(fd) }

// SetCtrlSock wires the operator control-socket server. Engine itself
// implements ctrlsock.Snapshots via its stats table, so callers typically
// construct the Server with e.Stats() as the Snapshots argument.
func (e *Engine) SetCtrlSock(s *ctrlsock.Server) { e.ctrl = s }

// Stats exposes the engine's snapshot table as a ctrlsock.Snapshots, for
// wiring into ctrlsock.Listen.
func (e *Engine) Stats() ctrlsock.Snapshots { return e.stats }

// OpenMRT starts (or replaces) the engine's MRT dump sink at path, the
// cold-start equivalent of a parent-issued MrtOpen envelope (§6).
func (e *Engine) OpenMRT(path string) error {
	sink, err := mrtsink.Open(path)
	if err != nil {
		return err
	}
	if e.mrt != nil {
		e.mrt.Close()
	}
	e.mrt = sink
	return nil
}

// New returns an empty Engine. Call AddListener/SetParent/SetRDE to wire
// its external collaborators before Run.
func New(logger *zerolog.Logger) *Engine {
	e := &Engine{
		start:     time.Now(),
		peers:     make(map[uint32]*fsm.Peer),
		conns:     make(map[uint32]*peerConn),
		addrIndex: make(map[string]uint32),
		listeners: make(map[string]*listenerEntry),
		demotions: make(map[string]*DemotionGroup),
		stats:     newStatsTable(),
	}
	if logger != nil {
		e.Logger = logger
	} else {
		l := zerolog.Nop()
		e.Logger = &l
	}
	return e
}

// Now implements fsm.Host: monotonic seconds since the Engine was created.
func (e *Engine) Now() int64 {
	return int64(time.Since(e.start).Seconds())
}

// Connect implements fsm.Host: issue a non-blocking connect() for p and
// register the resulting fd as a pending-Connect-state socket.
func (e *Engine) Connect(p *fsm.Peer) {
	remote := p.Config.RemoteAddr
	tuning := sockopt.Tuning{EBGP: p.Config.EBGP, TTLSecurity: p.Config.TTLSecurity, Distance: p.Config.Distance}

	fd, err := sockopt.NewOutbound(p.Config.LocalAddr, remote, tuning)
	if err != nil {
		e.Error().Err(err).Uint32("peer", p.Config.ID).Msg("outbound socket create failed")
		p.HandleEvent(fsm.EvConOpenFail, e.Now(), nil)
		return
	}

	port := int(p.Config.RemotePort)
	if port == 0 {
		port = 179
	}
	_, err = sockopt.Connect(fd, remote, port)
	if err != nil {
		unix.Close(fd)
		e.Error().Err(err).Uint32("peer", p.Config.ID).Msg("connect failed")
		p.HandleEvent(fsm.EvConOpenFail, e.Now(), nil)
		return
	}

	p.FD = fd
	e.conns[p.Config.ID] = newPeerConn(fd, true)
	e.addrIndex[ipKey(remote)] = p.Config.ID
}

// CloseFD implements fsm.Host.
func (e *Engine) CloseFD(p *fsm.Peer) {
	if c, ok := e.conns[p.Config.ID]; ok {
		unix.Close(c.fd)
		delete(e.conns, p.Config.ID)
	}
	if p.Config.RemoteAddr != nil {
		delete(e.addrIndex, ipKey(p.Config.RemoteAddr))
	}
	p.FD = -1
}

// ReloadAuth implements fsm.Host: asks the parent to reinstall TCP-MD5/pfkey
// keys for p (§6 "parent... performs authentication key installation").
func (e *Engine) ReloadAuth(p *fsm.Peer) {
	if e.parent == nil {
		return
	}
	e.parent.send(ipc.Envelope{Type: ipc.TypePfkeyReload, PeerID: p.Config.ID})
}

// Enqueue implements fsm.Host: appends frame to p's outbound write queue.
func (e *Engine) Enqueue(p *fsm.Peer, frame []byte) {
	c, ok := e.conns[p.Config.ID]
	if !ok {
		return // socket already gone; drop (peer is on its way to Idle anyway)
	}
	c.enqueue(frame)
	if c.queuedBytes() > e.Global.SessMsgHigh && !p.Throttled {
		p.Throttled = true
		e.sendXoff(p.Config.ID)
	}
}

func (e *Engine) sendXoff(id uint32) {
	if e.rde != nil {
		e.rde.send(ipc.Envelope{Type: ipc.TypeXOff, PeerID: id})
	}
}

func (e *Engine) sendXon(id uint32) {
	if e.rde != nil {
		e.rde.send(ipc.Envelope{Type: ipc.TypeXOn, PeerID: id})
	}
}

// SessionUp implements fsm.Host (§6 SessionUp payload).
func (e *Engine) SessionUp(p *fsm.Peer) {
	p.Stats.LastUpDown = e.Now()
	e.stats.recordUp(p)

	info := ipc.SessionUpInfo{
		Remote:    p.Config.RemoteAddr,
		PeerBGPID: p.PeerBGPID,
		ShortAS:   uint16(p.Config.RemoteAS),
	}
	if c, ok := e.conns[p.Config.ID]; ok {
		info.Local = c.localAddr
	}
	if p.NegotiatedCaps != nil {
		info.Caps = p.NegotiatedCaps.MarshalCaps(p.Config.EBGP)
	}
	if alt := sockopt.DiscoverAltAddress(info.Local, info.Remote); alt.Found {
		info.AltLocal = alt.Addr
		info.ScopeID = alt.ScopeID
	}

	if e.rde != nil {
		e.rde.send(ipc.Envelope{Type: ipc.TypeSessionUp, PeerID: p.Config.ID, Payload: ipc.MarshalSessionUp(info)})
	}

	e.demotionFor(p).release()
}

// SessionDown implements fsm.Host.
func (e *Engine) SessionDown(p *fsm.Peer) {
	p.Stats.LastUpDown = e.Now()
	e.stats.recordDown(p)
	if e.rde != nil {
		e.rde.send(ipc.Envelope{Type: ipc.TypeSessionDown, PeerID: p.Config.ID})
	}
	e.demotionFor(p).demote()
}

// SessionStale implements fsm.Host.
func (e *Engine) SessionStale(p *fsm.Peer, a aid.AID) {
	if e.rde != nil {
		e.rde.send(ipc.Envelope{Type: ipc.TypeSessionStale, PeerID: p.Config.ID, Payload: ipc.MarshalAID(a)})
	}
}

// SessionFlush implements fsm.Host.
func (e *Engine) SessionFlush(p *fsm.Peer, a aid.AID) {
	if e.rde != nil {
		e.rde.send(ipc.Envelope{Type: ipc.TypeSessionFlush, PeerID: p.Config.ID, Payload: ipc.MarshalAID(a)})
	}
}

// RelayUpdate implements fsm.Host: forwards a parsed UPDATE body to the RDE.
// A nil RDE channel is a degraded-but-not-fatal condition (§7 "Loss of the
// RDE data channel is recoverable"), so it is not itself an error.
func (e *Engine) RelayUpdate(p *fsm.Peer, body []byte) error {
	p.Stats.RecvByType[byte(wire.UPDATE)]++
	if e.rde == nil {
		return nil
	}
	e.rde.send(ipc.Envelope{Type: ipc.TypeUpdate, PeerID: p.Config.ID, Payload: body})
	return nil
}

func addrKey(ip net.IP, port int) string {
	return fmt.Sprintf("%s/%d", ip.String(), port)
}

// ipKey indexes addrIndex by remote address alone: an inbound TCP
// connection's source port is an ephemeral client port, never the peer's
// configured remote_port, so accept-matching can only key on the IP.
func ipKey(ip net.IP) string {
	return ip.String()
}
