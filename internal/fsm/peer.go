package fsm

import (
	"net"

	"github.com/nextbgpd/sessiond/internal/aid"
	"github.com/nextbgpd/sessiond/internal/caps"
	"github.com/nextbgpd/sessiond/internal/timer"
)

// GRMode is the per-peer graceful-restart posture (§4.3 Established,
// "restart=2" path).
type GRMode byte

const (
	GRDisabled      GRMode = 0
	GRBasic         GRMode = 1 // negotiate GR, but do not preserve stale routes across a drop
	GRPreserveStale GRMode = 2 // full RFC 4724 stale-route preservation on ConClosed/ConFatal
)

// Config is the configured side of a Peer (§3 "Peer... Identity... plus
// configuration").
type Config struct {
	ID          uint32
	Description string
	RemoteAddr  net.IP
	RemotePort  uint16 // BGP port, 179 unless overridden
	LocalAddr   net.IP // bind address for the outbound connect(), nil lets the kernel choose
	RemoteAS    uint32
	LocalAS     uint32
	LocalID     uint32 // local BGP-ID (engine fills this from the global router-id)
	HoldTime    uint16 // configured hold-time; 0 disables KEEPALIVEs
	MinHoldTime uint16

	TTLSecurity bool  // RFC 5082 generalized TTL security
	Distance    uint8 // eBGP multihop distance, or the TTL-security hop count

	Announced *caps.Set
	EBGP      bool
	Role      caps.Role
	RoleSet   bool
	RoleStrict bool // fail OPEN if peer did not announce a role at all

	Passive          bool
	Template         bool // unconfigured-IP clone template
	TransientPassive bool // forced passive for one connection attempt (collision handling)

	GracefulRestart GRMode
	RejectZeroAS    bool // Open Question (c): strict-reject iBGP zero-AS templates

	TemplateParent uint32 // peer-id this peer was cloned from, 0 if none
	DemotionGroup  string // carp(4)/pfsyncd demotion group name, "" if none
}

// Stats are the per-peer counters the control socket reports (§3).
type Stats struct {
	SentByType     map[byte]uint64
	RecvByType     map[byte]uint64
	LastUpDown     int64
	LastErrSent    [2]byte
	LastErrRecv    [2]byte
}

// Peer is the central runtime entity the FSM drives (§3).
type Peer struct {
	Config Config

	State     State
	PrevState State

	FD int // -1 when no socket is owned

	NegotiatedCaps *caps.Set
	PeerCaps       *caps.Set

	NegotiatedHoldTime uint16
	PeerBGPID          uint32

	Timers timer.Set

	ErrCnt         int
	IdleHoldTime   int64 // seconds, current backoff value
	Throttled      bool
	LastReason     string
	Demoted        bool
	NotifiedOnce   bool // tracks invariant (iv): at most one NOTIFICATION per session

	Stats Stats

	host Host
}

// NewPeer returns a Peer in state None, per §4.3 "Initial state after peer
// creation is None".
func NewPeer(cfg Config, host Host) *Peer {
	return &Peer{
		Config:       cfg,
		State:        None,
		PrevState:    None,
		FD:           -1,
		IdleHoldTime: IdleHoldInitial,
		host:         host,
		Stats: Stats{
			SentByType: make(map[byte]uint64),
			RecvByType: make(map[byte]uint64),
		},
	}
}

// Host is everything about the outside world a Peer's transitions need:
// socket ownership, and the IPC side effects directed at the RDE/parent.
// Keeping this as an interface (rather than importing internal/engine,
// internal/sockopt, or internal/ipc directly) is what keeps fsm a pure,
// table-driven package with no I/O of its own — every HandleEvent call is a
// single synchronous state transition plus queued bytes, never a blocking
// call (§5 "Parsing a message is synchronous and must not attempt I/O").
type Host interface {
	// Now returns the current monotonic time in seconds, for timer arming.
	Now() int64

	// Connect asks the connection manager to initiate (or re-initiate) an
	// outbound TCP connection for p. Errors are reported asynchronously via
	// EvConOpenFail/EvConFatal, not as a return value here.
	Connect(p *Peer)

	// CloseFD closes p's current socket, if any, and clears p.FD.
	CloseFD(p *Peer)

	// ReloadAuth tells the parent to reload TCP-MD5/pfkey keys for p.
	ReloadAuth(p *Peer)

	// Enqueue appends wire bytes to p's outbound write queue.
	Enqueue(p *Peer, frame []byte)

	// SessionUp/SessionDown/SessionStale/SessionFlush emit the
	// correspondingly named IPC message to the RDE (§6).
	SessionUp(p *Peer)
	SessionDown(p *Peer)
	SessionStale(p *Peer, a aid.AID)
	SessionFlush(p *Peer, a aid.AID)

	// RelayUpdate forwards a received UPDATE body to the RDE. A non-nil
	// error means the RDE rejected or could not accept it, which the
	// Established RcvdUpdate transition turns into ->Idle.
	RelayUpdate(p *Peer, body []byte) error
}
