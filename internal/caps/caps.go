// Package caps implements OPEN capability announcement, parsing, and
// negotiation (§4.2): multiprotocol (RFC 4760), route-refresh (RFC 2918),
// enhanced route-refresh (RFC 7313), four-octet AS (RFC 6793), ADD-PATH
// (RFC 7911), graceful restart (RFC 4724), and open policy roles (RFC 9234).
//
// Grounded on the teacher's caps/cap.go Code-enum-plus-registry shape; the
// per-capability files (mp.go, role.go, as4.go, add-path.go) keep the
// teacher's one-file-per-capability layout.
package caps

import "github.com/nextbgpd/sessiond/internal/aid"

// Code is the IANA BGP Capability Code (RFC 5492).
type Code byte

const (
	CodeMP              Code = 1
	CodeRouteRefresh    Code = 2
	CodeRole            Code = 9
	CodeGracefulRestart Code = 64
	CodeAS4             Code = 65
	CodeAddPath         Code = 69
	CodeEnhancedRefresh Code = 70
)

//go:generate go run github.com/dmarkham/enumer -type=Code -trimprefix=Code
func (c Code) String() string {
	switch c {
	case CodeMP:
		return "MP"
	case CodeRouteRefresh:
		return "ROUTE_REFRESH"
	case CodeRole:
		return "ROLE"
	case CodeGracefulRestart:
		return "GRACEFUL_RESTART"
	case CodeAS4:
		return "AS4"
	case CodeAddPath:
		return "ADDPATH"
	case CodeEnhancedRefresh:
		return "ENHANCED_ROUTE_REFRESH"
	default:
		return "UNKNOWN"
	}
}

// AddPathDir are the per-AID ADD-PATH direction bits (RFC 7911 §3).
type AddPathDir byte

const (
	AddPathRecv AddPathDir = 1 << 0
	AddPathSend AddPathDir = 1 << 1
)

// GRFlags are the per-AID graceful-restart flags this engine tracks.
// PRESENT/FORWARD come straight off the wire (RFC 4724 §3); RESTARTING is
// this engine's own bookkeeping bit, set when a session enters the
// graceful-restart-preserving path (§4.3 Established, ConClosed/ConFatal
// with restart=2) and cleared once the peer reconnects without
// re-advertising FORWARD, or RestartTimeout fires.
type GRFlags byte

const (
	GRPresent    GRFlags = 1 << 0
	GRForward    GRFlags = 1 << 1
	GRRestarting GRFlags = 1 << 2
)

// GracefulRestart is the negotiated/announced/peer graceful-restart state.
type GracefulRestart struct {
	Restarting bool // the top-level R-bit: "I am restarting right now"
	Timeout    uint16
	Flags      map[aid.AID]GRFlags
}

// Role is the RFC 9234 open policy role.
type Role byte

const (
	RoleProvider Role = 0
	RoleRS       Role = 1
	RoleRSClient Role = 2
	RoleCustomer Role = 3
	RolePeer     Role = 4
)

func (r Role) String() string {
	switch r {
	case RoleProvider:
		return "provider"
	case RoleRS:
		return "rs"
	case RoleRSClient:
		return "rs-client"
	case RoleCustomer:
		return "customer"
	case RolePeer:
		return "peer"
	default:
		return "unknown"
	}
}

// roleComplement returns the role the peer must announce for r to be valid,
// and whether r participates in role negotiation at all.
func roleComplement(r Role) (Role, bool) {
	switch r {
	case RoleProvider:
		return RoleCustomer, true
	case RoleCustomer:
		return RoleProvider, true
	case RoleRS:
		return RoleRSClient, true
	case RoleRSClient:
		return RoleRS, true
	case RolePeer:
		return RolePeer, true
	default:
		return 0, false
	}
}

// Set is one side of a capability negotiation: announced (ours), peer
// (theirs), or negotiated (the intersection). §3 "Three parallel shapes per
// peer: announced / peer / negotiated".
type Set struct {
	MP map[aid.AID]bool

	Refresh         bool
	EnhancedRefresh bool

	AS4 bool
	ASN uint32 // valid iff AS4

	RoleSet bool
	Role    Role

	AddPath map[aid.AID]AddPathDir

	GR GracefulRestart

	// Raw preserves the wire bytes of any capability this engine does not
	// model, indexed by code, so re-announcement / pass-through stays
	// byte-faithful (the negotiation itself ignores unknown codes, §4.2
	// "unknown codes are silently ignored").
	Raw map[Code][][]byte
}

// NewSet returns a Set with its maps initialized.
func NewSet() *Set {
	return &Set{
		MP:      make(map[aid.AID]bool),
		AddPath: make(map[aid.AID]AddPathDir),
		GR:      GracefulRestart{Flags: make(map[aid.AID]GRFlags)},
		Raw:     make(map[Code][][]byte),
	}
}
