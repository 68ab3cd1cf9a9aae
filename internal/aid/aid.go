// Package aid implements the address-family identifier used throughout the
// session engine: AFI/SAFI wire constants (IANA-assigned) plus the AID byte
// enum that the spec uses to index per-family capability bitmaps.
//
// This reshapes the teacher's af.AF (a 32-bit afi<<16|safi combinator meant
// for wire marshalling of NLRI) into the single-byte enum the session
// engine needs for cheap array indexing (capability bitmaps, per-AID
// graceful-restart flags, ADD-PATH direction flags).
package aid

// AFI is the IANA Address Family Identifier (16-bit, network order on the wire).
type AFI uint16

const (
	AFI_IPV4 AFI = 1
	AFI_IPV6 AFI = 2
)

// SAFI is the IANA Subsequent Address Family Identifier (8-bit on the wire).
type SAFI uint8

const (
	SAFI_UNICAST   SAFI = 1
	SAFI_MULTICAST SAFI = 2
	SAFI_MPLS_VPN  SAFI = 128
	SAFI_FLOWSPEC  SAFI = 133
)

// AID is the internal single-byte address-family enumeration used as an
// array index for per-family state (capability bitmaps, GR flags, ADD-PATH
// flags). Unknown AFI/SAFI combinations have no AID: New reports them with
// ok=false and the capability parsers skip those entries.
type AID uint8

const (
	AID_INET AID = iota
	AID_INET6
	AID_VPN_INET
	AID_VPN_INET6
	AID_FLOWSPEC_INET
	AID_FLOWSPEC_INET6
	AID_MAX // sentinel: size of per-AID arrays
)

//go:generate go run github.com/dmarkham/enumer -type=AID
func (a AID) String() string {
	switch a {
	case AID_INET:
		return "INET"
	case AID_INET6:
		return "INET6"
	case AID_VPN_INET:
		return "VPN-INET"
	case AID_VPN_INET6:
		return "VPN-INET6"
	case AID_FLOWSPEC_INET:
		return "FLOWSPEC-INET"
	case AID_FLOWSPEC_INET6:
		return "FLOWSPEC-INET6"
	default:
		return "AID(?)"
	}
}

type afisafi struct {
	afi  AFI
	safi SAFI
}

var fromWire = map[afisafi]AID{
	{AFI_IPV4, SAFI_UNICAST}:  AID_INET,
	{AFI_IPV6, SAFI_UNICAST}:  AID_INET6,
	{AFI_IPV4, SAFI_MPLS_VPN}: AID_VPN_INET,
	{AFI_IPV6, SAFI_MPLS_VPN}: AID_VPN_INET6,
	{AFI_IPV4, SAFI_FLOWSPEC}: AID_FLOWSPEC_INET,
	{AFI_IPV6, SAFI_FLOWSPEC}: AID_FLOWSPEC_INET6,
}

var toWire = func() map[AID]afisafi {
	m := make(map[AID]afisafi, len(fromWire))
	for k, v := range fromWire {
		m[v] = k
	}
	return m
}()

// New maps a wire AFI/SAFI pair to an internal AID. ok is false for
// combinations the engine does not recognize; callers skip such entries.
func New(afi AFI, safi SAFI) (a AID, ok bool) {
	a, ok = fromWire[afisafi{afi, safi}]
	return
}

// Afi returns the wire AFI for a, or 0 if a is not a known AID.
func (a AID) Afi() AFI {
	return toWire[a].afi
}

// Safi returns the wire SAFI for a, or 0 if a is not a known AID.
func (a AID) Safi() SAFI {
	return toWire[a].safi
}
