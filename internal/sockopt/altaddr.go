package sockopt

import "net"

// AltAddress is the result of TCP-established bookkeeping's alternate-family
// address discovery (§4.5), used for dual-family NEXT_HOP advertisement.
type AltAddress struct {
	Addr    net.IP
	ScopeID uint32
	Found   bool
}

// DiscoverAltAddress walks the interface table to find the interface whose
// address equals local, then scans that interface for a sibling address of
// the opposite family with global scope. If the interface is
// point-to-point, or its prefix covers remote, the sibling's link-local
// scope-id is also captured for link-local routing.
func DiscoverAltAddress(local, remote net.IP) AltAddress {
	ifaces, err := net.Interfaces()
	if err != nil {
		return AltAddress{}
	}

	owner, ownerAddrs := findOwningInterface(ifaces, local)
	if owner == nil {
		return AltAddress{}
	}

	wantV4 := local.To4() != nil
	pointToPoint := owner.Flags&net.FlagPointToPoint != 0

	for _, a := range ownerAddrs {
		ipn, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		isV4 := ipn.IP.To4() != nil
		if isV4 == wantV4 {
			continue // same family as local, not the sibling we want
		}
		if !ipn.IP.IsGlobalUnicast() {
			continue
		}

		alt := AltAddress{Addr: ipn.IP, Found: true}
		if pointToPoint || ipn.Contains(remote) {
			alt.ScopeID = uint32(owner.Index)
		}
		return alt
	}

	return AltAddress{}
}

func findOwningInterface(ifaces []net.Interface, local net.IP) (*net.Interface, []net.Addr) {
	for i := range ifaces {
		addrs, err := ifaces[i].Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipn, ok := a.(*net.IPNet)
			if ok && ipn.IP.Equal(local) {
				return &ifaces[i], addrs
			}
		}
	}
	return nil, nil
}
