package caps

import "github.com/nextbgpd/sessiond/internal/aid"

// Negotiate computes the negotiated capability set from what we announced
// and what the peer announced (§4.2, Testable Property 7).
//
// prev is the previously negotiated set for this peer (nil on a fresh
// session); it is only consulted for graceful-restart continuity. flush
// lists the AIDs that lost RESTARTING status and need a SessionFlush(aid)
// IPC emitted to the RDE by the caller (fsm owns the IPC side effect; this
// function stays pure).
func Negotiate(local, peer *Set, prev *Set) (neg *Set, flush []aid.AID) {
	neg = NewSet()

	neg.Refresh = local.Refresh && peer.Refresh
	neg.EnhancedRefresh = local.EnhancedRefresh && peer.EnhancedRefresh
	neg.AS4 = local.AS4 && peer.AS4
	if neg.AS4 {
		neg.ASN = peer.ASN
	}

	anyMP := false
	for a := aid.AID(0); a < aid.AID_MAX; a++ {
		if local.MP[a] && peer.MP[a] {
			neg.MP[a] = true
			anyMP = true
		}
	}
	if !anyMPAnnounced(local) && !anyMPAnnounced(peer) {
		neg.MP[aid.AID_INET] = true
		anyMP = true
	}
	_ = anyMP

	for a := aid.AID(0); a < aid.AID_MAX; a++ {
		var dir AddPathDir
		if local.AddPath[a]&AddPathRecv != 0 && peer.AddPath[a]&AddPathSend != 0 {
			dir |= AddPathRecv
		}
		if local.AddPath[a]&AddPathSend != 0 && peer.AddPath[a]&AddPathRecv != 0 {
			dir |= AddPathSend
		}
		if dir != 0 {
			neg.AddPath[a] = dir
		}
	}

	neg.GR.Timeout = peer.GR.Timeout
	for a, peerFlags := range peer.GR.Flags {
		wasRestarting := prev != nil && prev.GR.Flags[a]&GRRestarting != 0
		if wasRestarting && peerFlags&GRForward != 0 {
			neg.GR.Flags[a] = peerFlags | GRRestarting
		} else {
			neg.GR.Flags[a] = peerFlags &^ GRRestarting
			if wasRestarting {
				flush = append(flush, a)
			}
		}
	}

	return neg, flush
}

func anyMPAnnounced(s *Set) bool {
	for _, on := range s.MP {
		if on {
			return true
		}
	}
	return false
}
