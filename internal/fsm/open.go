package fsm

import (
	"github.com/nextbgpd/sessiond/internal/caps"
	"github.com/nextbgpd/sessiond/internal/wire"
)

// asTrans is AS_TRANS, the legacy placeholder ASN a two-octet-only OPEN
// carries when the real (four-octet) AS lives in the AS4 capability instead.
const asTrans uint32 = 23456

// errcoder is implemented by wire.HeaderError and wire.OpenError: anything
// parseOpen can return that carries a ready-made NOTIFICATION errcode/subcode
// pair.
type errcoder interface {
	error
	Errcode() (code, subcode byte)
}

// parseOpen implements §4.6 end to end: fixed-field validation, capability
// negotiation, and the template zero-AS / iBGP BGP-ID-collision checks.
// halveOnly reports whether the caller should halve IdleHoldTime instead of
// doubling it on the resulting ->Idle transition. It is true only for the
// OPEN_OPT reject of an unsupported optional parameter (Open Question (a):
// a capability misnegotiation, not the peer misbehaving, so back off
// gently); every other reject leaves it false.
func (p *Peer) parseOpen(body []byte) (halveOnly bool, err error) {
	o, perr := wire.ParseOpen(body)
	if perr != nil {
		return false, perr
	}

	if o.Version != 4 {
		return false, &wire.OpenError{Subcode: wire.OpenVersionSubcode}
	}

	if o.HoldTime == 1 || o.HoldTime == 2 {
		return false, &wire.OpenError{Subcode: wire.OpenHoldTimeSubcode}
	}
	if o.HoldTime != 0 && int(o.HoldTime) < int(p.Config.MinHoldTime) {
		return false, &wire.OpenError{Subcode: wire.OpenHoldTimeSubcode}
	}

	if o.Identifier == 0 {
		return false, &wire.OpenError{Subcode: wire.OpenBGPIDSubcode}
	}
	if !p.Config.EBGP && o.Identifier == p.Config.LocalID {
		return false, &wire.OpenError{Subcode: wire.OpenBGPIDSubcode}
	}

	peerCaps, cerr := caps.ParseOptParams(o.OptParams)
	if cerr != nil {
		oe, ok := cerr.(*wire.OpenError)
		return ok && oe.Subcode == wire.OpenOptSubcode, cerr
	}

	// The short (2-octet) AS field reads AS_TRANS (23456) when the peer
	// actually speaks a four-octet AS; the real number then lives in the
	// AS4 capability (§4.2, §4.6).
	remoteAS := uint32(o.ASN)
	if peerCaps.AS4 {
		remoteAS = peerCaps.ASN
	}

	switch {
	case remoteAS == 0 && p.Config.Template && !p.Config.RejectZeroAS:
		// Open Question (c): a zero-AS template adopts whatever AS the
		// first connecting peer announces, cloning the session identity
		// onto a fresh non-template peer. The engine performs the actual
		// clone; parseOpen only needs to not reject it here.
		p.Config.RemoteAS = remoteAS
	case remoteAS == 0:
		return false, &wire.OpenError{Subcode: wire.OpenASSubcode}
	case p.Config.Template && p.Config.RemoteAS == 0 && remoteAS == asTrans:
		// session.c:2316: peer->template && !peer->conf.remote_as &&
		// as != AS_TRANS. A legacy two-octet-only peer that happens to
		// send ASN=23456 without an AS4 capability is not declaring
		// AS_TRANS as its real AS — refuse to adopt it on an unconfigured
		// template instead of silently cloning onto AS 23456.
		return false, &wire.OpenError{Subcode: wire.OpenASSubcode}
	case p.Config.RemoteAS != 0 && remoteAS != p.Config.RemoteAS:
		return false, &wire.OpenError{Subcode: wire.OpenASSubcode}
	default:
		// Open Question (c): with no configured remote AS (a zero-AS
		// template or its clone), the session adopts whatever AS the
		// connecting peer announces.
		p.Config.RemoteAS = remoteAS
	}

	if _, _, rerr := caps.NegotiateRole(p.Config.Announced, peerCaps, p.Config.RoleStrict); rerr != nil {
		return false, rerr
	}

	neg, flush := caps.Negotiate(p.Config.Announced, peerCaps, p.NegotiatedCaps)
	for _, a := range flush {
		p.host.SessionFlush(p, a)
	}

	p.PeerCaps = peerCaps
	p.NegotiatedCaps = neg
	p.PeerBGPID = o.Identifier
	p.NegotiatedHoldTime = negotiatedHoldTime(p.Config.HoldTime, o.HoldTime)

	return false, nil
}

// negotiatedHoldTime is min(local, remote), per RFC 4271 §4.2, with 0
// ("no KEEPALIVEs") only honored when both sides agree to it.
func negotiatedHoldTime(local, remote uint16) uint16 {
	if local == 0 || remote == 0 {
		return 0
	}
	if remote < local {
		return remote
	}
	return local
}

// notifyAndIdle sends the NOTIFICATION an open/header error carries and
// drives the peer to Idle, halving IdleHoldTime instead of doubling it when
// halve is set.
func (p *Peer) notifyAndIdle(now int64, err error, halve bool) {
	if ec, ok := err.(errcoder); ok {
		code, sub := ec.Errcode()
		p.sendNotification(code, sub, nil)
	} else {
		p.sendNotification(wire.ErrcodeOpen, 0, nil)
	}
	if halve {
		p.enterIdleHalve(now, EvRcvdOpen)
		return
	}
	p.enterIdle(now, EvRcvdOpen)
}
