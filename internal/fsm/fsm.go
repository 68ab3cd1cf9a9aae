package fsm

import (
	"github.com/nextbgpd/sessiond/internal/caps"
	"github.com/nextbgpd/sessiond/internal/timer"
	"github.com/nextbgpd/sessiond/internal/wire"
)

const ConnectRetryInterval = 30 // seconds; INTERVAL_CONNECTRETRY

// Data carries the payload of a Rcvd* event: the message body with the
// 19-byte header already stripped (the event loop already ran
// wire.NextMessage before dispatching, §4.7 step 5).
type Data []byte

// HandleEvent is the single entry point driving one transition to
// completion (§5 "FSM transitions execute to completion before the next
// event of the same peer is processed"). now is the caller's monotonic
// clock in seconds (also available via Host.Now, passed explicitly here so
// tests don't need a Host at all for state-only assertions).
func (p *Peer) HandleEvent(ev Event, now int64, data Data) {
	switch p.State {
	case None:
		if ev == EvStart {
			p.State = Idle
			p.handleIdle(ev, now)
		}
	case Idle:
		p.handleIdle(ev, now)
	case Connect:
		p.handleConnect(ev, now)
	case Active:
		p.handleActive(ev, now)
	case OpenSent:
		p.handleOpenSent(ev, now, data)
	case OpenConfirm:
		p.handleOpenConfirm(ev, now, data)
	case Established:
		p.handleEstablished(ev, now, data)
	}
}

func (p *Peer) handleIdle(ev Event, now int64) {
	switch ev {
	case EvStart, EvTimerIdleHold:
		cfg := &p.Config
		if cfg.Passive || cfg.Template || cfg.TransientPassive {
			p.Timers.Stop(timer.ConnectRetry)
			p.setState(Active)
			return
		}
		p.Timers.Set(timer.ConnectRetry, now, ConnectRetryInterval)
		p.setState(Connect)
		p.host.Connect(p)
	case EvStop:
		// already idle; nothing to do
	default:
		// no-op: every other event is a spurious wakeup while idle
	}
}

func (p *Peer) handleConnect(ev Event, now int64) {
	switch ev {
	case EvConOpen:
		p.onTCPEstablished(now)
	case EvConOpenFail:
		p.host.CloseFD(p)
		p.Timers.Set(timer.ConnectRetry, now, ConnectRetryInterval)
		p.setState(Active)
	case EvTimerConnRetry:
		p.Timers.Set(timer.ConnectRetry, now, ConnectRetryInterval)
		p.host.Connect(p)
	default:
		p.enterIdle(now, ev)
	}
}

func (p *Peer) handleActive(ev Event, now int64) {
	switch ev {
	case EvConOpen:
		p.onTCPEstablished(now)
	case EvConOpenFail:
		p.Timers.Set(timer.ConnectRetry, now, ConnectRetryInterval)
		// stays Active
	case EvTimerConnRetry:
		interval := int64(p.Config.HoldTime)
		if interval <= 0 {
			interval = ConnectRetryInterval
		}
		p.Timers.Set(timer.ConnectRetry, now, interval)
		p.setState(Connect)
		p.host.Connect(p)
	default:
		p.enterIdle(now, ev)
	}
}

// onTCPEstablished is the shared ConOpen side effect for Connect and Active
// (§4.3 "do TCP-established bookkeeping, send OPEN, start hold-time with
// initial value (240s), -> OpenSent").
func (p *Peer) onTCPEstablished(now int64) {
	p.Timers.Stop(timer.ConnectRetry)
	p.sendOpen()
	p.Timers.Set(timer.Hold, now, InitialHoldTime)
	p.setState(OpenSent)
}

func (p *Peer) handleOpenSent(ev Event, now int64, data Data) {
	switch ev {
	case EvRcvdOpen:
		halveOnly, err := p.parseOpen(data)
		if err != nil {
			p.notifyAndIdle(now, err, halveOnly)
			return
		}
		p.sendKeepalive()
		p.setState(OpenConfirm)
	case EvConClosed:
		p.host.CloseFD(p)
		p.Timers.Set(timer.ConnectRetry, now, ConnectRetryInterval)
		p.setState(Active)
	case EvTimerHoldtime:
		p.sendNotification(wire.ErrcodeHoldExpired, 0, nil)
		p.enterIdle(now, ev)
	case EvTimerSendHold:
		p.sendSendHoldNotification()
		p.enterIdle(now, ev)
	case EvRcvdNotification:
		// peer gave up on us: log only, do not penalize (halve, no ErrCnt bump)
		p.enterIdleHalve(now, ev)
	case EvRcvdKeepalive, EvRcvdUpdate:
		p.sendNotification(wire.ErrcodeFSM, wire.FSMUnexpectedOpenSentSubcode, nil)
		p.enterIdle(now, ev)
	default:
		p.enterIdle(now, ev)
	}
}

func (p *Peer) handleOpenConfirm(ev Event, now int64, data Data) {
	switch ev {
	case EvRcvdKeepalive:
		p.Timers.Set(timer.Hold, now, int64(p.NegotiatedHoldTime))
		p.enterEstablished(now)
	case EvTimerKeepalive:
		p.sendKeepalive()
	case EvConClosed:
		p.host.CloseFD(p)
		p.Timers.Set(timer.ConnectRetry, now, ConnectRetryInterval)
		p.setState(Active)
	case EvTimerHoldtime:
		p.sendNotification(wire.ErrcodeHoldExpired, 0, nil)
		p.enterIdle(now, ev)
	case EvTimerSendHold:
		p.sendSendHoldNotification()
		p.enterIdle(now, ev)
	case EvRcvdNotification:
		p.enterIdleHalve(now, ev)
	case EvRcvdOpen, EvRcvdUpdate:
		p.sendNotification(wire.ErrcodeFSM, wire.FSMUnexpectedOpenConfirmSubcode, nil)
		p.enterIdle(now, ev)
	default:
		p.enterIdle(now, ev)
	}
}

func (p *Peer) handleEstablished(ev Event, now int64, data Data) {
	switch ev {
	case EvRcvdKeepalive:
		p.Timers.Set(timer.Hold, now, int64(p.NegotiatedHoldTime))
	case EvRcvdUpdate:
		p.Timers.Set(timer.Hold, now, int64(p.NegotiatedHoldTime))
		if err := p.host.RelayUpdate(p, data); err != nil {
			p.enterIdle(now, ev)
			return
		}
		p.Timers.Set(timer.Hold, now, int64(p.NegotiatedHoldTime))
	case EvTimerKeepalive:
		p.sendKeepalive()
	case EvTimerHoldtime:
		p.establishedFatal(now, ev, func() { p.sendNotification(wire.ErrcodeHoldExpired, 0, nil) })
	case EvTimerSendHold:
		p.establishedFatal(now, ev, p.sendSendHoldNotification)
	case EvConClosed, EvConFatal:
		p.establishedFatal(now, ev, nil)
	case EvRcvdNotification:
		p.enterIdleHalve(now, ev)
	case EvRcvdOpen:
		p.sendNotification(wire.ErrcodeFSM, wire.FSMUnexpectedEstablishedSubcode, nil)
		p.enterIdle(now, ev)
	default:
		p.enterIdle(now, ev)
	}
}

// establishedFatal implements the Established hold/send-hold/conn-loss path,
// including the graceful-restart detour (§4.3): "except when graceful-restart
// negotiated with restart=2 and the event is ConClosed/ConFatal, in which
// case set IdleHold to 0, halve IdleHoldTime, and invoke graceful_restart".
// notify is nil for ConClosed/ConFatal (no NOTIFICATION: the socket is
// already unusable, §7).
func (p *Peer) establishedFatal(now int64, ev Event, notify func()) {
	gr := (ev == EvConClosed || ev == EvConFatal) && p.Config.GracefulRestart == GRPreserveStale &&
		p.NegotiatedCaps != nil && len(p.NegotiatedCaps.GR.Flags) > 0

	if gr {
		p.halveIdleHold()
		p.enterIdleNoSessionDown(now, ev)
		p.gracefulRestart(now) // armed after resetToIdle's StopAll, not before
		p.Timers.Set(timer.IdleHold, now, 0)
		return
	}

	if notify != nil {
		notify()
	}
	p.enterIdle(now, ev)
}

// gracefulRestart marks every negotiated AID RESTARTING, tells the RDE to
// keep stale routes (SessionStale), and arms RestartTimeout to the
// negotiated timeout.
func (p *Peer) gracefulRestart(now int64) {
	for a, f := range p.NegotiatedCaps.GR.Flags {
		p.NegotiatedCaps.GR.Flags[a] = f | caps.GRRestarting
		p.host.SessionStale(p, a)
	}
	p.Timers.Set(timer.RestartTimeout, now, int64(p.NegotiatedCaps.GR.Timeout))
}

// OnRestartTimeout is called by the event loop when a peer's RestartTimeout
// timer matures without the peer reconnecting (§4.3 S4 "If the 120s timer
// fires first, SessionFlush(IPv4) is emitted"). It is not routed through
// HandleEvent because it does not drive a state transition by itself — the
// peer is already Idle, waiting on its own ConnectRetry/IdleHold schedule.
func (p *Peer) OnRestartTimeout() {
	if p.NegotiatedCaps == nil {
		return
	}
	for a, f := range p.NegotiatedCaps.GR.Flags {
		if f&caps.GRRestarting != 0 {
			p.host.SessionFlush(p, a)
			p.NegotiatedCaps.GR.Flags[a] = f &^ caps.GRRestarting
		}
	}
}

// OnIdleHoldReset resets the IdleHold backoff after a session has stayed
// Established long enough (§4.3 "Established plus IdleHoldReset timer expiry
// resets it to initial and zeroes errcnt").
func (p *Peer) OnIdleHoldReset() {
	p.IdleHoldTime = IdleHoldInitial
	p.ErrCnt = 0
}

// OnCarpUndemote is called when a demoted peer's CarpUndemote timer fires.
func (p *Peer) OnCarpUndemote() {
	p.Demoted = false
}

func (p *Peer) setState(s State) {
	p.PrevState = p.State
	p.State = s
}

// enterIdle implements the common Idle-entry side effects (§4.3 "On
// entering Idle from any state"), escalating IdleHoldTime (double, capped).
func (p *Peer) enterIdle(now int64, cause Event) {
	wasEstablished := p.State == Established
	p.resetToIdle(now, cause, true)
	if wasEstablished {
		p.host.SessionDown(p)
	}
}

// enterIdleHalve is enterIdle's de-escalation variant (Open Question (a)):
// IdleHoldTime is halved instead of doubled, for capability misnegotiation
// and peer-initiated teardown rather than our own protocol violation.
// SessionDown still fires if the peer was Established.
func (p *Peer) enterIdleHalve(now int64, cause Event) {
	p.halveIdleHold()
	wasEstablished := p.State == Established
	p.resetToIdle(now, cause, false)
	if wasEstablished {
		p.host.SessionDown(p)
	}
}

// enterIdleNoSessionDown is the graceful-restart variant: the session goes
// to Idle, but no SessionDown is emitted because the RDE was already told
// SessionStale per-AID instead (§4.3 S4), IdleHoldTime was already halved
// by the caller, and the caller re-arms IdleHold to fire at once afterwards.
func (p *Peer) enterIdleNoSessionDown(now int64, cause Event) {
	p.resetToIdle(now, cause, false)
}

// resetToIdle performs the side effects common to every ->Idle transition.
// escalate controls whether IdleHoldTime is doubled (the normal path) or
// left as the caller already set it (halved) — either way the IdleHold
// timer is armed with the current value
// unless cause is Stop, matching invariant (iii): Stop never re-arms.
func (p *Peer) resetToIdle(now int64, cause Event, escalate bool) {
	p.Timers.StopAll()
	p.host.CloseFD(p)
	p.PeerCaps = nil
	p.host.ReloadAuth(p)

	if cause != EvStop {
		p.Timers.Set(timer.IdleHold, now, p.IdleHoldTime)
		if escalate {
			p.IdleHoldTime *= 2
			if p.IdleHoldTime > MaxIdleHoldHalf {
				p.IdleHoldTime = MaxIdleHoldHalf
			}
			p.ErrCnt++
		}
	}

	p.setState(Idle)
	p.NotifiedOnce = false
}

// enterEstablished implements §4.3 "On entering Established".
func (p *Peer) enterEstablished(now int64) {
	p.Timers.Set(timer.IdleHoldReset, now, p.IdleHoldTime) // backoff resets only if the session stays up this long
	if p.Demoted {
		p.Timers.Set(timer.CarpUndemote, now, 0)
	}
	p.setState(Established)
	p.host.SessionUp(p)
}

// halveIdleHold implements Open Question (a): the OPEN_OPT reject in
// parseOpen, a received NOTIFICATION (OpenSent, OpenConfirm or
// Established) and the graceful-restart detour halve IdleHoldTime instead
// of doubling it, as a deliberate de-escalation for capability
// misnegotiation and peer-initiated teardown rather than our own protocol
// violation. Every other ->Idle transition doubles it.
func (p *Peer) halveIdleHold() {
	p.IdleHoldTime /= 2
	if p.IdleHoldTime < IdleHoldInitial {
		p.IdleHoldTime = IdleHoldInitial
	}
}

// RejectUpdate drives an Established session to Idle on the RDE's say-so
// (§7 "BgpUpdateError (relayed from RDE)"): the engine already forwarded
// the UPDATE opaquely via RelayUpdate, so only the RDE can tell a
// syntactically valid BGP message carried a semantically bad attribute.
// A no-op outside Established: the RDE's verdict arrives asynchronously
// and may land after the session already moved on.
func (p *Peer) RejectUpdate(now int64, errcode, subcode byte, data []byte) {
	if p.State != Established {
		return
	}
	p.sendNotification(errcode, subcode, data)
	p.enterIdle(now, EvRcvdUpdate)
}

// FatalNotify sends a NOTIFICATION built from a malformed-message error the
// event loop caught before HandleEvent ever saw the message (§4.1 framing
// errors, §7 header/open parse failures outside the states that already
// route them through parseOpen) and drives the peer to Idle. Valid in any
// state that owns a socket; a no-op from None/Idle, where there is nothing
// to tear down.
func (p *Peer) FatalNotify(now int64, errcode, subcode byte, data []byte) {
	if p.State == None || p.State == Idle {
		return
	}
	p.sendNotification(errcode, subcode, data)
	p.enterIdle(now, EvConFatal)
}

func (p *Peer) sendSendHoldNotification() {
	p.sendNotification(wire.ErrcodeSendHoldExpired, 0, nil)
}

// sendNotification builds and enqueues a NOTIFICATION, enforcing invariant
// (iv): at most one per session lifetime.
func (p *Peer) sendNotification(errcode, subcode byte, data []byte) {
	if p.NotifiedOnce {
		return
	}
	p.NotifiedOnce = true
	p.Stats.LastErrSent = [2]byte{errcode, subcode}

	n := wire.Notification{Errcode: errcode, Subcode: subcode, Data: data}
	p.host.Enqueue(p, n.Marshal(nil))
}

func (p *Peer) sendOpen() {
	o := wire.Open{
		Version:    4,
		HoldTime:   InitialHoldTime,
		Identifier: p.Config.LocalID,
	}
	if p.Config.LocalAS <= 0xffff {
		o.ASN = uint16(p.Config.LocalAS)
	} else {
		o.ASN = uint16(asTrans)
	}

	if p.Config.Announced != nil {
		capsBlob := p.Config.Announced.MarshalCaps(p.Config.EBGP)
		o.OptParams = caps.BuildOptParams(capsBlob)
	}

	p.host.Enqueue(p, o.Marshal(nil))
}

func (p *Peer) sendKeepalive() {
	p.host.Enqueue(p, wire.EmitKeepalive(nil))
}
