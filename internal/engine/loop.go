package engine

import (
	"context"
	"net"
	"time"

	"golang.org/x/sys/unix"

	"github.com/nextbgpd/sessiond/internal/fsm"
	"github.com/nextbgpd/sessiond/internal/ipc"
	"github.com/nextbgpd/sessiond/internal/mrtsink"
	"github.com/nextbgpd/sessiond/internal/sockopt"
	"github.com/nextbgpd/sessiond/internal/timer"
	"github.com/nextbgpd/sessiond/internal/wire"
)

// maxPollTimeoutMillis is §4.4's poll timeout ceiling: even with no armed
// timer anywhere, unix.Poll never blocks longer than this.
const maxPollTimeoutMillis = 240_000

// acceptPauseRecheckMillis bounds the poll timeout while accept is paused
// (§4.5 fd-exhaustion backoff), so the pause is rechecked promptly instead
// of waiting out whatever the next real timer deadline happens to be.
const acceptPauseRecheckMillis = 1000

// ownerKind tags one entry in a poll pass's parallel fd/handler arrays
// (Design Notes §9's "owner-tag dispatch").
type ownerKind byte

const (
	ownerParent ownerKind = iota
	ownerRDE
	ownerListener
	ownerPeer
)

type pollEntry struct {
	kind ownerKind
	key  string
	id   uint32
}

// Run drives the poll loop until ctx is cancelled, a Shutdown envelope
// arrives from the parent, or a fatal poll error occurs (§4.7).
func (e *Engine) Run(ctx context.Context) error {
	for !e.quit {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err := e.pass(); err != nil {
			return err
		}
	}
	return nil
}

// pass runs one iteration of §4.7's fixed dispatch order: IPC pipes, then
// listener accepts, then peer sockets (each up to MSG_PROCESS_LIMIT
// messages), then timers, then MRT writers, then control-client sockets.
func (e *Engine) pass() error {
	e.startNonePeers()
	e.drainPendingPeers()

	pfds, entries := e.buildPollSet()
	timeout := e.pollTimeoutMillis()

	n, err := unix.Poll(pfds, timeout)
	if err != nil {
		if err == unix.EINTR {
			return nil
		}
		return err
	}
	if n > 0 {
		e.dispatchReady(pfds, entries)
	}

	e.serviceTimers()
	e.drainMRT()
	e.serviceCtrlSock()
	return nil
}

// startNonePeers implements §4.7's "initialize None-state peers": any peer
// added since the last pass (direct config load, or a reconfig New branch
// that did not already start it) gets its EvStart.
func (e *Engine) startNonePeers() {
	now := e.Now()
	for _, p := range e.peers {
		if p.State == fsm.None {
			e.dispatch(p, fsm.EvStart, now, nil)
		}
	}
}

// drainPendingPeers reprocesses any peer whose ring still held a complete
// message after the previous pass's processInbound hit MSG_PROCESS_LIMIT.
// Poll won't report these fds readable again on its own — the bytes already
// arrived — so the loop has to come back to them explicitly instead of
// relying on the next readable event.
func (e *Engine) drainPendingPeers() {
	pending := e.pendingPeers
	e.pendingPeers = nil
	for _, id := range pending {
		p, ok := e.peers[id]
		c, ok2 := e.conns[id]
		if ok && ok2 {
			e.processInbound(p, c)
		}
	}
}

// pollTimeoutMillis computes this pass's unix.Poll timeout (§4.4): 0 if a
// peer still has buffered work (§4.7 step 3), else the earliest of the 240s
// ceiling, the soonest-due timer across every peer, and the accept-pause
// recheck interval.
func (e *Engine) pollTimeoutMillis() int {
	if len(e.pendingPeers) > 0 {
		return 0
	}

	timeout := maxPollTimeoutMillis
	now := e.Now()

	if now < e.pauseAcceptUntil {
		timeout = acceptPauseRecheckMillis
	}

	for _, p := range e.peers {
		deadline, ok := p.Timers.NextDueAt()
		if !ok {
			continue
		}
		ms := int((deadline - now) * 1000)
		if ms < 0 {
			ms = 0
		}
		if ms < timeout {
			timeout = ms
		}
	}

	return timeout
}

func (e *Engine) buildPollSet() ([]unix.PollFd, []pollEntry) {
	var pfds []unix.PollFd
	var entries []pollEntry

	if e.parent != nil {
		ev := int16(unix.POLLIN)
		if e.parent.pending() {
			ev |= unix.POLLOUT
		}
		pfds = append(pfds, unix.PollFd{Fd: int32(e.parent.fd), Events: ev})
		entries = append(entries, pollEntry{kind: ownerParent})
	}
	if e.rde != nil {
		ev := int16(unix.POLLIN)
		if e.rde.pending() {
			ev |= unix.POLLOUT
		}
		pfds = append(pfds, unix.PollFd{Fd: int32(e.rde.fd), Events: ev})
		entries = append(entries, pollEntry{kind: ownerRDE})
	}
	if e.Now() >= e.pauseAcceptUntil {
		for key, l := range e.listeners {
			pfds = append(pfds, unix.PollFd{Fd: int32(l.fd), Events: unix.POLLIN})
			entries = append(entries, pollEntry{kind: ownerListener, key: key})
		}
	}
	for id, c := range e.conns {
		var ev int16
		if c.connecting {
			ev = unix.POLLOUT
		} else {
			ev = unix.POLLIN
			if c.queuedBytes() > 0 {
				ev |= unix.POLLOUT
			}
		}
		pfds = append(pfds, unix.PollFd{Fd: int32(c.fd), Events: ev})
		entries = append(entries, pollEntry{kind: ownerPeer, id: id})
	}

	return pfds, entries
}

func (e *Engine) dispatchReady(pfds []unix.PollFd, entries []pollEntry) {
	for i := range pfds {
		if pfds[i].Revents == 0 {
			continue
		}
		switch entries[i].kind {
		case ownerParent:
			e.serviceIPC(e.parent, true)
		case ownerRDE:
			e.serviceIPC(e.rde, false)
		case ownerListener:
			if l, ok := e.listeners[entries[i].key]; ok {
				e.acceptOne(l)
			}
		case ownerPeer:
			e.servicePeer(entries[i].id, pfds[i].Revents)
		}
	}
}

// serviceIPC drains any pending writes, reads whatever envelopes are
// available, and dispatches each to the parent or RDE handler.
func (e *Engine) serviceIPC(ch *ipcChannel, fromParent bool) {
	if ch == nil {
		return
	}
	if ch.pending() {
		if err := ch.drainWrite(); err != nil {
			e.Error().Err(err).Msg("ipc write failed")
		}
	}
	envs, err := ch.readEnvelopes()
	if err != nil {
		e.Error().Err(err).Bool("parent", fromParent).Msg("ipc channel closed")
		return
	}
	for _, env := range envs {
		if fromParent {
			e.handleParentEnvelope(env)
		} else {
			e.handleRDEEnvelope(env)
		}
	}
}

func (e *Engine) handleRDEEnvelope(env ipc.Envelope) {
	switch env.Type {
	case ipc.TypeUpdateErr:
		e.onUpdateErr(env)
	case ipc.TypeReconfDrain:
		e.onRDEDrainAck()
	}
}

func (e *Engine) onUpdateErr(env ipc.Envelope) {
	info, ok := ipc.ParseUpdateErr(env.Payload)
	if !ok {
		return
	}
	p, ok := e.peers[env.PeerID]
	if !ok {
		return
	}
	prev := p.State
	p.RejectUpdate(e.Now(), info.Errcode, info.Subcode, info.Data)
	e.afterTransition(p, prev)
}

// servicePeer handles one peer socket's readiness per §4.8: Connect-state
// writable -> SO_ERROR check -> ConOpen/ConOpenFail; POLLHUP -> ConClosed;
// POLLERR/POLLNVAL -> ConFatal; writable-with-queued-bytes -> drain, then
// XON once the queue falls back under SESS_MSG_LOW_MARK; readable -> ring
// append and message dispatch; EOF -> ConClosed.
func (e *Engine) servicePeer(id uint32, revents int16) {
	p, ok := e.peers[id]
	if !ok {
		return
	}
	c, ok := e.conns[id]
	if !ok {
		return
	}

	if revents&(unix.POLLERR|unix.POLLNVAL) != 0 {
		e.dispatch(p, fsm.EvConFatal, e.Now(), nil)
		return
	}

	if c.connecting && revents&unix.POLLOUT != 0 {
		c.connecting = false
		if err := sockopt.ConnectResult(c.fd); err != nil {
			e.dispatch(p, fsm.EvConOpenFail, e.Now(), nil)
			return
		}
		c.remoteAddr = p.Config.RemoteAddr
		c.fillLocalAddr()
		e.dispatch(p, fsm.EvConOpen, e.Now(), nil)
		return
	}

	if revents&unix.POLLHUP != 0 && revents&unix.POLLIN == 0 {
		e.dispatch(p, fsm.EvConClosed, e.Now(), nil)
		return
	}

	if revents&unix.POLLOUT != 0 && c.queuedBytes() > 0 {
		wrote, _, err := c.drainWrite()
		if err != nil {
			e.dispatch(p, fsm.EvConFatal, e.Now(), nil)
			return
		}
		// SendHold is armed only here, after bytes actually left the socket,
		// never on enqueue: max(hold time, IntervalHold), unarmed for a zero
		// negotiated hold time.
		if wrote {
			hold := int64(p.NegotiatedHoldTime)
			if p.State < fsm.OpenConfirm {
				hold = fsm.InitialHoldTime
			}
			if hold > 0 {
				if hold < fsm.IntervalHold {
					hold = fsm.IntervalHold
				}
				p.Timers.Set(timer.SendHold, e.Now(), hold)
			}
		}
		if p.Throttled && c.queuedBytes() <= e.Global.SessMsgLow {
			p.Throttled = false
			e.sendXon(id)
		}
	}

	if revents&unix.POLLIN != 0 {
		n, eof, err := c.readInto()
		if err != nil {
			e.dispatch(p, fsm.EvConFatal, e.Now(), nil)
			return
		}
		if eof {
			e.dispatch(p, fsm.EvConClosed, e.Now(), nil)
			return
		}
		if n > 0 {
			e.processInbound(p, c)
		}
	}
}

// processInbound parses up to MSG_PROCESS_LIMIT complete messages out of
// c's inbound ring per pass (§4.7 step 4: "bound the work any single busy
// peer can impose on a pass").
func (e *Engine) processInbound(p *fsm.Peer, c *peerConn) {
	limit := e.Global.MsgProcessMax
	if limit <= 0 {
		limit = 64
	}

	for i := 0; i < limit; i++ {
		typ, body, consumed, ok, err := wire.NextMessage(c.inbuf)
		if err != nil {
			e.handleWireError(p, err)
			return
		}
		if !ok {
			return
		}

		raw := append([]byte(nil), c.inbuf[:consumed]...)
		e.dumpMessage(p, c, raw)
		p.Stats.RecvByType[byte(typ)]++

		var ev fsm.Event
		switch typ {
		case wire.OPEN:
			ev = fsm.EvRcvdOpen
		case wire.KEEPALIVE:
			ev = fsm.EvRcvdKeepalive
		case wire.UPDATE:
			ev = fsm.EvRcvdUpdate
		case wire.NOTIFICATION:
			ev = fsm.EvRcvdNotification
			if n, perr := wire.ParseNotification(body); perr == nil {
				p.Stats.LastErrRecv = [2]byte{n.Errcode, n.Subcode}
			}
		case wire.REFRESH:
			c.consume(consumed)
			if e.rde != nil {
				e.rde.send(ipc.Envelope{Type: ipc.TypeRefresh, PeerID: p.Config.ID, Payload: append([]byte(nil), body...)})
			}
			continue
		default:
			c.consume(consumed)
			continue
		}

		c.consume(consumed)
		prev := p.State
		p.HandleEvent(ev, e.Now(), fsm.Data(body))
		e.afterTransition(p, prev)

		if p.FD == -1 {
			return // the socket went away as a side effect of this transition
		}
	}

	// The limit was hit, not the ring running dry. If a complete message
	// is already sitting there, queue this peer for another round next
	// pass instead of waiting on poll to tell us what we already know.
	if _, _, _, ok, err := wire.NextMessage(c.inbuf); err == nil && ok {
		e.pendingPeers = append(e.pendingPeers, p.Config.ID)
	}
}

// handleWireError converts a malformed-message error into the NOTIFICATION
// and ->Idle transition the FSM would have driven had it parsed the
// message itself: the event loop already ran wire.NextMessage before
// HandleEvent sees anything (§4.7 step 5 comment in internal/fsm.Data).
func (e *Engine) handleWireError(p *fsm.Peer, err error) {
	code, subcode := byte(wire.ErrcodeHeader), byte(0)
	if ec, ok := err.(interface{ Errcode() (byte, byte) }); ok {
		code, subcode = ec.Errcode()
	}
	prev := p.State
	p.FatalNotify(e.Now(), code, subcode, nil)
	e.afterTransition(p, prev)
}

func (e *Engine) serviceTimers() {
	now := e.Now()
	for _, p := range e.peers {
		for {
			kind, ok := p.Timers.Pop(now)
			if !ok {
				break
			}
			e.fireTimer(p, kind, now)
		}
	}
}

func (e *Engine) fireTimer(p *fsm.Peer, kind timer.Kind, now int64) {
	switch kind {
	case timer.Hold:
		e.dispatch(p, fsm.EvTimerHoldtime, now, nil)
	case timer.SendHold:
		e.dispatch(p, fsm.EvTimerSendHold, now, nil)
	case timer.Keepalive:
		e.dispatch(p, fsm.EvTimerKeepalive, now, nil)
	case timer.ConnectRetry:
		e.dispatch(p, fsm.EvTimerConnRetry, now, nil)
	case timer.IdleHold:
		e.dispatch(p, fsm.EvTimerIdleHold, now, nil)
	case timer.IdleHoldReset:
		p.OnIdleHoldReset()
	case timer.CarpUndemote:
		e.OnCarpUndemote(p)
	case timer.RestartTimeout:
		p.OnRestartTimeout()
	}
}

// dispatch is HandleEvent plus the bookkeeping every call site needs: the
// published snapshot refresh and (if MRT is open) the state-change record.
func (e *Engine) dispatch(p *fsm.Peer, ev fsm.Event, now int64, data fsm.Data) {
	prev := p.State
	p.HandleEvent(ev, now, data)
	e.afterTransition(p, prev)
}

func (e *Engine) afterTransition(p *fsm.Peer, prevState fsm.State) {
	e.stats.sync(p)
	if e.mrt == nil || prevState == p.State {
		return
	}
	var local, remote net.IP
	if c, ok := e.conns[p.Config.ID]; ok {
		local, remote = c.localAddr, c.remoteAddr
	}
	if remote == nil {
		remote = p.Config.RemoteAddr
	}
	e.mrt.Enqueue(mrtsink.StateChange(time.Now(), p.Config.RemoteAS, p.Config.LocalAS, remote, local, uint16(prevState), uint16(p.State)))
}

func (e *Engine) dumpMessage(p *fsm.Peer, c *peerConn, raw []byte) {
	if e.mrt == nil {
		return
	}
	e.mrt.Enqueue(mrtsink.Message(time.Now(), p.Config.RemoteAS, p.Config.LocalAS, c.remoteAddr, c.localAddr, raw))
}

// drainMRT flushes whatever the MRT sink has queued (§4.7 step "MRT
// writers"); a write failure is logged but not fatal (SPEC_FULL.md: losing
// the dump stream must never take a BGP session down with it).
func (e *Engine) drainMRT() {
	if e.mrt == nil || !e.mrt.Pending() {
		return
	}
	if err := e.mrt.Drain(); err != nil {
		e.Error().Err(err).Msg("mrt drain failed")
	}
}

// serviceCtrlSock gives each control socket one non-blocking accept
// attempt per pass (§4.7 step "control-client sockets"). ctrlsock.Server
// uses net.Listener rather than a raw poll fd, so this is a best-effort
// per-pass check rather than a true poll-set member; a control connection
// is expected to be a handful of queries answered promptly, not a
// long-lived stream, which this pattern serves without needing SCM-style
// fd extraction out of *net.UnixListener.
func (e *Engine) serviceCtrlSock() {
	if e.ctrl == nil {
		return
	}
	for _, restricted := range [...]bool{false, true} {
		if _, err := e.ctrl.TryServeOne(restricted); err != nil {
			e.Error().Err(err).Bool("restricted", restricted).Msg("ctrlsock accept failed")
		}
	}
}
