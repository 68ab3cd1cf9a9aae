package fsm

import (
	"testing"

	"github.com/nextbgpd/sessiond/internal/aid"
	"github.com/nextbgpd/sessiond/internal/caps"
	"github.com/nextbgpd/sessiond/internal/timer"
	"github.com/nextbgpd/sessiond/internal/wire"
	"github.com/stretchr/testify/require"
)

// fakeHost is a recording Host double: every side effect is appended to a
// log instead of touching sockets or IPC, so transitions stay pure to test.
type fakeHost struct {
	now int64

	connects     int
	closes       int
	reloadAuths  int
	enqueued     [][]byte
	up           int
	down         int
	stale        []aid.AID
	flush        []aid.AID
	relayErr     error
	relayCalls   int
}

func (h *fakeHost) Now() int64                 { return h.now }
func (h *fakeHost) Connect(p *Peer)             { h.connects++ }
func (h *fakeHost) CloseFD(p *Peer)             { h.closes++; p.FD = -1 }
func (h *fakeHost) ReloadAuth(p *Peer)          { h.reloadAuths++ }
func (h *fakeHost) Enqueue(p *Peer, f []byte)   { h.enqueued = append(h.enqueued, f) }
func (h *fakeHost) SessionUp(p *Peer)           { h.up++ }
func (h *fakeHost) SessionDown(p *Peer)         { h.down++ }
func (h *fakeHost) SessionStale(p *Peer, a aid.AID) { h.stale = append(h.stale, a) }
func (h *fakeHost) SessionFlush(p *Peer, a aid.AID) { h.flush = append(h.flush, a) }
func (h *fakeHost) RelayUpdate(p *Peer, body []byte) error {
	h.relayCalls++
	return h.relayErr
}

func newTestPeer(h *fakeHost) *Peer {
	cfg := Config{
		ID:       1,
		RemoteAS: 65001,
		LocalAS:  65000,
		HoldTime: 90,
		Announced: caps.NewSet(),
	}
	p := NewPeer(cfg, h)
	p.State = Idle
	p.PrevState = Idle
	return p
}

func openBody(asn uint16, holdTime uint16, id uint32, optParams []byte) []byte {
	o := wire.Open{Version: 4, ASN: asn, HoldTime: holdTime, Identifier: id, OptParams: optParams}
	full := o.Marshal(nil)
	return full[wire.HeaderLen:]
}

func TestIdleStartActiveConnect(t *testing.T) {
	h := &fakeHost{now: 1000}
	p := newTestPeer(h)

	p.HandleEvent(EvStart, h.now, nil)

	require.Equal(t, Connect, p.State)
	require.Equal(t, 1, h.connects)
	require.True(t, p.Timers.Running(timer.ConnectRetry))
}

func TestIdleStartPassiveGoesActive(t *testing.T) {
	h := &fakeHost{now: 1000}
	p := newTestPeer(h)
	p.Config.Passive = true

	p.HandleEvent(EvStart, h.now, nil)

	require.Equal(t, Active, p.State)
	require.Equal(t, 0, h.connects)
}

func TestConnectToOpenSentSendsOpenAndArmsHold(t *testing.T) {
	h := &fakeHost{now: 1000}
	p := newTestPeer(h)
	p.State = Connect

	p.HandleEvent(EvConOpen, h.now, nil)

	require.Equal(t, OpenSent, p.State)
	require.Len(t, h.enqueued, 1)
	_, typ, err := wire.ParseHeader(h.enqueued[0])
	require.NoError(t, err)
	require.Equal(t, wire.OPEN, typ)
}

func TestFullHandshakeToEstablished(t *testing.T) {
	h := &fakeHost{now: 1000}
	p := newTestPeer(h)
	p.State = Connect

	p.HandleEvent(EvConOpen, h.now, nil)
	require.Equal(t, OpenSent, p.State)

	body := openBody(65001, 90, 0x01020304, nil)
	p.HandleEvent(EvRcvdOpen, h.now, body)
	require.Equal(t, OpenConfirm, p.State, "valid OPEN should move to OpenConfirm")

	p.HandleEvent(EvRcvdKeepalive, h.now, nil)
	require.Equal(t, Established, p.State)
	require.Equal(t, 1, h.up)
	require.EqualValues(t, 90, p.NegotiatedHoldTime)
}

func TestBadHoldTimeRejectsOpen(t *testing.T) {
	h := &fakeHost{now: 1000}
	p := newTestPeer(h)
	p.State = OpenSent

	body := openBody(65001, 1, 0x01020304, nil)
	p.HandleEvent(EvRcvdOpen, h.now, body)

	require.Equal(t, Idle, p.State)
	require.Len(t, h.enqueued, 1)
	_, typ, err := wire.ParseHeader(h.enqueued[0])
	require.NoError(t, err)
	require.Equal(t, wire.NOTIFICATION, typ)
}

func TestAtMostOneNotificationPerSession(t *testing.T) {
	h := &fakeHost{now: 1000}
	p := newTestPeer(h)
	p.State = OpenSent

	p.HandleEvent(EvTimerHoldtime, h.now, nil)
	require.Equal(t, Idle, p.State)
	require.Len(t, h.enqueued, 1)

	// a second fatal condition on the same (now-idle) peer must not re-fire
	// sendNotification; NotifiedOnce is reset on entering Idle, matching
	// invariant (iv) scoped to one connection attempt, not peer lifetime.
	p.NotifiedOnce = true
	p.sendNotification(wire.ErrcodeCease, 0, nil)
	require.Len(t, h.enqueued, 1)
}

func TestIdleHoldDoublesOnRepeatedFailure(t *testing.T) {
	h := &fakeHost{now: 1000}
	p := newTestPeer(h)
	p.State = Connect
	start := p.IdleHoldTime

	p.HandleEvent(EvConOpenFail, h.now, nil)
	p.HandleEvent(EvTimerConnRetry, h.now, nil) // Active -> back toward Connect, no idle transition

	// Force an actual ->Idle transition via an unexpected event from Active.
	p.State = Active
	p.HandleEvent(EvRcvdUpdate, h.now, nil)
	require.Equal(t, Idle, p.State)
	require.Greater(t, p.IdleHoldTime, start)
	require.LessOrEqual(t, p.IdleHoldTime, int64(MaxIdleHoldHalf))
}

func TestIdleHoldNeverExceedsMaxIdleHoldHalf(t *testing.T) {
	h := &fakeHost{now: 1000}
	p := newTestPeer(h)
	p.IdleHoldTime = MaxIdleHoldHalf - 10

	p.State = Active
	p.HandleEvent(EvRcvdUpdate, h.now, nil)

	require.LessOrEqual(t, p.IdleHoldTime, int64(MaxIdleHoldHalf))
}

func TestEstablishedRcvdNotificationHalvesIdleHold(t *testing.T) {
	h := &fakeHost{now: 1000}
	p := newTestPeer(h)
	p.State = Established
	p.IdleHoldTime = 120

	p.HandleEvent(EvRcvdNotification, h.now, nil)

	require.Equal(t, Idle, p.State)
	require.Equal(t, int64(60), p.IdleHoldTime)
	require.Equal(t, 1, h.down)
}

func TestEstablishedRelayUpdateErrorDropsToIdle(t *testing.T) {
	h := &fakeHost{now: 1000, relayErr: errRDEReject{}}
	p := newTestPeer(h)
	p.State = Established
	p.NegotiatedHoldTime = 90

	p.HandleEvent(EvRcvdUpdate, h.now, []byte{0, 0, 0, 0})

	require.Equal(t, Idle, p.State)
	require.Equal(t, 1, h.relayCalls)
	require.Equal(t, 1, h.down)
}

func TestEstablishedGracefulRestartPathSkipsSessionDown(t *testing.T) {
	h := &fakeHost{now: 1000}
	p := newTestPeer(h)
	p.State = Established
	p.Config.GracefulRestart = GRPreserveStale
	p.NegotiatedCaps = caps.NewSet()
	p.NegotiatedCaps.GR.Flags[aid.AID_INET] = caps.GRPresent | caps.GRForward

	p.HandleEvent(EvConClosed, h.now, nil)

	require.Equal(t, Idle, p.State)
	require.Equal(t, 0, h.down, "graceful restart must not emit SessionDown")
	require.Equal(t, []aid.AID{aid.AID_INET}, h.stale)
	require.True(t, p.Timers.Running(timer.RestartTimeout))
}

func TestEstablishedPlainConnLossEmitsSessionDown(t *testing.T) {
	h := &fakeHost{now: 1000}
	p := newTestPeer(h)
	p.State = Established

	p.HandleEvent(EvConClosed, h.now, nil)

	require.Equal(t, Idle, p.State)
	require.Equal(t, 1, h.down)
}

func TestEstablishedSendHoldTimeoutSendsDistinctErrcode(t *testing.T) {
	h := &fakeHost{now: 1000}
	p := newTestPeer(h)
	p.State = Established

	p.HandleEvent(EvTimerSendHold, h.now, nil)

	require.Equal(t, Idle, p.State)
	require.Len(t, h.enqueued, 1)
	_, typ, err := wire.ParseHeader(h.enqueued[0])
	require.NoError(t, err)
	require.Equal(t, wire.NOTIFICATION, typ)
	n, err := wire.ParseNotification(h.enqueued[0][wire.HeaderLen:])
	require.NoError(t, err)
	require.Equal(t, byte(wire.ErrcodeSendHoldExpired), n.Errcode, "a SendHold timeout must not be misreported as ErrcodeFSM")
}

func TestOnRestartTimeoutFlushesStillRestartingAIDs(t *testing.T) {
	h := &fakeHost{now: 1000}
	p := newTestPeer(h)
	p.NegotiatedCaps = caps.NewSet()
	p.NegotiatedCaps.GR.Flags[aid.AID_INET] = caps.GRPresent | caps.GRRestarting

	p.OnRestartTimeout()

	require.Equal(t, []aid.AID{aid.AID_INET}, h.flush)
	require.True(t, p.NegotiatedCaps.GR.Flags[aid.AID_INET]&caps.GRRestarting == 0)
}

func TestOnIdleHoldResetZeroesErrCntAndBackoff(t *testing.T) {
	h := &fakeHost{now: 1000}
	p := newTestPeer(h)
	p.IdleHoldTime = 960
	p.ErrCnt = 4

	p.OnIdleHoldReset()

	require.EqualValues(t, IdleHoldInitial, p.IdleHoldTime)
	require.Zero(t, p.ErrCnt)
}

type errRDEReject struct{}

func (errRDEReject) Error() string { return "rde rejected update" }
