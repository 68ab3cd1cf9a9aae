package engine

import (
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/nextbgpd/sessiond/internal/ctrlsock"
	"github.com/nextbgpd/sessiond/internal/fsm"
)

// statsTable is the lock-free snapshot map the control-socket goroutine
// reads (via ctrlsock.Snapshots) while the loop goroutine writes it on
// every SessionUp/SessionDown and state change (§6, SPEC_FULL.md ambient-
// stack notes on puzpuzpuz/xsync). Grounded on the teacher's filter.Eval,
// the one place in the pack that reaches for xsync.MapOf directly rather
// than through pipe.Pipe's KV store.
type statsTable struct {
	m *xsync.MapOf[uint32, ctrlsock.NeighborSnapshot]
}

func newStatsTable() *statsTable {
	return &statsTable{m: xsync.NewMapOf[uint32, ctrlsock.NeighborSnapshot]()}
}

// sync refreshes p's published snapshot from its current live fields. The
// event loop calls this after every state transition, not just on
// SessionUp/SessionDown, so show_neighbor reflects Idle/Connect/OpenSent
// peers too.
func (t *statsTable) sync(p *fsm.Peer) {
	t.m.Store(p.Config.ID, snapshotOf(p))
}

func (t *statsTable) recordUp(p *fsm.Peer) {
	t.sync(p)
}

func (t *statsTable) recordDown(p *fsm.Peer) {
	t.sync(p)
}

func (t *statsTable) remove(id uint32) {
	t.m.Delete(id)
}

// Neighbor implements ctrlsock.Snapshots.
func (t *statsTable) Neighbor(id uint32) (ctrlsock.NeighborSnapshot, bool) {
	return t.m.Load(id)
}

// AllNeighbors implements ctrlsock.Snapshots.
func (t *statsTable) AllNeighbors() []ctrlsock.NeighborSnapshot {
	out := make([]ctrlsock.NeighborSnapshot, 0, t.m.Size())
	t.m.Range(func(_ uint32, v ctrlsock.NeighborSnapshot) bool {
		out = append(out, v)
		return true
	})
	return out
}

func snapshotOf(p *fsm.Peer) ctrlsock.NeighborSnapshot {
	sent := make(map[byte]uint64, len(p.Stats.SentByType))
	for k, v := range p.Stats.SentByType {
		sent[k] = v
	}
	recv := make(map[byte]uint64, len(p.Stats.RecvByType))
	for k, v := range p.Stats.RecvByType {
		recv[k] = v
	}
	return ctrlsock.NeighborSnapshot{
		ID:                 p.Config.ID,
		Description:        p.Config.Description,
		RemoteAddr:         p.Config.RemoteAddr,
		RemoteAS:           p.Config.RemoteAS,
		State:              p.State,
		LastUpDown:         p.Stats.LastUpDown,
		ErrCnt:             p.ErrCnt,
		IdleHoldTime:       p.IdleHoldTime,
		LastErrSent:        p.Stats.LastErrSent,
		LastErrRecv:        p.Stats.LastErrRecv,
		SentByType:         sent,
		RecvByType:         recv,
		HoldTime:           p.Config.HoldTime,
		NegotiatedHoldTime: p.NegotiatedHoldTime,
	}
}
