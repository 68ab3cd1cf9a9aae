package engine

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nextbgpd/sessiond/internal/fsm"
)

func TestStatsTableSyncAndAllNeighbors(t *testing.T) {
	tbl := newStatsTable()
	p := fsm.NewPeer(fsm.Config{
		ID:          3,
		Description: "edge-router",
		RemoteAddr:  net.ParseIP("192.0.2.3"),
		RemoteAS:    65003,
		HoldTime:    90,
	}, nil)
	p.Stats.RecvByType[1] = 4
	p.Stats.SentByType[4] = 12

	tbl.sync(p)

	snap, ok := tbl.Neighbor(3)
	require.True(t, ok)
	require.Equal(t, "edge-router", snap.Description)
	require.EqualValues(t, 4, snap.RecvByType[1])
	require.EqualValues(t, 12, snap.SentByType[4])

	all := tbl.AllNeighbors()
	require.Len(t, all, 1)
}

func TestStatsTableSnapshotIsACopyOfCounters(t *testing.T) {
	tbl := newStatsTable()
	p := fsm.NewPeer(fsm.Config{ID: 1}, nil)
	p.Stats.RecvByType[1] = 1
	tbl.sync(p)

	p.Stats.RecvByType[1] = 99 // mutate the live peer after publishing

	snap, ok := tbl.Neighbor(1)
	require.True(t, ok)
	require.EqualValues(t, 1, snap.RecvByType[1], "snapshot must not alias the live peer's counters")
}

func TestStatsTableRemove(t *testing.T) {
	tbl := newStatsTable()
	p := fsm.NewPeer(fsm.Config{ID: 1}, nil)
	tbl.sync(p)

	tbl.remove(1)

	_, ok := tbl.Neighbor(1)
	require.False(t, ok)
}
