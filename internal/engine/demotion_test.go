package engine

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nextbgpd/sessiond/internal/fsm"
)

func TestDemotionGroupCountsSessionDown(t *testing.T) {
	e := newTestEngine()
	p := e.AddPeer(fsm.Config{ID: 1, DemotionGroup: "carp0"})

	e.SessionDown(p)

	g := e.demotionFor(p)
	require.Equal(t, "carp0", g.Name)
	require.Equal(t, 1, g.Counter)
}

func TestDemotionGroupSharedByName(t *testing.T) {
	e := newTestEngine()
	p1 := e.AddPeer(fsm.Config{ID: 1, DemotionGroup: "carp0"})
	p2 := e.AddPeer(fsm.Config{ID: 2, DemotionGroup: "carp0"})

	e.SessionDown(p1)
	e.SessionDown(p2)

	require.Equal(t, 2, e.demotionFor(p1).Counter)
	require.Same(t, e.demotionFor(p1), e.demotionFor(p2))
}

func TestOnCarpUndemoteDecrementsAndClearsFlag(t *testing.T) {
	e := newTestEngine()
	p := e.AddPeer(fsm.Config{ID: 1, DemotionGroup: "carp0"})
	p.Demoted = true
	e.demotionFor(p).Counter = 2

	e.OnCarpUndemote(p)

	require.Equal(t, 1, e.demotionFor(p).Counter)
	require.False(t, p.Demoted)
}

func TestOnCarpUndemoteNeverGoesNegative(t *testing.T) {
	e := newTestEngine()
	p := e.AddPeer(fsm.Config{ID: 1, DemotionGroup: "carp0"})

	e.OnCarpUndemote(p)

	require.Equal(t, 0, e.demotionFor(p).Counter)
}
