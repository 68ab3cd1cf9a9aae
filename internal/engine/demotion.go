package engine

import "github.com/nextbgpd/sessiond/internal/fsm"

// DemotionGroup implements the carp(4)/pfsyncd demotion-counter integration
// ([EXPANSION] SUPPLEMENTED FEATURES): a named counter incremented whenever
// a member session drops out of Established, decremented once its
// CarpUndemote grace timer fires. An external failover daemon watches the
// counter (via the control socket) to decide whether this node's sessions
// are healthy enough to take over as active.
//
// Grounded on session.c's carp_demote counter, reshaped as a small
// in-memory struct rather than a syscall to a carp(4) device -- driving the
// actual network interface is an out-of-scope external collaborator, same
// as RDE and the parent.
type DemotionGroup struct {
	Name    string
	Counter int
}

// demotionFor returns (creating if needed) the DemotionGroup p belongs to.
// Peers with no demotion group configured share the unnamed "" group, which
// is harmless: nothing reads it unless the peer had Demoted set.
func (e *Engine) demotionFor(p *fsm.Peer) *DemotionGroup {
	name := p.Config.DemotionGroup
	g, ok := e.demotions[name]
	if !ok {
		g = &DemotionGroup{Name: name}
		e.demotions[name] = g
	}
	return g
}

func (g *DemotionGroup) demote() { g.Counter++ }

func (g *DemotionGroup) release() {}

// OnCarpUndemote is the event loop's callback for a matured CarpUndemote
// timer: decrements the group counter and clears the peer's Demoted flag.
func (e *Engine) OnCarpUndemote(p *fsm.Peer) {
	g := e.demotionFor(p)
	if g.Counter > 0 {
		g.Counter--
	}
	p.OnCarpUndemote()
}
