package engine

import (
	"net"

	"github.com/nextbgpd/sessiond/internal/fsm"
)

// AddPeer inserts a newly configured peer in state None (§3 "Initial state
// after peer creation is None"; §9 "an ordered map keyed by peer-id plus a
// secondary index by remote-address").
func (e *Engine) AddPeer(cfg fsm.Config) *fsm.Peer {
	p := fsm.NewPeer(cfg, e)
	e.peers[cfg.ID] = p
	if cfg.RemoteAddr != nil {
		e.addrIndex[ipKey(cfg.RemoteAddr)] = cfg.ID
	}
	e.stats.sync(p)
	return p
}

// RemovePeer tears a peer down (§5 Cancellation: final NOTIFICATION if the
// session reached OpenSent or later, stop all timers, then free).
func (e *Engine) RemovePeer(id uint32) {
	p, ok := e.peers[id]
	if !ok {
		return
	}
	if p.State >= fsm.OpenSent {
		e.dispatch(p, fsm.EvStop, e.Now(), nil)
	}
	e.CloseFD(p)
	p.Timers.StopAll()
	delete(e.peers, id)
	if p.Config.RemoteAddr != nil {
		delete(e.addrIndex, ipKey(p.Config.RemoteAddr))
	}
	e.stats.remove(id)
}

// findPeerByRemote returns the peer an inbound connection from remote
// should be attributed to: an exact configured match, or else the nearest
// template peer willing to clone (§3, §4.6 "if a template and no configured
// remote_as, adopt the parsed AS"). Matching is by address alone: an
// inbound connection's source port is the remote's ephemeral client port,
// never its configured remote_port.
func (e *Engine) findPeerByRemote(remote net.IP) *fsm.Peer {
	if id, ok := e.addrIndex[ipKey(remote)]; ok {
		return e.peers[id]
	}
	for _, p := range e.peers {
		if p.Config.Template {
			return p
		}
	}
	return nil
}

// cloneTemplate creates a fresh, non-template peer from tmpl for an inbound
// connection from remote, the way session.c clones a template session on
// first contact. The clone inherits every configured field except identity
// (ID, RemoteAddr, TemplateParent).
func (e *Engine) cloneTemplate(tmpl *fsm.Peer, remote net.IP) *fsm.Peer {
	e.nextCloneID++
	cfg := tmpl.Config
	cfg.ID = 1<<31 | e.nextCloneID // high bit marks synthetic ids, keeps them out of the configured id-space
	cfg.RemoteAddr = remote
	cfg.Template = false
	cfg.TemplateParent = tmpl.Config.ID

	clone := e.AddPeer(cfg)
	e.dispatch(clone, fsm.EvStart, e.Now(), nil)
	return clone
}

// Peer returns the peer for id, for tests and ctrlsock wiring.
func (e *Engine) Peer(id uint32) (*fsm.Peer, bool) {
	p, ok := e.peers[id]
	return p, ok
}
