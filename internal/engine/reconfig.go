package engine

import (
	"encoding/json"
	"fmt"
	"net"

	"github.com/nextbgpd/sessiond/internal/config"
	"github.com/nextbgpd/sessiond/internal/fsm"
	"github.com/nextbgpd/sessiond/internal/ipc"
	"github.com/nextbgpd/sessiond/internal/mrtsink"
)

// handleParentEnvelope dispatches one envelope read off the parent pipe
// (§6 "Parent sends ReconfConf then one ReconfPeer per peer and one
// ReconfListener per listener... Parent sends ReconfDrain... Parent sends
// ReconfDone").
func (e *Engine) handleParentEnvelope(env ipc.Envelope) {
	switch env.Type {
	case ipc.TypeReconfConf:
		e.onReconfConf(env)
	case ipc.TypeReconfPeer:
		e.onReconfPeer(env)
	case ipc.TypeReconfListener:
		e.onReconfListener(env)
	case ipc.TypeReconfDrain:
		e.onReconfDrain()
	case ipc.TypeReconfDone:
		e.onReconfDone()
	case ipc.TypeShutdown:
		e.quit = true
	case ipc.TypeMrtOpen, ipc.TypeMrtReopen:
		e.onMrtOpen(env)
	case ipc.TypeMrtClose:
		e.onMrtClose()
	}
}

func decodeRaw(payload []byte) (map[string]interface{}, error) {
	var raw map[string]interface{}
	if len(payload) == 0 {
		return raw, nil
	}
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("engine: reconf payload: %w", err)
	}
	return raw, nil
}

// onReconfConf starts a fresh shadow config, staged until ReconfDone (§6).
func (e *Engine) onReconfConf(env ipc.Envelope) {
	raw, err := decodeRaw(env.Payload)
	if err != nil {
		e.Error().Err(err).Msg("ReconfConf: bad payload")
		return
	}
	e.shadow = config.NewShadow()
	if err := e.shadow.SetGlobal(raw); err != nil {
		e.Error().Err(err).Msg("ReconfConf: SetGlobal failed")
	}
}

// onReconfPeer stages one peer entry. The peer-id travels in the envelope's
// PeerID field, not the JSON body.
func (e *Engine) onReconfPeer(env ipc.Envelope) {
	if e.shadow == nil {
		e.Error().Msg("ReconfPeer received before ReconfConf")
		return
	}
	raw, err := decodeRaw(env.Payload)
	if err != nil {
		e.Error().Err(err).Uint32("peer", env.PeerID).Msg("ReconfPeer: bad payload")
		return
	}
	if err := e.shadow.AddPeer(env.PeerID, raw); err != nil {
		e.Error().Err(err).Uint32("peer", env.PeerID).Msg("ReconfPeer: AddPeer failed")
	}
}

// onReconfListener stages one listener entry. The fd a ListenerReinit entry
// needs travels alongside the envelope as SCM_RIGHTS ancillary data in
// production; tests and the in-process harness pass it pre-decoded in the
// JSON body's "fd" field instead.
func (e *Engine) onReconfListener(env ipc.Envelope) {
	if e.shadow == nil {
		e.Error().Msg("ReconfListener received before ReconfConf")
		return
	}
	raw, err := decodeRaw(env.Payload)
	if err != nil {
		e.Error().Err(err).Msg("ReconfListener: bad payload")
		return
	}
	addr, _ := raw["addr"].(string)
	port, _ := raw["port"].(float64)
	action, _ := raw["action"].(float64)
	fd, _ := raw["fd"].(float64)

	e.shadow.AddListener(parseIPOrNil(addr), int(port), config.ListenerAction(action), int(fd))
}

func parseIPOrNil(s string) (ip net.IP) {
	return net.ParseIP(s)
}

// onReconfDrain forwards the RDE-drain handshake and, once the RDE confirms
// it has flushed its own pending reconfiguration, tells the parent the
// engine is ready for ReconfDone (§6).
func (e *Engine) onReconfDrain() {
	if e.rde != nil {
		e.rde.send(ipc.Envelope{Type: ipc.TypeReconfDrain})
		return
	}
	// no RDE attached (e.g. a test harness): nothing to drain, go straight
	// to telling the parent we're ready.
	if e.parent != nil {
		e.parent.send(ipc.Envelope{Type: ipc.TypeReconfDone})
	}
}

// onRDEDrainAck is called when the RDE answers ReconfDrain: the engine can
// now tell the parent it is ready for ReconfDone.
func (e *Engine) onRDEDrainAck() {
	if e.parent != nil {
		e.parent.send(ipc.Envelope{Type: ipc.TypeReconfDone})
	}
}

// onReconfDone atomically swaps the staged shadow config into the live
// config (§6 "Parent sends ReconfDone; engine atomically swaps shadow ->
// live"): existing peers keep their *fsm.Peer (and hence session state),
// new peers are created in None/Idle, and peers absent from the shadow are
// torn down.
func (e *Engine) onReconfDone() {
	if e.shadow == nil {
		return
	}
	shadow := e.shadow
	e.shadow = nil

	live := make(map[uint32]fsm.Config, len(e.peers))
	for id, p := range e.peers {
		live[id] = p.Config
	}

	res := config.Merge(live, shadow)
	e.Global = shadow.Global

	for _, id := range res.Removed {
		e.RemovePeer(id)
	}
	for _, id := range res.Updated {
		p := e.peers[id]
		p.Config = live[id]
		e.stats.sync(p)
	}
	for _, id := range res.New {
		p := e.AddPeer(live[id])
		e.dispatch(p, fsm.EvStart, e.Now(), nil)
	}

	e.reconcileListeners(shadow.Listeners)
}

// reconcileListeners applies a ReconfListener batch's KEEP/REINIT/CLOSE
// verdicts (§6 "existing entries are marked KEEP or REINIT... absent
// entries are closed").
func (e *Engine) reconcileListeners(entries []config.Listener) {
	wanted := make(map[string]bool, len(entries))
	for _, l := range entries {
		key := addrKey(l.Addr, l.Port)
		wanted[key] = true
		switch l.Action {
		case config.ListenerReinit:
			e.AddListener(l.Addr, l.Port, l.FD)
		case config.ListenerClose:
			e.RemoveListener(l.Addr, l.Port)
		case config.ListenerKeep:
			// nothing to do; fd already installed
		}
	}
	for key, l := range e.listeners {
		if !wanted[key] {
			e.RemoveListener(l.addr, l.port)
		}
	}
}

func (e *Engine) onMrtOpen(env ipc.Envelope) {
	raw, err := decodeRaw(env.Payload)
	if err != nil {
		e.Error().Err(err).Msg("MrtOpen: bad payload")
		return
	}
	path, _ := raw["path"].(string)
	if path == "" {
		return
	}
	if e.mrt != nil {
		e.mrt.Close()
	}
	sink, err := mrtsink.Open(path)
	if err != nil {
		e.Error().Err(err).Str("path", path).Msg("MrtOpen failed")
		return
	}
	e.mrt = sink
}

func (e *Engine) onMrtClose() {
	if e.mrt == nil {
		return
	}
	e.mrt.Close()
	e.mrt = nil
}
