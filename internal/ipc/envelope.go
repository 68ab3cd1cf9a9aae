// Package ipc implements the length-prefixed typed envelope (§6) the engine
// exchanges with the parent supervisor and the RDE: a fixed header plus an
// opaque payload. The header framing mirrors internal/wire's BGP header
// codec (and, underneath both, the teacher's msg/msg.go WriteTo/FromBytes
// idiom) applied to a different fixed-header shape.
package ipc

import (
	"encoding/binary"
	"fmt"
)

// HeaderLen is the fixed envelope header size: type(4) + peer-id(4) + pid(4)
// + len(2) (§6 "A length-prefixed typed envelope {type:u32, peer-id:u32,
// pid:u32, len:u16, fd?}"). The optional fd never travels in the payload
// bytes themselves — it rides the accompanying SCM_RIGHTS ancillary data on
// the Unix socket the envelope is read from/written to, so HeaderLen does
// not reserve space for it.
const HeaderLen = 14

// MaxPayload bounds a single envelope's payload so a malformed length field
// cannot make the reader allocate unbounded memory.
const MaxPayload = 1 << 20

// Type is the envelope's message type (§6).
type Type uint32

const (
	// Parent -> engine
	TypeSocketConn Type = iota + 1
	TypeSocketConnCtl
	TypeReconfConf
	TypeReconfPeer
	TypeReconfListener
	TypeReconfCtrl
	TypeReconfDrain
	TypeReconfDone
	TypeSessionDependOn
	TypeMrtOpen
	TypeMrtReopen
	TypeMrtClose
	TypeShutdown

	// Engine -> RDE
	TypeSessionAdd
	TypeSessionUp
	TypeSessionDown
	TypeSessionStale
	TypeSessionNoGrace
	TypeSessionFlush
	TypeSessionRestarted
	TypeUpdate
	TypeRefresh
	TypeXOn
	TypeXOff
	TypePfkeyReload

	// RDE -> engine
	TypeUpdateErr
)

func (t Type) String() string {
	switch t {
	case TypeSocketConn:
		return "SocketConn"
	case TypeSocketConnCtl:
		return "SocketConnCtl"
	case TypeReconfConf:
		return "ReconfConf"
	case TypeReconfPeer:
		return "ReconfPeer"
	case TypeReconfListener:
		return "ReconfListener"
	case TypeReconfCtrl:
		return "ReconfCtrl"
	case TypeReconfDrain:
		return "ReconfDrain"
	case TypeReconfDone:
		return "ReconfDone"
	case TypeSessionDependOn:
		return "SessionDependOn"
	case TypeMrtOpen:
		return "MrtOpen"
	case TypeMrtReopen:
		return "MrtReopen"
	case TypeMrtClose:
		return "MrtClose"
	case TypeShutdown:
		return "Shutdown"
	case TypeSessionAdd:
		return "SessionAdd"
	case TypeSessionUp:
		return "SessionUp"
	case TypeSessionDown:
		return "SessionDown"
	case TypeSessionStale:
		return "SessionStale"
	case TypeSessionNoGrace:
		return "SessionNoGrace"
	case TypeSessionFlush:
		return "SessionFlush"
	case TypeSessionRestarted:
		return "SessionRestarted"
	case TypeUpdate:
		return "Update"
	case TypeRefresh:
		return "Refresh"
	case TypeXOn:
		return "XOn"
	case TypeXOff:
		return "XOff"
	case TypePfkeyReload:
		return "PfkeyReload"
	case TypeUpdateErr:
		return "UpdateErr"
	default:
		return "Unknown"
	}
}

// Envelope is one framed IPC message.
type Envelope struct {
	Type    Type
	PeerID  uint32
	PID     uint32 // sender's process-id; mostly diagnostic
	Payload []byte
}

// Marshal appends the wire representation of e to dst.
func (e *Envelope) Marshal(dst []byte) []byte {
	hdr := make([]byte, HeaderLen)
	binary.BigEndian.PutUint32(hdr[0:4], uint32(e.Type))
	binary.BigEndian.PutUint32(hdr[4:8], e.PeerID)
	binary.BigEndian.PutUint32(hdr[8:12], e.PID)
	binary.BigEndian.PutUint16(hdr[12:14], uint16(len(e.Payload)))
	dst = append(dst, hdr...)
	return append(dst, e.Payload...)
}

// NextEnvelope scans buf (an IPC pipe's inbound ring) for one complete
// envelope. It mirrors wire.NextMessage's short-buffer-is-not-an-error
// contract so the same ring-buffering pattern works for both BGP peer
// sockets and IPC pipes.
func NextEnvelope(buf []byte) (e Envelope, consumed int, ok bool, err error) {
	if len(buf) < HeaderLen {
		return Envelope{}, 0, false, nil
	}

	typ := Type(binary.BigEndian.Uint32(buf[0:4]))
	peerID := binary.BigEndian.Uint32(buf[4:8])
	pid := binary.BigEndian.Uint32(buf[8:12])
	plen := int(binary.BigEndian.Uint16(buf[12:14]))

	if plen > MaxPayload {
		return Envelope{}, 0, false, fmt.Errorf("ipc: payload length %d exceeds max %d", plen, MaxPayload)
	}

	total := HeaderLen + plen
	if len(buf) < total {
		return Envelope{}, 0, false, nil // incomplete, keep buffering
	}

	e = Envelope{Type: typ, PeerID: peerID, PID: pid, Payload: buf[HeaderLen:total]}
	return e, total, true, nil
}
