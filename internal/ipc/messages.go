package ipc

import (
	"encoding/binary"
	"net"

	"github.com/nextbgpd/sessiond/internal/aid"
)

// SessionUpInfo is the payload of a SessionUp message (§6 "SessionUp
// (local+remote addrs, negotiated capabilities, peer BGP-ID, short-AS,
// alternate local address, scope-id)"). Capability encoding is left to
// internal/caps (MarshalCaps); SessionUpInfo only carries the session
// identity fields the RDE needs that aren't already capability TLVs.
type SessionUpInfo struct {
	Local, Remote net.IP
	AltLocal      net.IP // zero-length if none discovered
	ScopeID       uint32
	PeerBGPID     uint32
	ShortAS       uint16
	Caps          []byte // caller-supplied MarshalCaps() output
}

func putIP(dst []byte, ip net.IP) []byte {
	if v4 := ip.To4(); v4 != nil {
		dst = append(dst, 4)
		return append(dst, v4...)
	}
	if v6 := ip.To16(); v6 != nil {
		dst = append(dst, 6)
		return append(dst, v6...)
	}
	return append(dst, 0)
}

func getIP(buf []byte) (ip net.IP, rest []byte) {
	if len(buf) == 0 {
		return nil, buf
	}
	switch buf[0] {
	case 4:
		return net.IP(buf[1:5]), buf[5:]
	case 6:
		return net.IP(buf[1:17]), buf[17:]
	default:
		return nil, buf[1:]
	}
}

// MarshalSessionUp builds the SessionUp payload.
func MarshalSessionUp(info SessionUpInfo) []byte {
	buf := make([]byte, 0, 64+len(info.Caps))
	buf = putIP(buf, info.Local)
	buf = putIP(buf, info.Remote)
	buf = putIP(buf, info.AltLocal)
	buf = binary.BigEndian.AppendUint32(buf, info.ScopeID)
	buf = binary.BigEndian.AppendUint32(buf, info.PeerBGPID)
	buf = binary.BigEndian.AppendUint16(buf, info.ShortAS)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(info.Caps)))
	return append(buf, info.Caps...)
}

// ParseSessionUp decodes a SessionUp payload.
func ParseSessionUp(payload []byte) (info SessionUpInfo, ok bool) {
	buf := payload
	info.Local, buf = getIP(buf)
	info.Remote, buf = getIP(buf)
	info.AltLocal, buf = getIP(buf)
	if len(buf) < 12 {
		return SessionUpInfo{}, false
	}
	info.ScopeID = binary.BigEndian.Uint32(buf[0:4])
	info.PeerBGPID = binary.BigEndian.Uint32(buf[4:8])
	info.ShortAS = binary.BigEndian.Uint16(buf[8:10])
	capLen := int(binary.BigEndian.Uint16(buf[10:12]))
	buf = buf[12:]
	if capLen > len(buf) {
		return SessionUpInfo{}, false
	}
	info.Caps = buf[:capLen]
	return info, true
}

// MarshalAID builds the single-byte payload SessionStale/SessionFlush/
// SessionRestarted/SessionNoGrace carry.
func MarshalAID(a aid.AID) []byte { return []byte{byte(a)} }

// ParseAID decodes that single-byte payload.
func ParseAID(payload []byte) (aid.AID, bool) {
	if len(payload) != 1 {
		return 0, false
	}
	return aid.AID(payload[0]), true
}

// UpdateErrInfo is the RDE -> engine UpdateErr payload: the NOTIFICATION
// errcode/subcode the RDE wants sent for a rejected UPDATE, plus the
// optional offending-attribute data (§7 "BgpUpdateError (relayed from
// RDE)").
type UpdateErrInfo struct {
	Errcode, Subcode byte
	Data             []byte
}

func MarshalUpdateErr(info UpdateErrInfo) []byte {
	buf := make([]byte, 2, 2+len(info.Data))
	buf[0], buf[1] = info.Errcode, info.Subcode
	return append(buf, info.Data...)
}

func ParseUpdateErr(payload []byte) (info UpdateErrInfo, ok bool) {
	if len(payload) < 2 {
		return UpdateErrInfo{}, false
	}
	info.Errcode, info.Subcode = payload[0], payload[1]
	if len(payload) > 2 {
		info.Data = payload[2:]
	}
	return info, true
}
