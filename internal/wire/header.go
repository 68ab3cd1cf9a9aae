// Package wire implements the BGP-4 message frame codec (§4.1): the 19-byte
// header plus per-type bodies. Parsing is defensive by construction — every
// malformed header maps to a typed error that the FSM converts 1:1 into a
// NOTIFICATION.
//
// UPDATE path attributes/NLRI are intentionally not modeled here: the
// session engine relays UPDATE bodies to the RDE opaque (see
// SPEC_FULL.md's grounding ledger for internal/wire). This package only
// needs to know UPDATE's minimum length and marshal/parse it as raw bytes.
package wire

import (
	"bytes"

	"github.com/nextbgpd/sessiond/internal/binary"
)

// Type is the BGP message type octet.
type Type byte

const (
	INVALID      Type = 0
	OPEN         Type = 1
	UPDATE       Type = 2
	NOTIFICATION Type = 3
	KEEPALIVE    Type = 4
	REFRESH      Type = 5
)

//go:generate go run github.com/dmarkham/enumer -type=Type
func (t Type) String() string {
	switch t {
	case OPEN:
		return "OPEN"
	case UPDATE:
		return "UPDATE"
	case NOTIFICATION:
		return "NOTIFICATION"
	case KEEPALIVE:
		return "KEEPALIVE"
	case REFRESH:
		return "ROUTE-REFRESH"
	default:
		return "INVALID"
	}
}

const (
	// HeaderLen is the fixed BGP header length: 16-byte marker + 2-byte
	// length + 1-byte type.
	HeaderLen = 19

	// MaxPktSize is the classical maximum BGP message size (RFC 4271).
	// Extended message size (RFC 8654) is out of scope (spec.md §6).
	MaxPktSize = 4096

	minOpen      = 29
	minUpdate    = 23
	minNotify    = 21
	minKeepalive = 19
	minRefresh   = 23
)

var msb = binary.Msb

var marker = [16]byte{
	0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
	0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
}

// minLength returns the minimum total (header-included) length for typ, and
// whether typ is a recognized message type. KEEPALIVE has no variable part
// at all, so its minimum is also its maximum — lengthOK enforces that
// separately.
func minLength(typ Type) (int, bool) {
	switch typ {
	case OPEN:
		return minOpen, true
	case UPDATE:
		return minUpdate, true
	case NOTIFICATION:
		return minNotify, true
	case KEEPALIVE:
		return minKeepalive, true
	case REFRESH:
		return minRefresh, true
	default:
		return 0, false
	}
}

// lengthOK reports whether l is an acceptable total length for typ, given
// its minimum. Every type but KEEPALIVE only enforces a floor; KEEPALIVE is
// fixed-size (session.c:2119 tests "*len != MSGSIZE_KEEPALIVE", not a
// floor), so a forged KEEPALIVE carrying trailing garbage must be rejected
// rather than silently accepted.
func lengthOK(typ Type, min, l int) bool {
	if typ == KEEPALIVE {
		return l == min
	}
	return l >= min
}

// ParseHeader consumes exactly HeaderLen bytes from buf and returns the
// total message length (header included) and type. It never looks beyond
// buf[:HeaderLen].
func ParseHeader(buf []byte) (length int, typ Type, err error) {
	if len(buf) < HeaderLen {
		return 0, 0, &HeaderError{Subcode: HeaderSyncSubcode}
	}

	if !bytes.Equal(buf[:16], marker[:]) {
		return 0, 0, &HeaderError{Subcode: HeaderSyncSubcode}
	}

	l := int(msb.Uint16(buf[16:18]))
	t := Type(buf[18])

	min, known := minLength(t)
	if l < HeaderLen || l > MaxPktSize || (known && !lengthOK(t, min, l)) {
		data := make([]byte, 2)
		msb.PutUint16(data, uint16(l))
		return 0, 0, &HeaderError{Subcode: HeaderLenSubcode, Data: data}
	}
	if !known {
		return 0, 0, &HeaderError{Subcode: HeaderTypeSubcode, Data: []byte{byte(t)}}
	}

	return l, t, nil
}

// EmitHeader appends a BGP header for a message of the given type and total
// body length (header-excluded) to dst.
func EmitHeader(dst []byte, typ Type, bodyLen int) []byte {
	dst = append(dst, marker[:]...)
	dst = msb.AppendUint16(dst, uint16(HeaderLen+bodyLen))
	dst = append(dst, byte(typ))
	return dst
}

// NextMessage scans buf (a peer's inbound ring) for one complete BGP
// message. It returns the message type, the body bytes (header-excluded,
// referencing buf — callers needing to retain it across the next ring
// write must copy), the total consumed length, and whether a complete
// message was found. A short buffer is not an error: the caller keeps
// buffering (§3 "a partially received message remains in the ring until
// completed").
func NextMessage(buf []byte) (typ Type, body []byte, consumed int, ok bool, err error) {
	if len(buf) < HeaderLen {
		return 0, nil, 0, false, nil
	}

	length, t, err := ParseHeader(buf)
	if err != nil {
		return 0, nil, 0, false, err
	}
	if len(buf) < length {
		return 0, nil, 0, false, nil // incomplete, keep buffering
	}

	return t, buf[HeaderLen:length], length, true, nil
}
