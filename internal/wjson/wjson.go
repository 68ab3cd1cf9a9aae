// Package wjson provides small JSON/hex emission helpers for the control
// socket, mirroring the conventions buger/jsonparser users
// expect on the decode side (unquoted byte slices, no intermediate string
// allocation).
package wjson

import (
	"encoding/hex"
	"strconv"
	"unsafe"
)

const hextable = "0123456789abcdef"

// Null is the JSON literal for a missing value.
var Null = []byte(`null`)

// Hex appends src as a 0x-prefixed JSON hex string, or null if src is nil.
func Hex(dst []byte, src []byte) []byte {
	if src == nil {
		return append(dst, Null...)
	} else if len(src) == 0 {
		return append(dst, `""`...)
	}

	dst = append(dst, `"0x`...)
	for _, v := range src {
		dst = append(dst, hextable[v>>4], hextable[v&0x0f])
	}
	return append(dst, '"')
}

// UnHex decodes a 0x-prefixed (or bare) hex JSON string into dst.
func UnHex(dst []byte, src []byte) ([]byte, error) {
	src = Q(src)
	if len(src) >= 2 && src[0] == '0' && src[1] == 'x' {
		src = src[2:]
	}
	bl := len(src) / 2
	if cap(dst) >= bl {
		dst = dst[:bl]
	} else {
		dst = make([]byte, bl)
	}
	_, err := hex.Decode(dst, src)
	return dst, err
}

// Str appends s as a quoted JSON string (no escaping beyond what BGP
// identifiers/descriptions need: peer descriptions are operator-controlled
// ASCII, never attacker-controlled).
func Str(dst []byte, s string) []byte {
	dst = append(dst, '"')
	dst = append(dst, s...)
	return append(dst, '"')
}

// U32 appends v as a JSON number.
func U32(dst []byte, v uint32) []byte {
	return strconv.AppendUint(dst, uint64(v), 10)
}

// U64 appends v as a JSON number.
func U64(dst []byte, v uint64) []byte {
	return strconv.AppendUint(dst, v, 10)
}

// Bool appends v as a JSON boolean literal.
func Bool(dst []byte, v bool) []byte {
	if v {
		return append(dst, `true`...)
	}
	return append(dst, `false`...)
}

// S returns a string backed by buf's memory, without copying.
func S(buf []byte) string {
	return *(*string)(unsafe.Pointer(&buf))
}

// Q strips surrounding double quotes from buf, if present.
func Q(buf []byte) []byte {
	if l := len(buf); l > 1 && buf[0] == '"' && buf[l-1] == '"' {
		return buf[1 : l-1]
	}
	return buf
}
