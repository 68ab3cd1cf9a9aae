// Package mrtsink implements the MRT dump-driving supplemented feature
// (SPEC_FULL.md): deciding what to dump and queuing the encoded record for
// the event loop to flush, the way a peer's outbound BGP frames are queued.
// Actual MRT *reading* is out of scope (nothing in this engine reads its own
// dumps back); the file-format encoding itself is the subset of RFC 6396
// this engine needs to write, grounded on the teacher's mrt/mrt.go header
// layout and mrt/bgp4.go BGP4MP body layout.
package mrtsink

import (
	"net"
	"os"
	"time"

	"github.com/nextbgpd/sessiond/internal/binary"
)

var msb = binary.Msb

// MRT type/subtype constants this sink emits (RFC 6396 + the BGP4MP_ET
// extension the teacher's mrt.go enumerates).
const (
	typeBGP4MP = 16

	subStateChangeAS4 = 5
	subMessageAS4      = 4
)

const headerLen = 12 // timestamp(4) + type(2) + subtype(2) + length(4)

// MaxQueuedBytes bounds the sink's pending-write queue; once exceeded,
// Enqueue drops the oldest record and counts it, the same backpressure
// shape as a peer's outbound queue hitting SESS_MSG_HIGH_MARK — except MRT
// drops instead of signalling XOFF, since there is no upstream to throttle.
const MaxQueuedBytes = 4 << 20

// Sink owns one open MRT dump file and a bounded pending-write queue.
type Sink struct {
	file        *os.File
	queue       [][]byte
	queuedBytes int
	Dropped     uint64
}

// Open starts writing to path, creating it if needed and always appending;
// it never truncates (MrtReopen keeps the same path for log rotation, §6
// "MrtOpen/MrtReopen/MrtClose").
func Open(path string) (*Sink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}
	return &Sink{file: f}, nil
}

// Close flushes nothing further and closes the underlying file; callers
// should Drain first if they want pending records written.
func (s *Sink) Close() error {
	if s.file == nil {
		return nil
	}
	return s.file.Close()
}

// Enqueue appends an encoded record to the pending queue, dropping the
// oldest queued record(s) if MaxQueuedBytes would be exceeded.
func (s *Sink) Enqueue(record []byte) {
	s.queue = append(s.queue, record)
	s.queuedBytes += len(record)
	for s.queuedBytes > MaxQueuedBytes && len(s.queue) > 1 {
		dropped := s.queue[0]
		s.queue = s.queue[1:]
		s.queuedBytes -= len(dropped)
		s.Dropped++
	}
}

// Pending reports whether Drain has work to do; the event loop only adds
// the sink's fd to the poll set's writable interest when this is true.
func (s *Sink) Pending() bool { return len(s.queue) > 0 }

// Drain writes the pending records front to back, one Write call each,
// removing each record once written; it stops at the first write error and
// leaves that record queued. It never blocks: *os.File
// writes to a local disk file are not expected to return EAGAIN, matching
// §4.7's "MRT writers" pass being a plain synchronous write, not a
// poll-driven fd like peer sockets.
func (s *Sink) Drain() error {
	for len(s.queue) > 0 {
		if _, err := s.file.Write(s.queue[0]); err != nil {
			return err
		}
		s.queuedBytes -= len(s.queue[0])
		s.queue = s.queue[1:]
	}
	return nil
}

// record wraps body with the 12-byte MRT header.
func record(ts time.Time, sub uint16, body []byte) []byte {
	out := make([]byte, 0, headerLen+len(body))
	out = msb.AppendUint32(out, uint32(ts.Unix()))
	out = msb.AppendUint16(out, typeBGP4MP)
	out = msb.AppendUint16(out, sub)
	out = msb.AppendUint32(out, uint32(len(body)))
	return append(out, body...)
}

func putAddr(dst []byte, ip net.IP) []byte {
	if v4 := ip.To4(); v4 != nil {
		return append(dst, v4...)
	}
	return append(dst, ip.To16()...)
}

// afiFor returns 1 for IPv4, 2 for IPv6 (RFC 6396's address-family field).
func afiFor(ip net.IP) uint16 {
	if ip.To4() != nil {
		return 1
	}
	return 2
}

// StateChange builds a BGP4MP_STATE_CHANGE_AS4 record (§4.3's FSM
// transitions are the driving signal: every state change is dumped when MRT
// is open).
func StateChange(ts time.Time, peerAS, localAS uint32, peerIP, localIP net.IP, oldState, newState uint16) []byte {
	body := make([]byte, 0, 32)
	body = msb.AppendUint32(body, peerAS)
	body = msb.AppendUint32(body, localAS)
	body = msb.AppendUint16(body, 0) // interface index; unused by this engine
	body = msb.AppendUint16(body, afiFor(peerIP))
	body = putAddr(body, peerIP)
	body = putAddr(body, localIP)
	body = msb.AppendUint16(body, oldState)
	body = msb.AppendUint16(body, newState)
	return record(ts, subStateChangeAS4, body)
}

// Message builds a BGP4MP_MESSAGE_AS4 record wrapping a raw BGP message
// (header included) exactly as it crossed the wire.
func Message(ts time.Time, peerAS, localAS uint32, peerIP, localIP net.IP, raw []byte) []byte {
	body := make([]byte, 0, 16+len(raw))
	body = msb.AppendUint32(body, peerAS)
	body = msb.AppendUint32(body, localAS)
	body = msb.AppendUint16(body, 0)
	body = msb.AppendUint16(body, afiFor(peerIP))
	body = putAddr(body, peerIP)
	body = putAddr(body, localIP)
	body = append(body, raw...)
	return record(ts, subMessageAS4, body)
}
