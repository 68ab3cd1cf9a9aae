package engine

import (
	"net"

	"golang.org/x/sys/unix"
)

// peerConn is the runtime socket state for one peer (§3 "inbound ring
// buffer... outbound write queue (list of byte buffers with head-offset)").
// fsm.Peer itself stays pure of I/O; this is the Host-side companion the
// Engine keeps alongside it, keyed by peer-id.
type peerConn struct {
	fd int

	inbuf []byte // ring; consumed from the front as messages are parsed out

	outq    [][]byte
	outoff  int // bytes of outq[0] already written
	outSize int

	connecting bool // true while waiting for Connect-state writable readiness
	localAddr  net.IP
	remoteAddr net.IP
}

func newPeerConn(fd int, connecting bool) *peerConn {
	return &peerConn{fd: fd, connecting: connecting}
}

// fillLocalAddr reads the socket's bound local address via getsockname(),
// valid once the connection has actually completed (accept returns an
// already-connected socket; an outbound connect() only has a meaningful
// local address once SO_ERROR confirms success).
func (c *peerConn) fillLocalAddr() {
	sa, err := unix.Getsockname(c.fd)
	if err != nil {
		return
	}
	if ip, ok := sockaddrIP(sa); ok {
		c.localAddr = ip
	}
}

func (c *peerConn) enqueue(frame []byte) {
	c.outq = append(c.outq, frame)
	c.outSize += len(frame)
}

func (c *peerConn) queuedBytes() int { return c.outSize }

// drainWrite performs one non-blocking write pass over the queue (§4.8:
// "writable with queued bytes -> drain via non-blocking write, on EAGAIN
// stop, on other errors ConFatal, on success arm SendHold").
// wrote reports whether at least one byte was successfully written.
func (c *peerConn) drainWrite() (wrote bool, empty bool, err error) {
	for len(c.outq) > 0 {
		buf := c.outq[0][c.outoff:]
		n, werr := unix.Write(c.fd, buf)
		if n > 0 {
			wrote = true
			c.outoff += n
			c.outSize -= n
		}
		if werr != nil {
			if werr == unix.EAGAIN || werr == unix.EWOULDBLOCK {
				return wrote, false, nil
			}
			return wrote, false, werr
		}
		if c.outoff >= len(c.outq[0]) {
			c.outq = c.outq[1:]
			c.outoff = 0
		} else {
			return wrote, false, nil // partial write, try again next readiness
		}
	}
	return wrote, true, nil
}

// readInto appends newly available bytes into the ring, returning the
// number of bytes read, whether EOF was observed, and any other read error.
func (c *peerConn) readInto() (n int, eof bool, err error) {
	tmp := make([]byte, 65536)
	n, rerr := unix.Read(c.fd, tmp)
	if rerr != nil {
		if rerr == unix.EAGAIN || rerr == unix.EWOULDBLOCK {
			return 0, false, nil
		}
		return 0, false, rerr
	}
	if n == 0 {
		return 0, true, nil
	}
	c.inbuf = append(c.inbuf, tmp[:n]...)
	return n, false, nil
}

// consume drops the first n bytes of the ring, called after a message (or
// run of messages) has been parsed out of it.
func (c *peerConn) consume(n int) {
	c.inbuf = c.inbuf[n:]
}
