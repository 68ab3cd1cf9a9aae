package engine

import (
	"errors"

	"golang.org/x/sys/unix"

	"github.com/nextbgpd/sessiond/internal/ipc"
)

var errEOF = errors.New("ipc: channel closed")

// ipcChannel wraps one IPC pipe (parent or RDE) with the same non-blocking
// ring-buffer idiom peerConn uses for BGP sockets (§4.7 "IPC pipes first").
type ipcChannel struct {
	fd    int
	inbuf []byte

	outq    [][]byte
	outoff  int
	outSize int
}

func newIPCChannel(fd int) *ipcChannel {
	return &ipcChannel{fd: fd}
}

func (c *ipcChannel) send(e ipc.Envelope) {
	c.outq = append(c.outq, e.Marshal(nil))
	c.outSize += len(c.outq[len(c.outq)-1])
}

func (c *ipcChannel) pending() bool { return len(c.outq) > 0 }

func (c *ipcChannel) drainWrite() error {
	for len(c.outq) > 0 {
		buf := c.outq[0][c.outoff:]
		n, err := unix.Write(c.fd, buf)
		if n > 0 {
			c.outoff += n
			c.outSize -= n
		}
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return nil
			}
			return err
		}
		if c.outoff >= len(c.outq[0]) {
			c.outq = c.outq[1:]
			c.outoff = 0
		} else {
			return nil
		}
	}
	return nil
}

// readEnvelopes reads whatever is available and returns every complete
// envelope the ring now contains.
func (c *ipcChannel) readEnvelopes() ([]ipc.Envelope, error) {
	tmp := make([]byte, 65536)
	n, err := unix.Read(c.fd, tmp)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return nil, nil
		}
		return nil, err
	}
	if n == 0 {
		return nil, errEOF
	}
	c.inbuf = append(c.inbuf, tmp[:n]...)

	var out []ipc.Envelope
	for {
		e, consumed, ok, perr := ipc.NextEnvelope(c.inbuf)
		if perr != nil {
			return out, perr
		}
		if !ok {
			break
		}
		out = append(out, e)
		c.inbuf = c.inbuf[consumed:]
	}
	return out, nil
}
