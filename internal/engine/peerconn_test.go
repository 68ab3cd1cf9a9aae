package engine

import (
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func socketpair(t *testing.T) (int, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	require.NoError(t, err)
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func TestPeerConnEnqueueAndDrainWrite(t *testing.T) {
	a, b := socketpair(t)
	c := newPeerConn(a, false)

	c.enqueue([]byte("hello"))
	c.enqueue([]byte("world"))
	require.Equal(t, 10, c.queuedBytes())

	wrote, empty, err := c.drainWrite()
	require.NoError(t, err)
	require.True(t, wrote)
	require.True(t, empty)
	require.Equal(t, 0, c.queuedBytes())

	buf := make([]byte, 10)
	n, err := unix.Read(b, buf)
	require.NoError(t, err)
	require.Equal(t, "helloworld", string(buf[:n]))
}

func TestPeerConnReadIntoAppendsToRing(t *testing.T) {
	a, b := socketpair(t)
	c := newPeerConn(a, false)

	_, err := unix.Write(b, []byte("abc"))
	require.NoError(t, err)

	n, eof, err := c.readInto()
	require.NoError(t, err)
	require.False(t, eof)
	require.Equal(t, 3, n)
	require.Equal(t, "abc", string(c.inbuf))

	c.consume(1)
	require.Equal(t, "bc", string(c.inbuf))
}

func TestPeerConnReadIntoObservesEOF(t *testing.T) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	require.NoError(t, err)
	t.Cleanup(func() { unix.Close(fds[0]) })
	c := newPeerConn(fds[0], false)
	require.NoError(t, unix.Close(fds[1]))

	n, eof, err := c.readInto()
	require.NoError(t, err)
	require.True(t, eof)
	require.Equal(t, 0, n)
}

func TestPeerConnFillLocalAddr(t *testing.T) {
	a, _ := socketpair(t)
	c := newPeerConn(a, false)

	c.fillLocalAddr()
	// AF_UNIX sockets have no IP-shaped local address; sockaddrIP should
	// simply decline rather than panic, leaving localAddr unset.
	require.Nil(t, c.localAddr)
}
