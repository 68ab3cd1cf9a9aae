package engine

import (
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/nextbgpd/sessiond/internal/ipc"
)

func TestIPCChannelSendDrainAndReadEnvelopes(t *testing.T) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	require.NoError(t, err)
	t.Cleanup(func() { unix.Close(fds[0]); unix.Close(fds[1]) })

	ch := newIPCChannel(fds[0])
	ch.send(ipc.Envelope{Type: ipc.TypeSessionUp, PeerID: 7, Payload: []byte("hi")})
	require.True(t, ch.pending())

	require.NoError(t, ch.drainWrite())
	require.False(t, ch.pending())

	peer := newIPCChannel(fds[1])
	envs, err := peer.readEnvelopes()
	require.NoError(t, err)
	require.Len(t, envs, 1)
	require.Equal(t, ipc.TypeSessionUp, envs[0].Type)
	require.EqualValues(t, 7, envs[0].PeerID)
	require.Equal(t, "hi", string(envs[0].Payload))
}

func TestIPCChannelReadEnvelopesReportsEOF(t *testing.T) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	require.NoError(t, err)
	t.Cleanup(func() { unix.Close(fds[0]) })

	ch := newIPCChannel(fds[0])
	require.NoError(t, unix.Close(fds[1]))

	_, err = ch.readEnvelopes()
	require.ErrorIs(t, err, errEOF)
}

func TestIPCChannelReassemblesMultipleEnvelopesFromOneRead(t *testing.T) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	require.NoError(t, err)
	t.Cleanup(func() { unix.Close(fds[0]); unix.Close(fds[1]) })

	e1 := ipc.Envelope{Type: ipc.TypeXOn, PeerID: 1}
	e2 := ipc.Envelope{Type: ipc.TypeXOff, PeerID: 2}
	buf := e1.Marshal(nil)
	buf = e2.Marshal(buf)
	_, err = unix.Write(fds[1], buf)
	require.NoError(t, err)

	ch := newIPCChannel(fds[0])
	envs, err := ch.readEnvelopes()
	require.NoError(t, err)
	require.Len(t, envs, 2)
	require.Equal(t, ipc.TypeXOn, envs[0].Type)
	require.Equal(t, ipc.TypeXOff, envs[1].Type)
}
