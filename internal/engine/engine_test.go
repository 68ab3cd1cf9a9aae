package engine

import (
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/nextbgpd/sessiond/internal/fsm"
	"github.com/nextbgpd/sessiond/internal/ipc"
)

func TestSessionUpSendsSessionUpToRDE(t *testing.T) {
	e := newTestEngine()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	require.NoError(t, err)
	t.Cleanup(func() { unix.Close(fds[0]); unix.Close(fds[1]) })
	e.SetRDE(fds[0])

	p := e.AddPeer(fsm.Config{ID: 1, RemoteAS: 65001})

	e.SessionUp(p)
	require.NoError(t, e.rde.drainWrite())

	peer := newIPCChannel(fds[1])
	envs, err := peer.readEnvelopes()
	require.NoError(t, err)
	require.Len(t, envs, 1)
	require.Equal(t, ipc.TypeSessionUp, envs[0].Type)
	require.EqualValues(t, 1, envs[0].PeerID)
}

func TestSessionUpWithNoRDEDoesNotPanic(t *testing.T) {
	e := newTestEngine()
	p := e.AddPeer(fsm.Config{ID: 1, RemoteAS: 65001})
	require.NotPanics(t, func() { e.SessionUp(p) })
}

func TestOpenMRTReplacesExistingSink(t *testing.T) {
	e := newTestEngine()
	dir := t.TempDir()

	require.NoError(t, e.OpenMRT(dir+"/a.mrt"))
	first := e.mrt
	require.NoError(t, e.OpenMRT(dir+"/b.mrt"))

	require.NotSame(t, first, e.mrt)
}

func TestEnqueueWithNoConnDoesNotPanic(t *testing.T) {
	e := newTestEngine()
	p := e.AddPeer(fsm.Config{ID: 1})
	require.NotPanics(t, func() { e.Enqueue(p, []byte("x")) })
}
