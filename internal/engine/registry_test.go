package engine

import (
	"net"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/nextbgpd/sessiond/internal/fsm"
)

func newTestEngine() *Engine {
	l := zerolog.Nop()
	return New(&l)
}

func TestAddPeerIndexesByRemoteAddress(t *testing.T) {
	e := newTestEngine()
	cfg := fsm.Config{ID: 1, RemoteAddr: net.ParseIP("192.0.2.1"), RemotePort: 179}

	p := e.AddPeer(cfg)

	require.Equal(t, fsm.None, p.State)
	got, ok := e.Peer(1)
	require.True(t, ok)
	require.Same(t, p, got)

	_, ok = e.stats.Neighbor(1)
	require.True(t, ok, "AddPeer must publish an initial snapshot")
}

func TestFindPeerByRemoteMatchesByAddressNotPort(t *testing.T) {
	e := newTestEngine()
	e.AddPeer(fsm.Config{ID: 1, RemoteAddr: net.ParseIP("192.0.2.1"), RemotePort: 1179})

	// a real inbound TCP connection arrives from the peer's ephemeral
	// client port, never its configured remote_port.
	found := e.findPeerByRemote(net.ParseIP("192.0.2.1"))
	require.NotNil(t, found)
	require.EqualValues(t, 1, found.Config.ID)
}

func TestFindPeerByRemoteFallsBackToTemplate(t *testing.T) {
	e := newTestEngine()
	e.AddPeer(fsm.Config{ID: 1, RemoteAddr: net.ParseIP("192.0.2.1")})
	tmpl := e.AddPeer(fsm.Config{ID: 2, Template: true})

	found := e.findPeerByRemote(net.ParseIP("203.0.113.5"))
	require.NotNil(t, found)
	require.Same(t, tmpl, found)
}

func TestCloneTemplateInheritsConfigWithSyntheticID(t *testing.T) {
	e := newTestEngine()
	tmpl := e.AddPeer(fsm.Config{ID: 5, Template: true, RemoteAS: 65001, HoldTime: 90})

	clone := e.cloneTemplate(tmpl, net.ParseIP("198.51.100.9"))

	require.False(t, clone.Config.Template)
	require.EqualValues(t, 5, clone.Config.TemplateParent)
	require.True(t, clone.Config.ID&(1<<31) != 0, "clone id must carry the synthetic high bit")
	require.Equal(t, uint32(65001), clone.Config.RemoteAS)
	require.Equal(t, "198.51.100.9", clone.Config.RemoteAddr.String())

	clone2 := e.cloneTemplate(tmpl, net.ParseIP("198.51.100.10"))
	require.NotEqual(t, clone.Config.ID, clone2.Config.ID)
}

func TestRemovePeerForgetsIndexAndStats(t *testing.T) {
	e := newTestEngine()
	e.AddPeer(fsm.Config{ID: 9, RemoteAddr: net.ParseIP("192.0.2.9")})

	e.RemovePeer(9)

	_, ok := e.Peer(9)
	require.False(t, ok)
	_, ok = e.stats.Neighbor(9)
	require.False(t, ok)
	require.Nil(t, e.findPeerByRemote(net.ParseIP("192.0.2.9")))
}
