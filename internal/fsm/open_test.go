package fsm

import (
	"testing"

	"github.com/nextbgpd/sessiond/internal/caps"
	"github.com/nextbgpd/sessiond/internal/wire"
	"github.com/stretchr/testify/require"
)

func newTemplatePeer(h *fakeHost) *Peer {
	cfg := Config{
		ID:       2,
		LocalAS:  65000,
		HoldTime: 90,
		Template: true,
		Announced: caps.NewSet(),
	}
	p := NewPeer(cfg, h)
	p.State = OpenSent
	return p
}

func TestParseOpenTemplateAdoptsPeerAS(t *testing.T) {
	h := &fakeHost{now: 1000}
	p := newTemplatePeer(h)

	halveOnly, err := p.parseOpen(openBody(65001, 90, 0x0a000001, nil))

	require.NoError(t, err)
	require.False(t, halveOnly)
	require.Equal(t, uint32(65001), p.Config.RemoteAS)
}

func TestParseOpenTemplateRefusesASTrans(t *testing.T) {
	h := &fakeHost{now: 1000}
	p := newTemplatePeer(h)

	// a legacy two-octet-only OPEN carrying ASN=23456 with no AS4
	// capability must not be adopted as the template's "real" AS
	// (session.c:2316: peer->template && !peer->conf.remote_as &&
	// as != AS_TRANS).
	_, err := p.parseOpen(openBody(23456, 90, 0x0a000001, nil))

	require.Error(t, err)
	oerr, ok := err.(*wire.OpenError)
	require.True(t, ok)
	require.Equal(t, byte(wire.OpenASSubcode), oerr.Subcode)
}

func TestParseOpenNonTemplateIgnoresASTrans(t *testing.T) {
	h := &fakeHost{now: 1000}
	p := newTestPeer(h)
	p.Config.RemoteAS = 23456

	// AS_TRANS is only special-cased on the unconfigured-template path;
	// a peer explicitly configured with remote_as 23456 is unaffected.
	_, err := p.parseOpen(openBody(23456, 90, 0x0a000001, nil))

	require.NoError(t, err)
	require.Equal(t, uint32(23456), p.Config.RemoteAS)
}
