package caps

import (
	"testing"

	"github.com/nextbgpd/sessiond/internal/aid"
	"github.com/stretchr/testify/require"
)

func TestOptParamsRoundTripClassical(t *testing.T) {
	s := NewSet()
	s.MP[aid.AID_INET] = true
	s.Refresh = true
	s.AS4 = true
	s.ASN = 65001

	blob := s.MarshalCaps(false)
	optParams := BuildOptParams(blob)
	require.Less(t, len(optParams), 255)

	parsed, err := ParseOptParams(optParams)
	require.NoError(t, err)
	require.True(t, parsed.MP[aid.AID_INET])
	require.True(t, parsed.Refresh)
	require.True(t, parsed.AS4)
	require.EqualValues(t, 65001, parsed.ASN)
}

func TestOptParamsRoundTripExtended(t *testing.T) {
	s := NewSet()
	for i := 0; i < 70; i++ {
		s.AddPath[aid.AID_INET] = AddPathRecv | AddPathSend
		// pad Raw to force the blob past the classical 8-bit length
		s.Raw[Code(200)] = append(s.Raw[Code(200)], make([]byte, 2))
	}
	s.MP[aid.AID_INET] = true

	blob := s.MarshalCaps(false)
	// force length past classical threshold manually since Raw isn't re-marshaled
	for len(blob)+2 < 255 {
		blob = append(blob, byte(CodeAddPath), 0)
	}

	optParams := BuildOptParams(blob)
	require.Equal(t, byte(255), optParams[0])

	parsed, err := ParseOptParams(optParams)
	require.NoError(t, err)
	require.True(t, parsed.MP[aid.AID_INET])
}

func TestNegotiateImplicitIPv4(t *testing.T) {
	local := NewSet()
	peer := NewSet()
	neg, flush := Negotiate(local, peer, nil)
	require.Empty(t, flush)
	require.True(t, neg.MP[aid.AID_INET])
}

func TestNegotiateMPIntersection(t *testing.T) {
	local := NewSet()
	local.MP[aid.AID_INET] = true
	local.MP[aid.AID_INET6] = true
	peer := NewSet()
	peer.MP[aid.AID_INET6] = true

	neg, _ := Negotiate(local, peer, nil)
	require.False(t, neg.MP[aid.AID_INET])
	require.True(t, neg.MP[aid.AID_INET6])
}

func TestNegotiateAddPath(t *testing.T) {
	local := NewSet()
	local.AddPath[aid.AID_INET] = AddPathRecv
	peer := NewSet()
	peer.AddPath[aid.AID_INET] = AddPathSend | AddPathRecv

	neg, _ := Negotiate(local, peer, nil)
	require.Equal(t, AddPathRecv, neg.AddPath[aid.AID_INET])
}

func TestNegotiateGracefulRestartPreserved(t *testing.T) {
	prev := NewSet()
	prev.GR.Flags[aid.AID_INET] = GRPresent | GRRestarting

	peer := NewSet()
	peer.GR.Flags[aid.AID_INET] = GRPresent | GRForward
	local := NewSet()

	neg, flush := Negotiate(local, peer, prev)
	require.Empty(t, flush)
	require.True(t, neg.GR.Flags[aid.AID_INET]&GRRestarting != 0)
}

func TestNegotiateGracefulRestartFlushed(t *testing.T) {
	prev := NewSet()
	prev.GR.Flags[aid.AID_INET] = GRPresent | GRRestarting

	peer := NewSet()
	peer.GR.Flags[aid.AID_INET] = GRPresent // no F-bit this time

	neg, flush := Negotiate(NewSet(), peer, prev)
	require.Equal(t, []aid.AID{aid.AID_INET}, flush)
	require.True(t, neg.GR.Flags[aid.AID_INET]&GRRestarting == 0)
}

func TestNegotiateRole(t *testing.T) {
	local := NewSet()
	local.RoleSet, local.Role = true, RoleCustomer
	peer := NewSet()
	peer.RoleSet, peer.Role = true, RoleProvider

	role, ok, err := NegotiateRole(local, peer, false)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, RoleCustomer, role)
}

func TestNegotiateRoleMismatch(t *testing.T) {
	local := NewSet()
	local.RoleSet, local.Role = true, RoleCustomer
	peer := NewSet()
	peer.RoleSet, peer.Role = true, RoleRS

	_, _, err := NegotiateRole(local, peer, false)
	require.Error(t, err)
}
