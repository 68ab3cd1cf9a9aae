package ipc

import (
	"net"
	"testing"

	"github.com/nextbgpd/sessiond/internal/aid"
	"github.com/stretchr/testify/require"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	e := Envelope{Type: TypeSessionUp, PeerID: 7, PID: 4242, Payload: []byte("hello")}
	buf := e.Marshal(nil)

	got, consumed, ok, err := NextEnvelope(buf)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, len(buf), consumed)
	require.Equal(t, e.Type, got.Type)
	require.Equal(t, e.PeerID, got.PeerID)
	require.Equal(t, e.PID, got.PID)
	require.Equal(t, e.Payload, got.Payload)
}

func TestNextEnvelopeIncomplete(t *testing.T) {
	e := Envelope{Type: TypeUpdate, PeerID: 1, PID: 1, Payload: make([]byte, 100)}
	buf := e.Marshal(nil)

	_, _, ok, err := NextEnvelope(buf[:HeaderLen+10])
	require.NoError(t, err)
	require.False(t, ok)
}

func TestNextEnvelopeLargestPayloadIsIncompleteNotError(t *testing.T) {
	buf := make([]byte, HeaderLen)
	buf[12], buf[13] = 0xff, 0xff // len field claims 65535, fine on its own

	// len is a u16, so it tops out at 65535 < MaxPayload and the MaxPayload
	// guard cannot trip; a header claiming the largest payload with none of
	// it buffered is simply incomplete.
	_, _, ok, err := NextEnvelope(buf)
	require.NoError(t, err)
	require.False(t, ok) // buffer too short for the claimed 65535-byte payload
}

func TestSessionUpRoundTrip(t *testing.T) {
	info := SessionUpInfo{
		Local:     net.ParseIP("192.0.2.1"),
		Remote:    net.ParseIP("192.0.2.2"),
		PeerBGPID: 0x0a000001,
		ShortAS:   65001,
		Caps:      []byte{1, 2, 3},
	}
	payload := MarshalSessionUp(info)

	got, ok := ParseSessionUp(payload)
	require.True(t, ok)
	require.True(t, got.Local.Equal(info.Local))
	require.True(t, got.Remote.Equal(info.Remote))
	require.Equal(t, info.PeerBGPID, got.PeerBGPID)
	require.Equal(t, info.ShortAS, got.ShortAS)
	require.Equal(t, info.Caps, got.Caps)
}

func TestAIDPayloadRoundTrip(t *testing.T) {
	payload := MarshalAID(aid.AID_INET6)
	got, ok := ParseAID(payload)
	require.True(t, ok)
	require.Equal(t, aid.AID_INET6, got)
}

func TestUpdateErrRoundTrip(t *testing.T) {
	info := UpdateErrInfo{Errcode: 3, Subcode: 1, Data: []byte{0xde, 0xad}}
	payload := MarshalUpdateErr(info)

	got, ok := ParseUpdateErr(payload)
	require.True(t, ok)
	require.Equal(t, info, got)
}
