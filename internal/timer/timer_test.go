package timer

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSetIdempotentReplace(t *testing.T) {
	var s Set
	s.Set(Hold, 100, 90)
	s.Set(Hold, 100, 30) // re-arm: should replace, not duplicate

	d, ok := s.NextDueAt()
	require.True(t, ok)
	require.EqualValues(t, 130, d)
	require.Len(t, s.entries, 1)
}

func TestStopAndRunning(t *testing.T) {
	var s Set
	s.Set(Keepalive, 0, 10)
	require.True(t, s.Running(Keepalive))
	s.Stop(Keepalive)
	require.False(t, s.Running(Keepalive))
}

func TestPopOnlyDueTimers(t *testing.T) {
	var s Set
	s.Set(Hold, 0, 10)
	s.Set(ConnectRetry, 0, 5)

	_, ok := s.Pop(4)
	require.False(t, ok)

	kind, ok := s.Pop(5)
	require.True(t, ok)
	require.Equal(t, ConnectRetry, kind)

	_, ok = s.Pop(5)
	require.False(t, ok)

	kind, ok = s.Pop(10)
	require.True(t, ok)
	require.Equal(t, Hold, kind)
}

func TestStopAll(t *testing.T) {
	var s Set
	s.Set(Hold, 0, 10)
	s.Set(Keepalive, 0, 3)
	s.StopAll()
	_, ok := s.NextDueAt()
	require.False(t, ok)
}
