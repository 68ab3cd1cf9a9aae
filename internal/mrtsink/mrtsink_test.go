package mrtsink

import (
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStateChangeRecordHeader(t *testing.T) {
	ts := time.Unix(1700000000, 0)
	peerIP := net.ParseIP("192.0.2.1")
	localIP := net.ParseIP("192.0.2.254")

	rec := StateChange(ts, 65001, 65000, peerIP, localIP, 3, 6)
	require.Greater(t, len(rec), headerLen)

	require.Equal(t, uint32(1700000000), msb.Uint32(rec[0:4]))
	require.Equal(t, uint16(typeBGP4MP), msb.Uint16(rec[4:6]))
	require.Equal(t, uint16(subStateChangeAS4), msb.Uint16(rec[6:8]))
	bodyLen := msb.Uint32(rec[8:12])
	require.EqualValues(t, len(rec)-headerLen, bodyLen)

	body := rec[headerLen:]
	require.Equal(t, uint32(65001), msb.Uint32(body[0:4]))
	require.Equal(t, uint32(65000), msb.Uint32(body[4:8]))
	require.Equal(t, uint16(1), msb.Uint16(body[10:12])) // AFI IPv4
}

func TestMessageRecordWrapsRawBytes(t *testing.T) {
	raw := []byte{0xff, 0xff, 0xff, 0xff, 0, 19, 4} // minimal KEEPALIVE header
	rec := Message(time.Unix(1, 0), 1, 2, net.ParseIP("2001:db8::1"), net.ParseIP("2001:db8::2"), raw)

	body := rec[headerLen:]
	require.Equal(t, uint16(2), msb.Uint16(body[10:12])) // AFI IPv6
	require.Contains(t, string(rec), string(raw))
}

func TestSinkEnqueueDrainWritesToFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dump.mrt")

	s, err := Open(path)
	require.NoError(t, err)

	rec1 := StateChange(time.Unix(1, 0), 1, 2, net.ParseIP("192.0.2.1"), net.ParseIP("192.0.2.2"), 1, 2)
	rec2 := Message(time.Unix(2, 0), 1, 2, net.ParseIP("192.0.2.1"), net.ParseIP("192.0.2.2"), []byte("x"))

	s.Enqueue(rec1)
	s.Enqueue(rec2)
	require.True(t, s.Pending())

	require.NoError(t, s.Drain())
	require.False(t, s.Pending())
	require.NoError(t, s.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, append(append([]byte{}, rec1...), rec2...), data)
}

func TestSinkEnqueueDropsOldestOverCap(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "dump.mrt"))
	require.NoError(t, err)
	defer s.Close()

	big := make([]byte, MaxQueuedBytes/3+1)
	s.Enqueue(big)
	s.Enqueue(big)
	s.Enqueue(big) // should evict the first

	require.EqualValues(t, 1, s.Dropped)
	require.Len(t, s.queue, 2)
}
