package punch_test

import (
	"net/netip"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/Vermeil-Soft/linkseeker/internal/punch"
)

func addr(s string) netip.AddrPort { return netip.MustParseAddrPort(s) }

func TestPunch_FirstProbeYieldsNoResult(t *testing.T) {
	t.Parallel()

	tbl := punch.New(clockwork.NewFakeClock())
	_, matched := tbl.Probe(5, punch.Peer{Socket: addr("198.51.100.9:4000"), SocketIndex: 0})
	require.False(t, matched)
	require.Equal(t, 1, tbl.Len())
}

func TestPunch_SameSocketIsDuplicateAndIgnored(t *testing.T) {
	t.Parallel()

	tbl := punch.New(clockwork.NewFakeClock())
	tbl.Probe(5, punch.Peer{Socket: addr("198.51.100.9:4000"), SocketIndex: 0})
	_, matched := tbl.Probe(5, punch.Peer{Socket: addr("198.51.100.9:4000"), SocketIndex: 0})
	require.False(t, matched)
	require.Equal(t, 1, tbl.Len())
}

func TestPunch_DifferentSocketSameAddress_OK(t *testing.T) {
	t.Parallel()

	tbl := punch.New(clockwork.NewFakeClock())
	tbl.Probe(5, punch.Peer{Socket: addr("198.51.100.9:4000"), SocketIndex: 0})
	res, matched := tbl.Probe(5, punch.Peer{Socket: addr("198.51.100.9:4000"), SocketIndex: 2})
	require.True(t, matched)
	require.True(t, res.OK)
	require.Equal(t, uint32(5), res.ID)
	require.Equal(t, 0, tbl.Len())
}

func TestPunch_DifferentSocketDifferentAddress_NotOK(t *testing.T) {
	t.Parallel()

	tbl := punch.New(clockwork.NewFakeClock())
	tbl.Probe(5, punch.Peer{Socket: addr("198.51.100.9:4000"), SocketIndex: 0})
	res, matched := tbl.Probe(5, punch.Peer{Socket: addr("198.51.100.9:4001"), SocketIndex: 2})
	require.True(t, matched)
	require.False(t, res.OK)
}

func TestPunch_SweepRemovesExpired(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	tbl := punch.New(clock)
	tbl.Probe(5, punch.Peer{Socket: addr("198.51.100.9:4000"), SocketIndex: 0})

	clock.Advance(punch.Expire - time.Second)
	require.Empty(t, tbl.Sweep())
	require.Equal(t, 1, tbl.Len())

	clock.Advance(2 * time.Second)
	require.Equal(t, []uint32{5}, tbl.Sweep())
	require.Equal(t, 0, tbl.Len())
}
