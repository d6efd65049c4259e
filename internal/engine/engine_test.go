package engine_test

import (
	"io"
	"log/slog"
	"net/netip"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/Vermeil-Soft/linkseeker/internal/engine"
	"github.com/Vermeil-Soft/linkseeker/internal/idsource"
	"github.com/Vermeil-Soft/linkseeker/internal/wire"
)

func addr(s string) netip.AddrPort { return netip.MustParseAddrPort(s) }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEngine(t *testing.T, clock clockwork.Clock, ids idsource.Source) *engine.Engine {
	t.Helper()
	return engine.New(discardLogger(), clock, ids, engine.NumSockets)
}

// Scenario 1: register + ping.
func TestEngine_RegisterAndPing(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, clockwork.NewFakeClock(), &idsource.Fixed{Values: []uint32{777}})
	peer := addr("192.0.2.1:5000")

	items := e.Process(0, peer, wire.Register{}.Serialize())
	require.Len(t, items, 2)
	for _, it := range items {
		require.Equal(t, peer, it.Dest)
		require.Equal(t, 0, it.SocketIndex)
		msg, err := wire.ParseServerMessage(it.Payload)
		require.NoError(t, err)
		require.Equal(t, wire.RegisterOK{ID: 777}, msg)
	}

	pingItems := e.Process(0, peer, wire.Ping{ID: 7}.Serialize())
	require.Len(t, pingItems, 2)
	for _, it := range pingItems {
		require.Equal(t, peer, it.Dest)
		msg, err := wire.ParseServerMessage(it.Payload)
		require.NoError(t, err)
		require.Equal(t, wire.Pong{ID: 7}, msg)
	}
}

// Scenario 2: successful request.
func TestEngine_SuccessfulRequest(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, clockwork.NewFakeClock(), &idsource.Fixed{Values: []uint32{42}})
	host := addr("198.51.100.9:4000")
	requester := addr("203.0.113.2:6000")

	regItems := e.Process(0, host, wire.Register{}.Serialize())
	require.Len(t, regItems, 2)

	items := e.Process(1, requester, wire.Request{ID: 42, UseProxy: false}.Serialize())
	require.Len(t, items, 4)

	// Host-then-requester enqueue order: the first pair is addressed to the
	// host, telling it to punch toward the requester.
	for i := 0; i < 2; i++ {
		require.Equal(t, host, items[i].Dest)
		require.Equal(t, 1, items[i].SocketIndex)
		msg, err := wire.ParseServerMessage(items[i].Payload)
		require.NoError(t, err)
		require.Equal(t, wire.PunchOrder{Remote: requester}, msg)
	}
	for i := 2; i < 4; i++ {
		require.Equal(t, requester, items[i].Dest)
		require.Equal(t, 1, items[i].SocketIndex)
		msg, err := wire.ParseServerMessage(items[i].Payload)
		require.NoError(t, err)
		require.Equal(t, wire.PunchOrder{Remote: host}, msg)
	}
}

// Scenario 3: unknown id.
func TestEngine_RequestUnknownID(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, clockwork.NewFakeClock(), idsource.System{})
	requester := addr("203.0.113.2:6000")

	items := e.Process(0, requester, wire.Request{ID: 99, UseProxy: false}.Serialize())
	require.Len(t, items, 2)
	for _, it := range items {
		require.Equal(t, requester, it.Dest)
		msg, err := wire.ParseServerMessage(it.Payload)
		require.NoError(t, err)
		require.Equal(t, wire.RequestErr{Msg: "host code does not exist"}, msg)
	}
}

// Scenario 4: punch check ok.
func TestEngine_PunchCheckOK(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, clockwork.NewFakeClock(), idsource.System{})
	peer := addr("198.51.100.9:4000")

	first := e.Process(0, peer, wire.PunchCheck{ID: 5}.Serialize())
	require.Empty(t, first)

	second := e.Process(2, peer, wire.PunchCheck{ID: 5}.Serialize())
	require.Len(t, second, 4)

	for i := 0; i < 2; i++ {
		require.Equal(t, 0, second[i].SocketIndex)
		msg, err := wire.ParseServerMessage(second[i].Payload)
		require.NoError(t, err)
		require.Equal(t, wire.PunchCheckResult{OK: true}, msg)
	}
	for i := 2; i < 4; i++ {
		require.Equal(t, 2, second[i].SocketIndex)
		msg, err := wire.ParseServerMessage(second[i].Payload)
		require.NoError(t, err)
		require.Equal(t, wire.PunchCheckResult{OK: true}, msg)
	}
}

// Scenario 5: punch check fail.
func TestEngine_PunchCheckFail(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, clockwork.NewFakeClock(), idsource.System{})
	first := e.Process(0, addr("198.51.100.9:4000"), wire.PunchCheck{ID: 5}.Serialize())
	require.Empty(t, first)

	second := e.Process(2, addr("198.51.100.9:4001"), wire.PunchCheck{ID: 5}.Serialize())
	require.Len(t, second, 4)
	for _, it := range second {
		msg, err := wire.ParseServerMessage(it.Payload)
		require.NoError(t, err)
		require.Equal(t, wire.PunchCheckResult{OK: false}, msg)
	}
}

// Scenario 6: proxy set-up and forwarding.
func TestEngine_ProxySetupAndForwarding(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, clockwork.NewFakeClock(), idsource.System{})
	caller := addr("198.51.100.9:4000")
	target := addr("203.0.113.7:7000")

	items := e.Process(0, caller, wire.ProxyTo{Remote: target}.Serialize())
	require.Len(t, items, 2)
	for _, it := range items {
		require.Equal(t, 0, it.SocketIndex)
		msg, err := wire.ParseServerMessage(it.Payload)
		require.NoError(t, err)
		require.Equal(t, wire.ProxyResult{Remote: target, OK: true}, msg)
	}

	payload := []byte("arbitrary relay payload")
	fwd := e.Process(0, caller, payload)
	require.Len(t, fwd, 1)
	require.Equal(t, target, fwd[0].Dest)
	require.Equal(t, 3, fwd[0].SocketIndex)
	require.Equal(t, payload, fwd[0].Payload)

	back := e.Process(fwd[0].SocketIndex, target, payload)
	require.Len(t, back, 1)
	require.Equal(t, caller, back[0].Dest)
	require.Equal(t, 0, back[0].SocketIndex)
	require.Equal(t, payload, back[0].Payload)
}

func TestEngine_ProxyToMirrorIsIdempotentAndSilent(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, clockwork.NewFakeClock(), idsource.System{})
	a := addr("198.51.100.9:4000")
	b := addr("203.0.113.7:7000")

	items := e.Process(0, a, wire.ProxyTo{Remote: b}.Serialize())
	require.Len(t, items, 2)

	mirror := e.Process(3, b, wire.ProxyTo{Remote: a}.Serialize())
	require.Empty(t, mirror)
}

func TestEngine_MalformedDatagramIsDropped(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, clockwork.NewFakeClock(), idsource.System{})
	items := e.Process(0, addr("192.0.2.1:1"), []byte("UDPUNCHrequest/id=notanumber"))
	require.Empty(t, items)
}

func TestEngine_NonControlDatagramWithoutSessionIsDropped(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, clockwork.NewFakeClock(), idsource.System{})
	items := e.Process(0, addr("192.0.2.1:1"), []byte("not a control message"))
	require.Empty(t, items)
}
