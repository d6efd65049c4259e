package wire_test

import (
	"net/netip"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/Vermeil-Soft/linkseeker/internal/wire"
)

func addr(s string) netip.AddrPort {
	return netip.MustParseAddrPort(s)
}

// addrPortEqual lets cmp compare netip.AddrPort, whose fields are unexported.
var addrPortEqual = cmp.Comparer(func(a, b netip.AddrPort) bool { return a == b })

func TestWire_RoundTrip_ClientMessages(t *testing.T) {
	t.Parallel()

	cases := []wire.ClientMessage{
		wire.Register{},
		wire.Request{ID: 1234, UseProxy: true},
		wire.Request{ID: 0, UseProxy: false},
		wire.PunchCheck{ID: 5},
		wire.ProxyTo{Remote: addr("203.0.113.7:7000")},
		wire.ProxyTo{Remote: addr("[2001:db8::1]:443")},
		wire.Ping{ID: 7},
	}

	for _, orig := range cases {
		orig := orig
		t.Run("", func(t *testing.T) {
			t.Parallel()
			got, err := wire.ParseClientMessage(orig.Serialize())
			require.NoError(t, err)
			if diff := cmp.Diff(orig, got, addrPortEqual); diff != "" {
				t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestWire_RoundTrip_ServerMessages(t *testing.T) {
	t.Parallel()

	cases := []wire.ServerMessage{
		wire.RegisterOK{ID: 42},
		wire.RegisterErr{Msg: "nope"},
		wire.RequestErr{Msg: "host code does not exist"},
		wire.PunchOrder{Remote: addr("198.51.100.9:4000")},
		wire.PunchSelf{Port: 61990},
		wire.PunchCheckResult{OK: true},
		wire.PunchCheckResult{OK: false},
		wire.ProxyResult{Remote: addr("203.0.113.7:7000"), OK: true},
		wire.Pong{ID: 7},
	}

	for _, orig := range cases {
		orig := orig
		t.Run("", func(t *testing.T) {
			t.Parallel()
			got, err := wire.ParseServerMessage(orig.Serialize())
			require.NoError(t, err)
			if diff := cmp.Diff(orig, got, addrPortEqual); diff != "" {
				t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestWire_Parse_BadMagic(t *testing.T) {
	t.Parallel()

	_, err := wire.ParseClientMessage([]byte("NOTUDPUNCHregister"))
	require.ErrorIs(t, err, wire.ErrNotControlMessage)

	_, err = wire.ParseClientMessage([]byte("short"))
	require.ErrorIs(t, err, wire.ErrNotControlMessage)
}

func TestWire_Parse_UnknownFieldsIgnored(t *testing.T) {
	t.Parallel()

	msg, err := wire.ParseClientMessage([]byte(wire.Magic + "ping/id=7/bogus=yes/another=field"))
	require.NoError(t, err)
	require.Equal(t, wire.Ping{ID: 7}, msg)
}

func TestWire_Parse_MissingRequiredFieldIsInvalid(t *testing.T) {
	t.Parallel()

	_, err := wire.ParseClientMessage([]byte(wire.Magic + "ping"))
	require.ErrorIs(t, err, wire.ErrMalformed)

	_, err = wire.ParseClientMessage([]byte(wire.Magic + "request/id=1"))
	require.NoError(t, err) // useproxy defaults to false
}

func TestWire_Parse_BadKVPairIsInvalid(t *testing.T) {
	t.Parallel()

	_, err := wire.ParseClientMessage([]byte(wire.Magic + "ping/idwithoutequals"))
	require.ErrorIs(t, err, wire.ErrMalformed)
}

func TestWire_Parse_UnknownCommand(t *testing.T) {
	t.Parallel()

	_, err := wire.ParseClientMessage([]byte(wire.Magic + "frobnicate"))
	require.ErrorIs(t, err, wire.ErrMalformed)
}

func TestWire_Parse_RequestDefaultsUseProxyFalse(t *testing.T) {
	t.Parallel()

	msg, err := wire.ParseClientMessage([]byte(wire.Magic + "request/id=42"))
	require.NoError(t, err)
	require.Equal(t, wire.Request{ID: 42, UseProxy: false}, msg)
}

func TestWire_Parse_InvalidUTF8IsLossy(t *testing.T) {
	t.Parallel()

	data := append([]byte(wire.Magic+"registererr/msg="), 0xff, 0xfe)
	msg, err := wire.ParseServerMessage(data)
	require.NoError(t, err)
	errMsg, ok := msg.(wire.RegisterErr)
	require.True(t, ok)
	require.NotEmpty(t, errMsg.Msg)
}
