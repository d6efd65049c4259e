// Package engine implements the event core: the single-threaded dispatcher
// that ties the wire codec to the rendezvous registry, punch coordinator,
// and relay engine, and the polling loop that drives them over real UDP
// sockets.
package engine

import (
	"errors"
	"log/slog"
	"net/netip"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/Vermeil-Soft/linkseeker/internal/idsource"
	"github.com/Vermeil-Soft/linkseeker/internal/metrics"
	"github.com/Vermeil-Soft/linkseeker/internal/punch"
	"github.com/Vermeil-Soft/linkseeker/internal/registry"
	"github.com/Vermeil-Soft/linkseeker/internal/relay"
	"github.com/Vermeil-Soft/linkseeker/internal/wire"
)

// NumSockets is UDP_SOCKET_N: the number of consecutive local ports bound.
const NumSockets = 4

// Engine holds all server state. It is not safe for concurrent use — every
// call must come from the single polling loop in Run.
type Engine struct {
	log   *slog.Logger
	clock clockwork.Clock

	registry *registry.Table
	punch    *punch.Table
	relay    *relay.Table

	numSockets int
	sockets    []*socket
}

// New builds an Engine with empty tables, using each table's spec default
// TTL (REGISTER_EXPIRE/PUNCH_CHECK_EXPIRE/PROXY_EXPIRE, all 60s). numSockets
// must match the number of local sockets the caller will actually poll.
func New(log *slog.Logger, clock clockwork.Clock, ids idsource.Source, numSockets int) *Engine {
	return NewWithTTLs(log, clock, ids, numSockets, registry.Expire, punch.Expire, relay.Expire)
}

// NewWithTTLs builds an Engine with caller-supplied TTLs, for the
// --register-ttl/--punch-check-ttl/--proxy-ttl flags.
func NewWithTTLs(log *slog.Logger, clock clockwork.Clock, ids idsource.Source, numSockets int, registerTTL, punchCheckTTL, proxyTTL time.Duration) *Engine {
	return &Engine{
		log:        log,
		clock:      clock,
		registry:   registry.NewWithTTL(clock, ids, registerTTL),
		punch:      punch.NewWithTTL(clock, punchCheckTTL),
		relay:      relay.NewWithTTL(clock, numSockets, proxyTTL),
		numSockets: numSockets,
	}
}

// ActiveRelaySessions reports the current relay session count, used by the
// polling loop to pick its idle backoff duration.
func (e *Engine) ActiveRelaySessions() int {
	return e.relay.Len()
}

// Process handles one received datagram and returns, in send order, every
// outbound datagram it produces. Besides the three tables, its only other
// side effects are logging and updating the package-level Prometheus
// collectors in internal/metrics, so it remains directly unit-testable
// against spec scenarios without a real network.
func (e *Engine) Process(socketIndex int, src netip.AddrPort, data []byte) []OutboundItem {
	metrics.DatagramsProcessedTotal.Inc()
	msg, err := wire.ParseClientMessage(data)
	if err != nil {
		if errors.Is(err, wire.ErrNotControlMessage) {
			return e.forward(socketIndex, src, data)
		}
		e.log.Debug("dropping malformed datagram", "peer", src, "error", err)
		return nil
	}
	return e.dispatch(socketIndex, src, msg)
}

func (e *Engine) dispatch(socketIndex int, src netip.AddrPort, msg wire.ClientMessage) []OutboundItem {
	switch m := msg.(type) {
	case wire.Register:
		return e.handleRegister(socketIndex, src)
	case wire.Request:
		return e.handleRequest(socketIndex, src, m)
	case wire.PunchCheck:
		return e.handlePunchCheck(socketIndex, src, m)
	case wire.ProxyTo:
		return e.handleProxyTo(socketIndex, src, m)
	case wire.Ping:
		return e.handlePing(socketIndex, src, m)
	default:
		e.log.Debug("unhandled client message type", "peer", src)
		return nil
	}
}

func (e *Engine) handleRegister(socketIndex int, src netip.AddrPort) []OutboundItem {
	id := e.registry.RegisterOrRefresh(src)
	e.log.Info("registered", "peer", src, "id", id)
	metrics.RegistrationsTotal.Inc()
	return twice(nil, OutboundItem{
		Payload:     wire.RegisterOK{ID: id}.Serialize(),
		Dest:        src,
		SocketIndex: socketIndex,
	})
}

// handleRequest resolves a request for a registered id: an unknown id gets a
// requesterr; otherwise both peers get a punchorder pointing at each other,
// both sent from the socket the request arrived on so each peer's existing
// NAT mapping to that local port is reused. Enqueue order is
// host-then-requester; the wire does not guarantee delivery order regardless.
func (e *Engine) handleRequest(socketIndex int, src netip.AddrPort, m wire.Request) []OutboundItem {
	hostSocket, ok := e.registry.Lookup(m.ID)
	if !ok {
		e.log.Debug("request for unknown id", "id", m.ID, "peer", src)
		metrics.RequestsTotal.WithLabelValues("unknown_id").Inc()
		return twice(nil, OutboundItem{
			Payload:     wire.RequestErr{Msg: "host code does not exist"}.Serialize(),
			Dest:        src,
			SocketIndex: socketIndex,
		})
	}
	metrics.RequestsTotal.WithLabelValues("ok").Inc()

	var items []OutboundItem
	items = twice(items, OutboundItem{
		Payload:     wire.PunchOrder{Remote: src}.Serialize(),
		Dest:        hostSocket,
		SocketIndex: socketIndex,
	})
	items = twice(items, OutboundItem{
		Payload:     wire.PunchOrder{Remote: hostSocket}.Serialize(),
		Dest:        src,
		SocketIndex: socketIndex,
	})
	return items
}

func (e *Engine) handlePunchCheck(socketIndex int, src netip.AddrPort, m wire.PunchCheck) []OutboundItem {
	res, matched := e.punch.Probe(m.ID, punch.Peer{Socket: src, SocketIndex: socketIndex})
	if !matched {
		return nil
	}
	metrics.PunchChecksTotal.WithLabelValues(boolLabel(res.OK)).Inc()

	// The first probe (res.B) is answered before the one just received.
	var items []OutboundItem
	items = twice(items, OutboundItem{
		Payload:     wire.PunchCheckResult{OK: res.OK}.Serialize(),
		Dest:        res.B.Socket,
		SocketIndex: res.B.SocketIndex,
	})
	items = twice(items, OutboundItem{
		Payload:     wire.PunchCheckResult{OK: res.OK}.Serialize(),
		Dest:        res.A.Socket,
		SocketIndex: res.A.SocketIndex,
	})
	return items
}

func (e *Engine) handleProxyTo(socketIndex int, src netip.AddrPort, m wire.ProxyTo) []OutboundItem {
	ok, existing := e.relay.ProxyTo(src, socketIndex, m.Remote)
	if existing {
		// Mirror-direction pairing already served; no reply is sent here.
		return nil
	}
	metrics.ProxySetupsTotal.WithLabelValues(boolLabel(ok)).Inc()
	metrics.RelaySessionsActive.Set(float64(e.relay.Len()))
	return twice(nil, OutboundItem{
		Payload:     wire.ProxyResult{Remote: m.Remote, OK: ok}.Serialize(),
		Dest:        src,
		SocketIndex: socketIndex,
	})
}

func (e *Engine) handlePing(socketIndex int, src netip.AddrPort, m wire.Ping) []OutboundItem {
	return twice(nil, OutboundItem{
		Payload:     wire.Pong{ID: m.ID}.Serialize(),
		Dest:        src,
		SocketIndex: socketIndex,
	})
}

// forward is process_other_msg: a non-control datagram is relayed verbatim
// if it matches an existing session, otherwise dropped.
func (e *Engine) forward(socketIndex int, src netip.AddrPort, data []byte) []OutboundItem {
	dest, destIdx, found := e.relay.Forward(socketIndex, src)
	if !found {
		return nil
	}
	return []OutboundItem{{Payload: data, Dest: dest, SocketIndex: destIdx}}
}

// Sweep removes expired state from all three tables. It produces no
// outbound datagrams; none of the three expiries trigger a reply.
func (e *Engine) Sweep() {
	if removed := e.registry.Sweep(); len(removed) > 0 {
		e.log.Debug("swept expired registrations", "count", len(removed))
	}
	if removed := e.punch.Sweep(); len(removed) > 0 {
		e.log.Debug("swept expired punch checks", "count", len(removed))
	}
	if removed := e.relay.Sweep(); len(removed) > 0 {
		e.log.Debug("swept idle relay sessions", "count", len(removed))
	}
	metrics.RelaySessionsActive.Set(float64(e.relay.Len()))
}

func boolLabel(v bool) string {
	if v {
		return "true"
	}
	return "false"
}
