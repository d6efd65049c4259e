// Package relay implements the proxy table: server-mediated forwarding
// sessions used when direct hole punching is infeasible. Each session pins
// the caller and the target it asked to reach to two distinct local socket
// indices, so each peer sees a single stable 5-tuple to the server and can
// run several simultaneous relays distinguished by which of our ports they
// land on.
package relay

import (
	"net/netip"
	"time"

	"github.com/jonboulle/clockwork"
)

// Expire is how long a session survives without a forwarded datagram.
const Expire = 60 * time.Second

// Peer names a socket observed on a particular local socket index.
type Peer struct {
	Socket      netip.AddrPort
	SocketIndex int
}

// Session is one proxy pairing. Caller is whoever sent ProxyTo, Target is
// the remote they asked to reach. Each is pinned to exactly one local
// socket for the session's lifetime.
type Session struct {
	Caller Peer
	Target Peer

	PacketsFromCaller uint64
	PacketsFromTarget uint64
	LastActive        time.Time
}

func (s *Session) isExpired(now time.Time, expire time.Duration) bool {
	return !now.Before(s.LastActive.Add(expire))
}

// Table is the relay engine's session list. Not safe for concurrent use.
type Table struct {
	clock      clockwork.Clock
	numSockets int
	expire     time.Duration
	sessions   []*Session
}

// New creates an empty relay table using PROXY_EXPIRE (Expire). numSockets
// bounds how many distinct local sockets are available to pin peers to.
func New(clock clockwork.Clock, numSockets int) *Table {
	return NewWithTTL(clock, numSockets, Expire)
}

// NewWithTTL creates an empty relay table with a caller-supplied idle TTL,
// for --proxy-ttl.
func NewWithTTL(clock clockwork.Clock, numSockets int, ttl time.Duration) *Table {
	return &Table{clock: clock, numSockets: numSockets, expire: ttl}
}

// Len reports the number of active sessions.
func (t *Table) Len() int {
	return len(t.sessions)
}

// ProxyTo pairs caller with target for relayed forwarding.
//
//  1. If a session already exists whose Caller matches target and whose
//     Target matches caller — i.e. the mirror-direction pairing, already
//     treated as "this relay is already served" — do nothing and report
//     existing=true (no reply is sent to the caller in this case).
//  2. Otherwise, pick the highest-numbered local socket index that is not
//     callerSocketIndex and is not already the pinned socket of target in
//     any existing session (as its Caller or as its Target). If none is
//     free, ok=false.
//  3. On success, create the session, pinning Target to the chosen index
//     and Caller to callerSocketIndex (the socket the ProxyTo request
//     arrived on).
func (t *Table) ProxyTo(caller netip.AddrPort, callerSocketIndex int, target netip.AddrPort) (ok bool, existing bool) {
	for _, s := range t.sessions {
		if s.Caller.Socket == target && s.Target.Socket == caller {
			return false, true
		}
	}

	taken := make([]bool, t.numSockets)
	if callerSocketIndex >= 0 && callerSocketIndex < t.numSockets {
		taken[callerSocketIndex] = true
	}
	for _, s := range t.sessions {
		if s.Caller.Socket == target {
			taken[s.Caller.SocketIndex] = true
		}
		if s.Target.Socket == target {
			taken[s.Target.SocketIndex] = true
		}
	}

	chosen := -1
	for i := t.numSockets - 1; i >= 0; i-- {
		if !taken[i] {
			chosen = i
			break
		}
	}
	if chosen == -1 {
		return false, false
	}

	t.sessions = append(t.sessions, &Session{
		Caller:     Peer{Socket: caller, SocketIndex: callerSocketIndex},
		Target:     Peer{Socket: target, SocketIndex: chosen},
		LastActive: t.clock.Now(),
	})
	return true, false
}

// Forward relays a non-control datagram: given a datagram that arrived on
// socketIndex from src, find the session it belongs to (by
// matching (socketIndex, src) against either peer slot), bump that
// direction's counter, refresh LastActive, and report where to send the
// unmodified payload next. found is false if no session matches, in which
// case the datagram is dropped.
func (t *Table) Forward(socketIndex int, src netip.AddrPort) (dest netip.AddrPort, destSocketIndex int, found bool) {
	now := t.clock.Now()
	for _, s := range t.sessions {
		switch {
		case s.Caller.SocketIndex == socketIndex && s.Caller.Socket == src:
			s.PacketsFromCaller++
			s.LastActive = now
			return s.Target.Socket, s.Target.SocketIndex, true
		case s.Target.SocketIndex == socketIndex && s.Target.Socket == src:
			s.PacketsFromTarget++
			s.LastActive = now
			return s.Caller.Socket, s.Caller.SocketIndex, true
		}
	}
	return netip.AddrPort{}, 0, false
}

// Sweep removes every session that has been idle for at least Expire.
func (t *Table) Sweep() []*Session {
	now := t.clock.Now()
	var removed []*Session
	kept := t.sessions[:0]
	for _, s := range t.sessions {
		if s.isExpired(now, t.expire) {
			removed = append(removed, s)
			continue
		}
		kept = append(kept, s)
	}
	t.sessions = kept
	return removed
}
