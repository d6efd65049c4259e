// Package punch implements the feasibility-probe half of the punch
// coordinator: a time-windowed pairing of two PunchCheck probes carrying the
// same identifier, arriving on different local sockets, used to detect
// whether a client's NAT preserves source port across destinations.
package punch

import (
	"net/netip"
	"time"

	"github.com/jonboulle/clockwork"
)

// Expire is how long an unmatched probe is kept before being swept.
const Expire = 60 * time.Second

// Peer names a socket observed on a particular local socket index.
type Peer struct {
	Socket      netip.AddrPort
	SocketIndex int
}

type check struct {
	first   Peer
	expires time.Time
}

func (c check) isExpired(now time.Time) bool {
	return !now.Before(c.expires)
}

// Table tracks at most one outstanding probe per identifier. Not safe for
// concurrent use.
type Table struct {
	clock  clockwork.Clock
	expire time.Duration
	byID   map[uint32]check
}

// New creates an empty punch-check table using PUNCH_CHECK_EXPIRE (Expire).
func New(clock clockwork.Clock) *Table {
	return NewWithTTL(clock, Expire)
}

// NewWithTTL creates an empty punch-check table with a caller-supplied TTL,
// for --punch-check-ttl.
func NewWithTTL(clock clockwork.Clock, ttl time.Duration) *Table {
	return &Table{clock: clock, expire: ttl, byID: make(map[uint32]check)}
}

// Result is returned when a second probe completes a check.
type Result struct {
	ID uint32
	OK bool
	A  Peer // the probe just received
	B  Peer // the first probe previously recorded
}

// Probe records a PunchCheck{id} arriving from peer:
//
//   - no outstanding record for id: insert (peer, now+Expire), no result.
//   - a record exists and peer arrived on a different local socket than the
//     first probe: compare observed sockets, produce a Result, and remove
//     the record.
//   - a record exists and peer arrived on the same local socket as the
//     first probe: duplicate, ignored (no result, record untouched).
func (t *Table) Probe(id uint32, peer Peer) (Result, bool) {
	first, ok := t.byID[id]
	if !ok {
		t.byID[id] = check{first: peer, expires: t.clock.Now().Add(t.expire)}
		return Result{}, false
	}

	if peer.SocketIndex == first.first.SocketIndex {
		// Same local socket as the first probe: duplicate, ignore.
		return Result{}, false
	}

	delete(t.byID, id)
	return Result{
		ID: id,
		OK: peer.Socket == first.first.Socket,
		A:  peer,
		B:  first.first,
	}, true
}

// Len reports the number of outstanding checks (including any expired but
// not yet swept).
func (t *Table) Len() int {
	return len(t.byID)
}

// Sweep removes every check whose expiry has been reached.
func (t *Table) Sweep() []uint32 {
	now := t.clock.Now()
	var removed []uint32
	for id, c := range t.byID {
		if c.isExpired(now) {
			removed = append(removed, id)
			delete(t.byID, id)
		}
	}
	return removed
}
