// Package registry implements the rendezvous table: the mapping from a
// server-assigned identifier to the (public socket, expiry) of whoever
// registered it.
package registry

import (
	"net/netip"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/Vermeil-Soft/linkseeker/internal/idsource"
)

// Expire is how long a registration survives without being refreshed.
const Expire = 60 * time.Second

type entry struct {
	socket  netip.AddrPort
	expires time.Time
}

// isExpired is true iff now has reached or passed the expiry instant, never
// the inverted "expiry >= now" reading an earlier implementation carried.
func (e entry) isExpired(now time.Time) bool {
	return !now.Before(e.expires)
}

// Table is the rendezvous registry. It is not safe for concurrent use; the
// event core is its sole owner and calls it from one goroutine.
type Table struct {
	clock  clockwork.Clock
	ids    idsource.Source
	expire time.Duration
	byID   map[uint32]entry
}

// New creates an empty registry using REGISTER_EXPIRE (Expire) as the TTL.
func New(clock clockwork.Clock, ids idsource.Source) *Table {
	return NewWithTTL(clock, ids, Expire)
}

// NewWithTTL creates an empty registry with a caller-supplied TTL, for
// --register-ttl.
func NewWithTTL(clock clockwork.Clock, ids idsource.Source, ttl time.Duration) *Table {
	return &Table{
		clock:  clock,
		ids:    ids,
		expire: ttl,
		byID:   make(map[uint32]entry),
	}
}

// RegisterOrRefresh records a registration: if socket is already registered
// under some id, that entry's expiry is refreshed and
// the existing id returned (stable identity across a client's restart that
// keeps its NAT mapping). Otherwise a fresh id is allocated, drawn uniformly
// at random with rejection on collision, and inserted.
func (t *Table) RegisterOrRefresh(socket netip.AddrPort) uint32 {
	now := t.clock.Now()
	for id, e := range t.byID {
		if e.socket == socket {
			t.byID[id] = entry{socket: socket, expires: now.Add(t.expire)}
			return id
		}
	}

	for {
		id := t.ids.Uint32()
		if _, taken := t.byID[id]; taken {
			continue
		}
		t.byID[id] = entry{socket: socket, expires: now.Add(t.expire)}
		return id
	}
}

// Lookup returns the socket registered under id, if any and not expired.
func (t *Table) Lookup(id uint32) (netip.AddrPort, bool) {
	e, ok := t.byID[id]
	if !ok {
		return netip.AddrPort{}, false
	}
	if e.isExpired(t.clock.Now()) {
		return netip.AddrPort{}, false
	}
	return e.socket, true
}

// Len reports the number of live registrations (including any that are
// expired but not yet swept).
func (t *Table) Len() int {
	return len(t.byID)
}

// Sweep removes every registration whose expiry has been reached, returning
// the ids that were removed (for logging).
func (t *Table) Sweep() []uint32 {
	now := t.clock.Now()
	var removed []uint32
	for id, e := range t.byID {
		if e.isExpired(now) {
			removed = append(removed, id)
			delete(t.byID, id)
		}
	}
	return removed
}
