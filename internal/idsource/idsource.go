// Package idsource provides the injected randomness the rendezvous registry
// uses to allocate identifiers, so tests can supply deterministic sequences
// instead of depending on the real RNG.
package idsource

import "math/rand/v2"

// Source returns uniformly distributed 32-bit identifiers.
type Source interface {
	Uint32() uint32
}

// System is the production Source, backed by math/rand/v2's process-global
// generator (ChaCha8-seeded, safe for concurrent use though the engine only
// ever calls it from its single loop goroutine).
type System struct{}

func (System) Uint32() uint32 { return rand.Uint32() }

// Fixed replays a fixed sequence of values, repeating the last one once
// exhausted. Useful for tests that want a specific id, or a specific
// collision-then-success sequence.
type Fixed struct {
	Values []uint32
	n      int
}

func (f *Fixed) Uint32() uint32 {
	if len(f.Values) == 0 {
		return 0
	}
	if f.n >= len(f.Values) {
		return f.Values[len(f.Values)-1]
	}
	v := f.Values[f.n]
	f.n++
	return v
}
