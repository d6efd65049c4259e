package engine

import "net/netip"

// OutboundItem is one datagram queued for send. SocketIndex names which of
// the engine's local sockets it must be sent from — the event core never
// substitutes a different socket than the one a handler selected.
type OutboundItem struct {
	Payload     []byte
	Dest        netip.AddrPort
	SocketIndex int
}

// twice appends it to items twice, back-to-back. Every control reply the
// server emits is sent this way: a naive loss hedge against a dropped
// datagram.
func twice(items []OutboundItem, it OutboundItem) []OutboundItem {
	return append(items, it, it)
}
