// Package wire implements the udpunch control protocol: a line-like ASCII
// format carried in a single UDP datagram, consisting of a fixed magic
// prefix, a command token, and zero or more "/key=value" pairs.
package wire

import "net/netip"

// Magic is the fixed prefix every control datagram begins with. It must be
// identical across the server and any client build it talks to.
const Magic = "UDPUNCH"

// ClientMessage is sent by a client to the server.
type ClientMessage interface {
	Serialize() []byte
	isClientMessage()
}

// ServerMessage is sent by the server to a client.
type ServerMessage interface {
	Serialize() []byte
	isServerMessage()
}

// Register asks the server to assign (or refresh) a rendezvous identifier
// for the caller's observed public socket.
type Register struct{}

// Request asks the server to connect the caller to the host registered
// under ID. UseProxy is a hint from the client that it suspects punching
// will fail and relaying should be preferred; the server does not act on it
// directly (the canonical protocol always orders a punch attempt first; see
// the client-driven PunchCheck/ProxyTo flow for the relay fallback).
type Request struct {
	ID       uint32
	UseProxy bool
}

// PunchCheck reports one probe of a feasibility check. A client sends two of
// these, from different local ports, to let the server compare its observed
// source socket across both.
type PunchCheck struct {
	ID uint32
}

// ProxyTo asks the server to start relaying datagrams between the caller and
// Remote.
type ProxyTo struct {
	Remote netip.AddrPort
}

// Ping requests a Pong carrying the same ID, for liveness/RTT checks.
type Ping struct {
	ID uint32
}

func (Register) isClientMessage()   {}
func (Request) isClientMessage()    {}
func (PunchCheck) isClientMessage() {}
func (ProxyTo) isClientMessage()    {}
func (Ping) isClientMessage()       {}

// RegisterOK answers Register with the assigned identifier.
type RegisterOK struct {
	ID uint32
}

// RegisterErr answers Register when registration could not be completed.
// The canonical server never actually emits this (registration cannot fail),
// but the wire format carries it for completeness and forward compatibility.
type RegisterErr struct {
	Msg string
}

// RequestErr answers Request when the requested ID is not registered.
type RequestErr struct {
	Msg string
}

// PunchOrder instructs the receiving client to start sending hole-punch
// datagrams toward Remote.
type PunchOrder struct {
	Remote netip.AddrPort
}

// PunchSelf instructs a client to punch the server itself on Port. Part of
// the wire vocabulary for forward compatibility; this server never emits it.
type PunchSelf struct {
	Port uint16
}

// PunchCheckResult answers a PunchCheck pair once both probes have arrived.
type PunchCheckResult struct {
	OK bool
}

// ProxyResult answers ProxyTo with whether relaying was set up.
type ProxyResult struct {
	Remote netip.AddrPort
	OK     bool
}

// Pong answers Ping, echoing ID.
type Pong struct {
	ID uint32
}

func (RegisterOK) isServerMessage()       {}
func (RegisterErr) isServerMessage()      {}
func (RequestErr) isServerMessage()       {}
func (PunchOrder) isServerMessage()       {}
func (PunchSelf) isServerMessage()        {}
func (PunchCheckResult) isServerMessage() {}
func (ProxyResult) isServerMessage()      {}
func (Pong) isServerMessage()             {}
