//go:build !linux

package engine

import "net"

// tuneReceiveBuffer is a no-op off Linux; SO_RCVBUF tuning is a best-effort
// optimization, not a correctness requirement.
func tuneReceiveBuffer(conn *net.UDPConn, bytes int) {}
