//go:build linux

package engine

import (
	"net"

	"golang.org/x/sys/unix"
)

// tuneReceiveBuffer raises SO_RCVBUF on the listener's underlying fd so a
// burst of punch-check or relay traffic across four sockets doesn't drop
// datagrams in the kernel before the poll loop gets to them. Best-effort:
// failures are not fatal, the default buffer still works.
func tuneReceiveBuffer(conn *net.UDPConn, bytes int) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return
	}
	_ = raw.Control(func(fd uintptr) {
		_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, bytes)
	})
}
