package engine

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strings"
	"time"
)

// socket wraps one UDP listener for non-blocking use. Go's net package has
// no native non-blocking read; the idiomatic substitute, used throughout
// doublezero's UDP tools, is to set a read deadline of "now" before every
// read attempt so it returns immediately with a timeout error when nothing
// is pending.
type socket struct {
	conn *net.UDPConn
}

func newSocket(port int, rcvBufBytes int) (*socket, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: port})
	if err != nil {
		return nil, fmt.Errorf("bind udp port %d: %w", port, err)
	}
	if rcvBufBytes > 0 {
		tuneReceiveBuffer(conn, rcvBufBytes)
	}
	return &socket{conn: conn}, nil
}

func (s *socket) localPort() int {
	return s.conn.LocalAddr().(*net.UDPAddr).Port
}

// tryRead attempts exactly one non-blocking read. ok is false both when the
// socket had nothing to offer and when a real error occurred (which is
// logged by the caller via err).
func (s *socket) tryRead(buf []byte) (n int, src netip.AddrPort, ok bool, err error) {
	if err := s.conn.SetReadDeadline(time.Now()); err != nil {
		return 0, netip.AddrPort{}, false, err
	}
	n, addr, err := s.conn.ReadFromUDPAddrPort(buf)
	if err != nil {
		if isTimeout(err) {
			return 0, netip.AddrPort{}, false, nil
		}
		if isClosed(err) {
			return 0, netip.AddrPort{}, false, net.ErrClosed
		}
		return 0, netip.AddrPort{}, false, err
	}
	return n, addr, true, nil
}

func (s *socket) writeTo(payload []byte, dest netip.AddrPort) error {
	_, err := s.conn.WriteToUDPAddrPort(payload, dest)
	return err
}

func (s *socket) close() error {
	return s.conn.Close()
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func isClosed(err error) bool {
	return errors.Is(err, net.ErrClosed) || strings.Contains(err.Error(), "use of closed network connection")
}
