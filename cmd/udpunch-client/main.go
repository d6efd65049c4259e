// Command udpunch-client is a thin demonstration of the udpunch wire
// protocol: enough to register a host, request a connection by id, and
// exchange raw hole-punch datagrams once the server orders it. It is not
// part of the server's contract; it exists so the protocol is testable
// end-to-end without a third-party peer implementation.
package main

import (
	"fmt"
	"net"
	"net/netip"
	"os"
	"strconv"
	"time"

	"github.com/Vermeil-Soft/linkseeker/internal/wire"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: udpunch-client host|join <server-addr> [id]")
	}

	mode, serverAddrStr := args[0], args[1]
	serverAddr, err := net.ResolveUDPAddr("udp", serverAddrStr)
	if err != nil {
		return fmt.Errorf("resolve server address %q: %w", serverAddrStr, err)
	}

	conn, err := net.ListenUDP("udp", &net.UDPAddr{})
	if err != nil {
		return fmt.Errorf("open local socket: %w", err)
	}
	defer conn.Close()

	switch mode {
	case "host":
		return hostScript(conn, serverAddr)
	case "join":
		if len(args) < 3 {
			return fmt.Errorf("usage: udpunch-client join <server-addr> <id>")
		}
		id, err := strconv.ParseUint(args[2], 10, 32)
		if err != nil {
			return fmt.Errorf("invalid id %q: %w", args[2], err)
		}
		return joinScript(conn, serverAddr, uint32(id))
	default:
		return fmt.Errorf("unknown mode %q: want host or join", mode)
	}
}

// hostScript registers with the server, prints the assigned id, and waits
// to be told to punch.
func hostScript(conn *net.UDPConn, serverAddr *net.UDPAddr) error {
	if err := sendMsg(conn, serverAddr, wire.Register{}); err != nil {
		return err
	}
	reply, err := recvMsg(conn, serverAddr)
	if err != nil {
		return err
	}
	ok, isOK := reply.(wire.RegisterOK)
	if !isOK {
		return fmt.Errorf("unexpected reply to register: %#v", reply)
	}
	fmt.Printf("registered, id=%d\n", ok.ID)

	order, err := recvMsg(conn, serverAddr)
	if err != nil {
		return err
	}
	po, isOrder := order.(wire.PunchOrder)
	if !isOrder {
		return fmt.Errorf("unexpected reply while waiting for punch order: %#v", order)
	}
	fmt.Printf("punching toward %s\n", po.Remote)
	return punch(conn, po.Remote)
}

// joinScript requests connection to id and waits for the punch order.
func joinScript(conn *net.UDPConn, serverAddr *net.UDPAddr, id uint32) error {
	if err := sendMsg(conn, serverAddr, wire.Request{ID: id, UseProxy: false}); err != nil {
		return err
	}
	reply, err := recvMsg(conn, serverAddr)
	if err != nil {
		return err
	}
	switch m := reply.(type) {
	case wire.RequestErr:
		return fmt.Errorf("server rejected request: %s", m.Msg)
	case wire.PunchOrder:
		fmt.Printf("punching toward %s\n", m.Remote)
		return punch(conn, m.Remote)
	default:
		return fmt.Errorf("unexpected reply to request: %#v", reply)
	}
}

// punch sends a handful of raw hole-punch datagrams toward remote, then
// waits once for a reply from the same address as evidence the mapping
// opened. Payload content has no meaning on the wire beyond opening the
// NAT mapping.
func punch(conn *net.UDPConn, remote netip.AddrPort) error {
	payload := []byte("udpunch-hole-punch")
	dst := net.UDPAddrFromAddrPort(remote)

	for i := 0; i < 3; i++ {
		if _, err := conn.WriteToUDP(payload, dst); err != nil {
			return fmt.Errorf("send punch datagram: %w", err)
		}
		fmt.Println("punching...")
		time.Sleep(time.Second)
	}

	fmt.Println("waiting for punch...")
	buf := make([]byte, 1500)
	if err := conn.SetReadDeadline(time.Now().Add(5 * time.Second)); err != nil {
		return err
	}
	n, from, err := conn.ReadFromUDP(buf)
	if err != nil {
		return fmt.Errorf("no punch reply received: %w", err)
	}
	if from.IP.String() != dst.IP.String() || from.Port != dst.Port {
		return fmt.Errorf("received unexpected datagram from %s instead of %s", from, remote)
	}
	fmt.Printf("successfully punched to %s (%d bytes)\n", remote, n)
	return nil
}

func sendMsg(conn *net.UDPConn, dst *net.UDPAddr, msg wire.ClientMessage) error {
	_, err := conn.WriteToUDP(msg.Serialize(), dst)
	return err
}

func recvMsg(conn *net.UDPConn, from *net.UDPAddr) (wire.ServerMessage, error) {
	buf := make([]byte, 1500)
	if err := conn.SetReadDeadline(time.Now().Add(10 * time.Second)); err != nil {
		return nil, err
	}
	n, _, err := conn.ReadFromUDP(buf)
	if err != nil {
		return nil, fmt.Errorf("read from %s: %w", from, err)
	}
	return wire.ParseServerMessage(buf[:n])
}
