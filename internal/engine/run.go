package engine

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

const (
	// pollPasses is the number of round-robin passes per loop iteration
	// before falling through to the idle backoff, batching bursts of
	// traffic without starving later sockets in the same pass.
	pollPasses = 8

	idleBackoffActive = 100 * time.Microsecond
	idleBackoffIdle   = 1 * time.Millisecond

	maxDatagram = 1500
)

// Listen binds numSockets consecutive UDP ports starting at basePort. Any
// bind failure is fatal and unwinds whatever was already bound. basePort 0
// is a test-only escape hatch: each socket gets its own kernel-assigned
// ephemeral port instead of a consecutive run, since port 0 can only mean
// "pick one" once, not "pick four in a row".
func (e *Engine) Listen(basePort int, rcvBufBytes int) error {
	sockets := make([]*socket, 0, e.numSockets)
	for i := 0; i < e.numSockets; i++ {
		port := basePort + i
		if basePort == 0 {
			port = 0
		}
		s, err := newSocket(port, rcvBufBytes)
		if err != nil {
			for _, opened := range sockets {
				_ = opened.close()
			}
			return fmt.Errorf("listen on socket %d: %w", i, err)
		}
		sockets = append(sockets, s)
		e.log.Info("bound socket", "index", i, "port", s.localPort())
	}
	e.sockets = sockets
	return nil
}

// BoundPort reports the local port socketIndex is bound to, for use after
// Listen (e.g. to find the ephemeral port Listen(0, ...) picked in tests).
func (e *Engine) BoundPort(socketIndex int) int {
	return e.sockets[socketIndex].localPort()
}

// Close releases all bound sockets.
func (e *Engine) Close() error {
	var first error
	for _, s := range e.sockets {
		if err := s.close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Run drives the event core's main loop until ctx is cancelled. Listen must
// have been called first.
func (e *Engine) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		_ = e.Close()
	}()

	buf := make([]byte, maxDatagram)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		processed := e.pollRound(buf)

		e.Sweep()

		if processed == 0 {
			if e.ActiveRelaySessions() > 0 {
				time.Sleep(idleBackoffActive)
			} else {
				time.Sleep(idleBackoffIdle)
			}
		}
	}
}

// pollRound performs up to pollPasses round-robin passes over every socket,
// dispatching each received datagram immediately and sending its replies
// before moving to the next read. It returns how many datagrams were
// processed, for the idle-backoff decision.
func (e *Engine) pollRound(buf []byte) int {
	processed := 0
	for pass := 0; pass < pollPasses; pass++ {
		progressed := false
		for idx, s := range e.sockets {
			n, src, ok, err := s.tryRead(buf)
			if err != nil {
				if !errors.Is(err, net.ErrClosed) {
					e.log.Error("socket read failed", "index", idx, "error", err)
				}
				continue
			}
			if !ok {
				continue
			}
			progressed = true
			processed++

			payload := make([]byte, n)
			copy(payload, buf[:n])

			for _, item := range e.Process(idx, src, payload) {
				e.send(item)
			}
		}
		if !progressed {
			break
		}
	}
	return processed
}

func (e *Engine) send(item OutboundItem) {
	if item.SocketIndex < 0 || item.SocketIndex >= len(e.sockets) {
		e.log.Error("outbound item names an unknown socket", "index", item.SocketIndex)
		return
	}
	if err := e.sockets[item.SocketIndex].writeTo(item.Payload, item.Dest); err != nil {
		e.log.Debug("send failed, dropping", "dest", item.Dest, "error", err)
	}
}
