// Package udp implements the datagram transport profile named in the wire
// section but not spelled out as one of the three baseline profiles:
// fire-and-forget, no delivery guarantee, no connection state.
package udp

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/commcore/bus/internal/protocol"
	"github.com/commcore/bus/internal/protocol/transport"
)

func Profile() protocol.ProtocolProfile {
	return protocol.ProtocolProfile{
		ID:                       "udp",
		ConnectionOriented:       false,
		Bidirectional:            false,
		Streaming:                false,
		Multiplexing:             false,
		NativeEncryption:         false,
		HeaderOverheadBytes:      8,
		TypicalSetupTime:         0,
		IdealPayloadMinBytes:     0,
		IdealPayloadMaxBytes:     1200, // stays under typical MTU to avoid fragmentation
		MaxConcurrentConnections: 0,
		MinBandwidthBps:          100_000,
		Retry: protocol.RetryDescriptor{
			MaxAttempts: 1, Backoff: protocol.BackoffLinear,
		},
	}
}

// maxDatagram bounds a single read; larger payloads are rejected rather
// than silently truncated, since UDP gives no delivery guarantee to retry
// a fragmented send.
const maxDatagram = 65507

// Transport sends and receives whole frames as single UDP datagrams. There
// is no ack, no retry, and no ordering guarantee — callers that need those
// pick a different profile.
type Transport struct {
	conn *net.UDPConn
}

// Dial binds a local UDP socket and fixes its peer address, so Send never
// needs to repeat the destination per call.
func Dial(addr string) (*Transport, error) {
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("udp: resolve %s: %w", addr, err)
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, fmt.Errorf("udp: dial %s: %w", addr, err)
	}
	return &Transport{conn: conn}, nil
}

// Listen opens a UDP socket bound to addr for receiving.
func Listen(addr string) (*Transport, error) {
	laddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("udp: resolve %s: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("udp: listen %s: %w", addr, err)
	}
	return &Transport{conn: conn}, nil
}

func (t *Transport) Send(ctx context.Context, frame transport.Frame) error {
	if len(frame.Bytes) > maxDatagram {
		return fmt.Errorf("udp: payload %d bytes exceeds max datagram size", len(frame.Bytes))
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = t.conn.SetWriteDeadline(deadline)
	} else {
		_ = t.conn.SetWriteDeadline(time.Time{})
	}
	_, err := t.conn.Write(frame.Bytes)
	if err != nil {
		return fmt.Errorf("udp: write: %w", err)
	}
	return nil
}

func (t *Transport) Receive(ctx context.Context) (transport.Frame, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = t.conn.SetReadDeadline(deadline)
	} else {
		_ = t.conn.SetReadDeadline(time.Time{})
	}
	buf := make([]byte, maxDatagram)
	n, err := t.conn.Read(buf)
	if err != nil {
		return transport.Frame{}, fmt.Errorf("udp: read: %w", err)
	}
	return transport.Frame{Bytes: buf[:n]}, nil
}

func (t *Transport) Close() error {
	return t.conn.Close()
}

func (t *Transport) Profile() protocol.ProtocolProfile { return Profile() }
