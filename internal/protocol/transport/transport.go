// Package transport defines the capability interface every concrete
// protocol profile implementation (grpcstream, wsframed, local,
// datagram/udp) satisfies.
package transport

import (
	"context"

	"github.com/commcore/bus/internal/protocol"
)

// Frame is the wire unit every transport moves: the bus's opaque envelope
// bytes plus enough addressing to route it, never interpreted by the
// transport itself (Design Note "Dynamically typed message payloads").
type Frame struct {
	MessageID   string
	Destination string
	Bytes       []byte
}

// Transport is what the Protocol Selector's chosen profile resolves to at
// send time.
type Transport interface {
	Send(ctx context.Context, frame Frame) error
	Receive(ctx context.Context) (Frame, error)
	Close() error
	Profile() protocol.ProtocolProfile
}
