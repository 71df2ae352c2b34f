// Package local implements the in-process channel transport: the profile
// used by tests and the seed "happy path" scenario, where sender and
// receiver share a process and no network is involved.
package local

import (
	"context"

	"github.com/commcore/bus/internal/protocol"
	"github.com/commcore/bus/internal/protocol/transport"
)

// Profile describes the in-process channel's capability envelope: no
// connection setup, no header overhead, effectively unbounded bandwidth.
func Profile() protocol.ProtocolProfile {
	return protocol.ProtocolProfile{
		ID:                       "local",
		ConnectionOriented:       false,
		Bidirectional:            true,
		Streaming:                false,
		Multiplexing:             true,
		NativeEncryption:         false,
		HeaderOverheadBytes:      0,
		TypicalSetupTime:         0,
		IdealPayloadMinBytes:     0,
		IdealPayloadMaxBytes:     1 << 20,
		MaxConcurrentConnections: 0, // unbounded: no real connections held
		MinBandwidthBps:          1 << 30,
		Retry: protocol.RetryDescriptor{
			MaxAttempts: 1, Backoff: protocol.BackoffLinear,
		},
	}
}

// Transport is a Transport backed by a single buffered Go channel; it has
// no network presence and never blocks Send beyond the channel's capacity.
type Transport struct {
	ch chan transport.Frame
}

func New(bufferSize int) *Transport {
	return &Transport{ch: make(chan transport.Frame, bufferSize)}
}

func (t *Transport) Send(ctx context.Context, frame transport.Frame) error {
	select {
	case t.ch <- frame:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Transport) Receive(ctx context.Context) (transport.Frame, error) {
	select {
	case f := <-t.ch:
		return f, nil
	case <-ctx.Done():
		return transport.Frame{}, ctx.Err()
	}
}

func (t *Transport) Close() error {
	close(t.ch)
	return nil
}

func (t *Transport) Profile() protocol.ProtocolProfile { return Profile() }
