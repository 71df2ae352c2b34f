// Package wsframed implements the "bidirectional framed" protocol profile:
// one framed message per WebSocket frame, duplex, no built-in encryption
// (TLS is layered by whichever URL scheme the dialer uses, not the profile
// itself).
package wsframed

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/commcore/bus/internal/protocol"
	"github.com/commcore/bus/internal/protocol/transport"
)

func Profile() protocol.ProtocolProfile {
	return protocol.ProtocolProfile{
		ID:                       "wsframed",
		ConnectionOriented:       true,
		Bidirectional:            true,
		Streaming:                false,
		Multiplexing:             false,
		NativeEncryption:         false,
		HeaderOverheadBytes:      6,
		TypicalSetupTime:         80 * time.Millisecond,
		IdealPayloadMinBytes:     0,
		IdealPayloadMaxBytes:     1 << 16,
		MaxConcurrentConnections: 500,
		MinBandwidthBps:          500_000,
		Retry: protocol.RetryDescriptor{
			MaxAttempts: 3, Backoff: protocol.BackoffLinear,
			InitialDelay: 200 * time.Millisecond, MaxDelay: 2 * time.Second, Jitter: 0.1,
		},
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// wireFrame is the JSON envelope sent over each WebSocket message.
type wireFrame struct {
	MessageID   string `json:"messageId"`
	Destination string `json:"destination"`
	Bytes       []byte `json:"bytes"`
}

// Transport wraps a single *websocket.Conn.
type Transport struct {
	conn *websocket.Conn
}

func Dial(ctx context.Context, url string) (*Transport, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("wsframed: dial %s: %w", url, err)
	}
	return &Transport{conn: conn}, nil
}

// Accept upgrades an incoming HTTP request to a WebSocket connection,
// serving as the server-side counterpart to Dial.
func Accept(w http.ResponseWriter, r *http.Request) (*Transport, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("wsframed: upgrade: %w", err)
	}
	return &Transport{conn: conn}, nil
}

func (t *Transport) Send(ctx context.Context, frame transport.Frame) error {
	body, err := json.Marshal(wireFrame{MessageID: frame.MessageID, Destination: frame.Destination, Bytes: frame.Bytes})
	if err != nil {
		return fmt.Errorf("wsframed: marshal: %w", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = t.conn.SetWriteDeadline(deadline)
	}
	return t.conn.WriteMessage(websocket.BinaryMessage, body)
}

func (t *Transport) Receive(ctx context.Context) (transport.Frame, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = t.conn.SetReadDeadline(deadline)
	}
	_, body, err := t.conn.ReadMessage()
	if err != nil {
		return transport.Frame{}, fmt.Errorf("wsframed: read: %w", err)
	}
	var wf wireFrame
	if err := json.Unmarshal(body, &wf); err != nil {
		return transport.Frame{}, fmt.Errorf("wsframed: unmarshal: %w", err)
	}
	return transport.Frame{MessageID: wf.MessageID, Destination: wf.Destination, Bytes: wf.Bytes}, nil
}

func (t *Transport) Close() error {
	return t.conn.Close()
}

func (t *Transport) Profile() protocol.ProtocolProfile { return Profile() }
