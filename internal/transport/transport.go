// Package transport defines the bidirectional event channel the socket
// manager speaks through. Production wires the websocket implementation
// in transport/ws; tests inject fakes, so no environment branching
// exists inside the connection logic.
package transport

import (
	"context"
	"encoding/json"
	"errors"
)

// Application-level event names carried over the channel.
const (
	EventNewMessage    = "new_message"
	EventTyping        = "typing"
	EventMessageRead   = "message_read"
	EventMessageStatus = "message_status"
)

// Envelope is the frame exchanged with the remote side. ID correlates
// a client command with its ack.
type Envelope struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ErrClosed is returned by Receive and Emit after the connection is
// gone.
var ErrClosed = errors.New("transport: connection closed")

// Conn is a single live connection. Emit blocks until the remote side
// acks the event or ctx expires; Receive blocks until the next
// non-ack envelope arrives.
type Conn interface {
	Receive(ctx context.Context) (Envelope, error)
	Emit(ctx context.Context, event string, payload any) error
	Close() error
}

// Transport dials authenticated connections.
type Transport interface {
	Dial(ctx context.Context, rawURL, token string) (Conn, error)
}
