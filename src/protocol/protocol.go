// Package protocol converts wire frames to canonical messages and back.
// Two adapters exist: Raw (one JSON object per frame) and SocketIO (the
// engine/socket packet framing understood by Socket.IO clients).
package protocol

import (
	"errors"

	"github.com/orchestra-mcp/realtime/src/types"
)

// ErrMalformed is wrapped by every decode failure.
var ErrMalformed = errors.New("malformed frame")

// Kind classifies a decoded frame.
type Kind int

const (
	KindMessage Kind = iota
	KindPing
	KindPong
	KindConnect
	KindDisconnect
	KindClose
	KindNoop
)

// Inbound is one decoded client frame. Message is set for KindMessage and,
// for KindConnect, carries any credentials sent with the connect packet.
type Inbound struct {
	Kind      Kind
	Message   types.Message
	Namespace string
}

// Session is the per-connection state an adapter needs to encode frames.
type Session struct {
	ID        string
	Namespace string
}

// Adapter is a wire protocol flavor.
type Adapter interface {
	Name() string
	// Handshake returns the frames written right after the upgrade.
	Handshake(s Session) ([][]byte, error)
	Decode(frame []byte) (Inbound, error)
	Encode(s Session, msg types.Message) ([]byte, error)
	EncodeAck(s Session, ackID int, msg types.Message) ([]byte, error)
	// EncodeConnect acknowledges a namespace connect. Adapters without
	// namespaces return nil.
	EncodeConnect(s Session) ([]byte, error)
	Pong() []byte
	// Heartbeat is written periodically by the server, nil if unused.
	Heartbeat() []byte
}

// ErrorMessage builds the canonical error reply for a failure.
func ErrorMessage(channel string, err *types.Error) types.Message {
	return types.Message{Channel: channel, Event: "error", Data: err.Payload()}
}
