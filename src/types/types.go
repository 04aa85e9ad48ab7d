package types

import (
	"strings"
	"time"
)

// MessageType selects the dispatch handler for an inbound message.
type MessageType int

const (
	TypeUnknown MessageType = iota
	TypeAuth
	TypeSubscribe
	TypeUnsubscribe
	TypeEvent
	TypePing
)

// ParseMessageType maps a wire tag to a MessageType.
func ParseMessageType(s string) MessageType {
	switch s {
	case "auth":
		return TypeAuth
	case "subscribe":
		return TypeSubscribe
	case "unsubscribe":
		return TypeUnsubscribe
	case "event":
		return TypeEvent
	case "ping":
		return TypePing
	default:
		return TypeUnknown
	}
}

func (t MessageType) String() string {
	switch t {
	case TypeAuth:
		return "auth"
	case TypeSubscribe:
		return "subscribe"
	case TypeUnsubscribe:
		return "unsubscribe"
	case TypeEvent:
		return "event"
	case TypePing:
		return "ping"
	default:
		return "unknown"
	}
}

// Message is the canonical realtime message shared by both wire protocols.
type Message struct {
	Type    MessageType    `json:"-"`
	Channel string         `json:"channel,omitempty"`
	Event   string         `json:"event"`
	Data    map[string]any `json:"data,omitempty"`
	AckID   *int           `json:"-"`
}

// DataString returns Data[key] when it is a string.
func (m Message) DataString(key string) string {
	if m.Data == nil {
		return ""
	}
	s, _ := m.Data[key].(string)
	return s
}

// WrapData turns an arbitrary decoded JSON value into a payload map.
// Objects pass through; anything else is stored under "value".
func WrapData(v any) map[string]any {
	switch d := v.(type) {
	case nil:
		return nil
	case map[string]any:
		return d
	default:
		return map[string]any{"value": d}
	}
}

// ChannelKind is derived from the channel name prefix.
type ChannelKind int

const (
	KindPublic ChannelKind = iota
	KindPrivate
	KindPresence
)

const (
	PrivatePrefix  = "private-"
	PresencePrefix = "presence-"
)

// KindOf classifies a channel by its name prefix.
func KindOf(channel string) ChannelKind {
	switch {
	case strings.HasPrefix(channel, PresencePrefix):
		return KindPresence
	case strings.HasPrefix(channel, PrivatePrefix):
		return KindPrivate
	default:
		return KindPublic
	}
}

func (k ChannelKind) String() string {
	switch k {
	case KindPrivate:
		return "private"
	case KindPresence:
		return "presence"
	default:
		return "public"
	}
}

// NormalizeChannel strips the private/presence prefix for route matching.
func NormalizeChannel(channel string) string {
	switch KindOf(channel) {
	case KindPresence:
		return strings.TrimPrefix(channel, PresencePrefix)
	case KindPrivate:
		return strings.TrimPrefix(channel, PrivatePrefix)
	default:
		return channel
	}
}

// ClientInfo holds metadata about a connected client.
type ClientInfo struct {
	ID           string    `json:"id"`
	Worker       int       `json:"worker"`
	Protocol     string    `json:"protocol"`
	RemoteAddr   string    `json:"remote_addr"`
	UserID       string    `json:"user_id,omitempty"`
	Guard        string    `json:"guard,omitempty"`
	ConnectedAt  time.Time `json:"connected_at"`
	LastActivity time.Time `json:"last_activity"`
	Channels     []string  `json:"channels"`
}

// Conn abstracts a WebSocket connection for testability.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	WriteClose(code int, reason string) error
	Close() error
}

// Close codes sent to clients.
const (
	CloseGoingAway       = 1001
	CloseUnauthenticated = 4401
	CloseRateLimited     = 4429
)
