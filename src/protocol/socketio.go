package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/orchestra-mcp/realtime/src/types"
)

// Engine packet types (outer session framing).
const (
	engineOpen    = '0'
	engineClose   = '1'
	enginePing    = '2'
	enginePong    = '3'
	engineMessage = '4'
	engineUpgrade = '5'
	engineNoop    = '6'
)

// Socket packet types (inner framing inside an engine message).
const (
	packetConnect      = '0'
	packetDisconnect   = '1'
	packetEvent        = '2'
	packetAck          = '3'
	packetConnectError = '4'
	packetBinaryEvent  = '5'
	packetBinaryAck    = '6'
)

const defaultNamespace = "/"

// SocketIO speaks the engine/socket packet framing used by Socket.IO
// clients over a WebSocket transport.
type SocketIO struct {
	PingInterval time.Duration
	PingTimeout  time.Duration
	MaxPayload   int
}

// NewSocketIO creates the Socket.IO compatible adapter.
func NewSocketIO(pingInterval, pingTimeout time.Duration, maxPayload int) *SocketIO {
	return &SocketIO{PingInterval: pingInterval, PingTimeout: pingTimeout, MaxPayload: maxPayload}
}

func (s *SocketIO) Name() string { return "socketio" }

type openPacket struct {
	SID          string   `json:"sid"`
	Upgrades     []string `json:"upgrades"`
	PingInterval int64    `json:"pingInterval"`
	PingTimeout  int64    `json:"pingTimeout"`
	MaxPayload   int      `json:"maxPayload"`
}

func (s *SocketIO) Handshake(sess Session) ([][]byte, error) {
	body, err := json.Marshal(openPacket{
		SID:          sess.ID,
		Upgrades:     []string{},
		PingInterval: s.PingInterval.Milliseconds(),
		PingTimeout:  s.PingTimeout.Milliseconds(),
		MaxPayload:   s.MaxPayload,
	})
	if err != nil {
		return nil, err
	}
	return [][]byte{append([]byte{engineOpen}, body...)}, nil
}

func (s *SocketIO) Decode(frame []byte) (Inbound, error) {
	if len(frame) == 0 {
		return Inbound{}, fmt.Errorf("%w: empty engine packet", ErrMalformed)
	}
	switch frame[0] {
	case engineClose:
		return Inbound{Kind: KindClose}, nil
	case enginePing:
		return Inbound{Kind: KindPing}, nil
	case enginePong:
		return Inbound{Kind: KindPong}, nil
	case engineUpgrade, engineNoop:
		return Inbound{Kind: KindNoop}, nil
	case engineMessage:
		return decodePacket(frame[1:])
	default:
		return Inbound{}, fmt.Errorf("%w: unexpected engine packet %q", ErrMalformed, frame[0])
	}
}

// packet is the parsed form of type[/namespace,][ackId]JSON.
type packet struct {
	kind      byte
	namespace string
	ackID     *int
	payload   []byte
}

func parsePacket(b []byte) (packet, error) {
	if len(b) == 0 {
		return packet{}, fmt.Errorf("%w: empty socket packet", ErrMalformed)
	}
	p := packet{kind: b[0], namespace: defaultNamespace}
	rest := b[1:]

	if len(rest) > 0 && rest[0] == '/' {
		end := bytes.IndexByte(rest, ',')
		if end < 0 {
			p.namespace = string(rest)
			return p, nil
		}
		p.namespace = string(rest[:end])
		rest = rest[end+1:]
	}

	digits := 0
	for digits < len(rest) && rest[digits] >= '0' && rest[digits] <= '9' {
		digits++
	}
	if digits > 0 {
		id, err := strconv.Atoi(string(rest[:digits]))
		if err != nil {
			return packet{}, fmt.Errorf("%w: ack id: %v", ErrMalformed, err)
		}
		p.ackID = &id
		rest = rest[digits:]
	}

	p.payload = bytes.TrimSpace(rest)
	return p, nil
}

func decodePacket(b []byte) (Inbound, error) {
	p, err := parsePacket(b)
	if err != nil {
		return Inbound{}, err
	}

	switch p.kind {
	case packetConnect:
		in := Inbound{Kind: KindConnect, Namespace: p.namespace}
		if len(p.payload) > 0 {
			var auth any
			if err := json.Unmarshal(p.payload, &auth); err != nil {
				return Inbound{}, fmt.Errorf("%w: connect payload: %v", ErrMalformed, err)
			}
			in.Message = types.Message{Type: types.TypeAuth, Data: types.WrapData(auth)}
		}
		return in, nil
	case packetDisconnect:
		return Inbound{Kind: KindDisconnect, Namespace: p.namespace}, nil
	case packetAck:
		return Inbound{Kind: KindNoop, Namespace: p.namespace}, nil
	case packetEvent:
		msg, err := decodeEvent(p.payload)
		if err != nil {
			return Inbound{}, err
		}
		msg.AckID = p.ackID
		return Inbound{Kind: KindMessage, Message: msg, Namespace: p.namespace}, nil
	case packetBinaryEvent, packetBinaryAck:
		return Inbound{}, fmt.Errorf("%w: binary packets are not supported", ErrMalformed)
	case packetConnectError:
		return Inbound{}, fmt.Errorf("%w: connect_error is server-to-client only", ErrMalformed)
	default:
		return Inbound{}, fmt.Errorf("%w: unexpected socket packet %q", ErrMalformed, p.kind)
	}
}

// decodeEvent maps ["name", data] onto a canonical message. The reserved
// names auth, subscribe, unsubscribe and ping select those handlers; any
// other name is a client event addressed by data.channel.
func decodeEvent(payload []byte) (types.Message, error) {
	var args []json.RawMessage
	if err := json.Unmarshal(payload, &args); err != nil {
		return types.Message{}, fmt.Errorf("%w: event payload must be an array", ErrMalformed)
	}
	if len(args) == 0 {
		return types.Message{}, fmt.Errorf("%w: event name missing", ErrMalformed)
	}
	var name string
	if err := json.Unmarshal(args[0], &name); err != nil || name == "" {
		return types.Message{}, fmt.Errorf("%w: event name must be a string", ErrMalformed)
	}

	var arg any
	if len(args) > 1 {
		if err := json.Unmarshal(args[1], &arg); err != nil {
			return types.Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
	}

	msg := types.Message{Type: types.ParseMessageType(name), Event: name}
	switch msg.Type {
	case types.TypeSubscribe, types.TypeUnsubscribe:
		if ch, ok := arg.(string); ok {
			msg.Channel = ch
			return msg, nil
		}
		msg.Data = types.WrapData(arg)
		msg.Channel = msg.DataString("channel")
	case types.TypeAuth, types.TypePing:
		msg.Data = types.WrapData(arg)
	default:
		msg.Type = types.TypeEvent
		data := types.WrapData(arg)
		if ch, ok := data["channel"].(string); ok {
			msg.Channel = ch
			if inner, present := data["data"]; present {
				data = types.WrapData(inner)
			} else {
				delete(data, "channel")
			}
		}
		msg.Data = data
	}
	return msg, nil
}

func namespacePrefix(ns string) string {
	if ns == "" || ns == defaultNamespace {
		return ""
	}
	return ns + ","
}

func envelope(msg types.Message) map[string]any {
	env := make(map[string]any, 2)
	if msg.Channel != "" {
		env["channel"] = msg.Channel
	}
	if msg.Data != nil {
		env["data"] = msg.Data
	}
	return env
}

func (s *SocketIO) Encode(sess Session, msg types.Message) ([]byte, error) {
	body, err := json.Marshal([]any{msg.Event, envelope(msg)})
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(body)+len(sess.Namespace)+3)
	out = append(out, engineMessage, packetEvent)
	out = append(out, namespacePrefix(sess.Namespace)...)
	return append(out, body...), nil
}

func (s *SocketIO) EncodeAck(sess Session, ackID int, msg types.Message) ([]byte, error) {
	body, err := json.Marshal([]any{map[string]any{"event": msg.Event, "channel": msg.Channel, "data": msg.Data}})
	if err != nil {
		return nil, err
	}
	out := []byte{engineMessage, packetAck}
	out = append(out, namespacePrefix(sess.Namespace)...)
	out = strconv.AppendInt(out, int64(ackID), 10)
	return append(out, body...), nil
}

func (s *SocketIO) EncodeConnect(sess Session) ([]byte, error) {
	body, err := json.Marshal(map[string]string{"sid": sess.ID})
	if err != nil {
		return nil, err
	}
	out := []byte{engineMessage, packetConnect}
	out = append(out, namespacePrefix(sess.Namespace)...)
	return append(out, body...), nil
}

func (s *SocketIO) Pong() []byte { return []byte{enginePong} }

func (s *SocketIO) Heartbeat() []byte { return []byte{enginePing} }
