package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/orchestra-mcp/realtime/src/types"
)

// Raw is the plain WebSocket protocol: each frame is one JSON object whose
// "type" field selects the handler.
type Raw struct {
	// ActivityTimeoutSeconds is advertised in connection_established.
	ActivityTimeoutSeconds int
}

// NewRaw creates the raw JSON adapter.
func NewRaw(activityTimeoutSeconds int) *Raw {
	return &Raw{ActivityTimeoutSeconds: activityTimeoutSeconds}
}

func (r *Raw) Name() string { return "raw" }

func (r *Raw) Handshake(s Session) ([][]byte, error) {
	frame, err := r.Encode(s, types.Message{
		Event: "connection_established",
		Data: map[string]any{
			"socket_id":        s.ID,
			"activity_timeout": r.ActivityTimeoutSeconds,
		},
	})
	if err != nil {
		return nil, err
	}
	return [][]byte{frame}, nil
}

// Decode parses a raw frame. Top-level fields other than type, channel,
// event and data are merged into Data so that credentials and subscribe
// signatures may be sent either inline or inside data.
func (r *Raw) Decode(frame []byte) (Inbound, error) {
	frame = bytes.TrimSpace(frame)
	if len(frame) == 0 || frame[0] != '{' {
		return Inbound{}, fmt.Errorf("%w: expected a JSON object", ErrMalformed)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(frame, &fields); err != nil {
		return Inbound{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	var tag string
	if raw, ok := fields["type"]; ok {
		if err := json.Unmarshal(raw, &tag); err != nil {
			return Inbound{}, fmt.Errorf("%w: type must be a string", ErrMalformed)
		}
	}

	msg := types.Message{Type: types.ParseMessageType(tag)}
	if raw, ok := fields["channel"]; ok {
		if err := json.Unmarshal(raw, &msg.Channel); err != nil {
			return Inbound{}, fmt.Errorf("%w: channel must be a string", ErrMalformed)
		}
	}
	if raw, ok := fields["event"]; ok {
		if err := json.Unmarshal(raw, &msg.Event); err != nil {
			return Inbound{}, fmt.Errorf("%w: event must be a string", ErrMalformed)
		}
	}
	if raw, ok := fields["data"]; ok {
		var data any
		if err := json.Unmarshal(raw, &data); err != nil {
			return Inbound{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		msg.Data = types.WrapData(data)
	}

	for key, raw := range fields {
		switch key {
		case "type", "channel", "event", "data":
			continue
		}
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return Inbound{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if msg.Data == nil {
			msg.Data = make(map[string]any)
		}
		if _, exists := msg.Data[key]; !exists {
			msg.Data[key] = v
		}
	}

	if msg.Type == types.TypeUnknown && tag == "" {
		return Inbound{}, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	if msg.Type == types.TypeUnknown {
		msg.Event = tag
	}
	return Inbound{Kind: KindMessage, Message: msg}, nil
}

type rawFrame struct {
	Channel string         `json:"channel,omitempty"`
	Event   string         `json:"event"`
	Data    map[string]any `json:"data,omitempty"`
}

func (r *Raw) Encode(_ Session, msg types.Message) ([]byte, error) {
	return json.Marshal(rawFrame{Channel: msg.Channel, Event: msg.Event, Data: msg.Data})
}

// EncodeAck has no raw equivalent; the reply is a normal frame.
func (r *Raw) EncodeAck(s Session, _ int, msg types.Message) ([]byte, error) {
	return r.Encode(s, msg)
}

func (r *Raw) EncodeConnect(Session) ([]byte, error) { return nil, nil }

func (r *Raw) Pong() []byte { return []byte(`{"event":"pong"}`) }

func (r *Raw) Heartbeat() []byte { return nil }
