package bridge

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/orchestra-mcp/realtime/src/types"
)

// Delivery is one message received from the broker.
// Except, when set, is the socket id that must not receive it.
type Delivery struct {
	Channel string
	Event   string
	Data    map[string]any
	Except  string
}

// Sink receives broker deliveries.
type Sink func(Delivery)

// Subscriber pulls messages from an external broker. Subscribe loops,
// invoking sink for every message, until running returns false or the
// broker fails; it is called once per broker worker lifetime.
type Subscriber interface {
	Subscribe(ctx context.Context, sink Sink, running func() bool) error
}

// Publisher sends messages into the broker so that every gateway node,
// and the broker worker of each, receives them.
type Publisher interface {
	Publish(ctx context.Context, d Delivery) error
}

// Broker is a full broker adapter.
type Broker interface {
	Subscriber
	Publisher
	Close() error
}

// envelope is the broker payload shared with non-gateway producers.
type envelope struct {
	Event  string          `json:"event"`
	Data   json.RawMessage `json:"data,omitempty"`
	Socket string          `json:"socket,omitempty"`
}

func encodeEnvelope(d Delivery) ([]byte, error) {
	env := envelope{Event: d.Event, Socket: d.Except}
	if d.Data != nil {
		data, err := json.Marshal(d.Data)
		if err != nil {
			return nil, err
		}
		env.Data = data
	}
	return json.Marshal(env)
}

func decodeEnvelope(channel string, payload []byte) (Delivery, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return Delivery{}, fmt.Errorf("decode broker payload on %s: %w", channel, err)
	}
	if env.Event == "" {
		return Delivery{}, fmt.Errorf("broker payload on %s has no event", channel)
	}
	d := Delivery{Channel: channel, Event: env.Event, Except: env.Socket}
	if len(env.Data) > 0 {
		var data any
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return Delivery{}, fmt.Errorf("decode broker data on %s: %w", channel, err)
		}
		d.Data = types.WrapData(data)
	}
	return d, nil
}
