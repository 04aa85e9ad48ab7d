package protocol

import (
	"encoding/json"
	"testing"

	"github.com/orchestra-mcp/realtime/src/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRawDecodeSubscribeWithInlineAuth(t *testing.T) {
	r := NewRaw(120)
	in, err := r.Decode([]byte(`{"type":"subscribe","channel":"private-orders.42","auth":"key:abc"}`))
	require.NoError(t, err)

	assert.Equal(t, KindMessage, in.Kind)
	assert.Equal(t, types.TypeSubscribe, in.Message.Type)
	assert.Equal(t, "private-orders.42", in.Message.Channel)
	assert.Equal(t, "key:abc", in.Message.DataString("auth"))
}

func TestRawDecodeDataTakesPrecedenceOverTopLevel(t *testing.T) {
	r := NewRaw(120)
	in, err := r.Decode([]byte(`{"type":"subscribe","channel":"presence-room","data":{"auth":"inner","channel_data":"{}"},"auth":"outer"}`))
	require.NoError(t, err)
	assert.Equal(t, "inner", in.Message.DataString("auth"))
	assert.Equal(t, "{}", in.Message.DataString("channel_data"))
}

func TestRawDecodeWrapsScalarData(t *testing.T) {
	r := NewRaw(120)
	in, err := r.Decode([]byte(`{"type":"event","channel":"chat","event":"typing","data":7}`))
	require.NoError(t, err)
	assert.Equal(t, types.TypeEvent, in.Message.Type)
	assert.Equal(t, "typing", in.Message.Event)
	assert.Equal(t, float64(7), in.Message.Data["value"])
}

func TestRawDecodeUnknownType(t *testing.T) {
	r := NewRaw(120)
	in, err := r.Decode([]byte(`{"type":"launch"}`))
	require.NoError(t, err)
	assert.Equal(t, types.TypeUnknown, in.Message.Type)
	assert.Equal(t, "launch", in.Message.Event)
}

func TestRawDecodeMalformed(t *testing.T) {
	r := NewRaw(120)
	for _, frame := range []string{``, `[]`, `{"type":`, `{"channel":"x"}`, `{"type":5}`, `{"type":"event","channel":1}`} {
		_, err := r.Decode([]byte(frame))
		assert.ErrorIs(t, err, ErrMalformed, "frame %q", frame)
	}
}

func TestRawEncode(t *testing.T) {
	r := NewRaw(120)
	out, err := r.Encode(Session{ID: "s1"}, types.Message{
		Channel: "news",
		Event:   "headline",
		Data:    map[string]any{"title": "hi"},
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"channel":"news","event":"headline","data":{"title":"hi"}}`, string(out))
}

func TestRawHandshake(t *testing.T) {
	r := NewRaw(30)
	frames, err := r.Handshake(Session{ID: "sock-1"})
	require.NoError(t, err)
	require.Len(t, frames, 1)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(frames[0], &decoded))
	assert.Equal(t, "connection_established", decoded["event"])
	data := decoded["data"].(map[string]any)
	assert.Equal(t, "sock-1", data["socket_id"])
	assert.Equal(t, float64(30), data["activity_timeout"])
}

func TestRawPong(t *testing.T) {
	assert.JSONEq(t, `{"event":"pong"}`, string(NewRaw(1).Pong()))
	assert.Nil(t, NewRaw(1).Heartbeat())
}
