package hub

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"
	"github.com/orchestra-mcp/realtime/src/bridge"
	"github.com/orchestra-mcp/realtime/src/types"
)

// relayFrame is a broker delivery as forwarded from the broker worker to
// its siblings.
type relayFrame struct {
	Channel string         `cbor:"1,keyasint"`
	Event   string         `cbor:"2,keyasint"`
	Data    map[string]any `cbor:"3,keyasint,omitempty"`
	Except  string         `cbor:"4,keyasint,omitempty"`
}

var (
	relayEnc cbor.EncMode
	relayDec cbor.DecMode
)

func init() {
	var err error
	relayEnc, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("hub: cbor encoder: " + err.Error())
	}
	relayDec, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("hub: cbor decoder: " + err.Error())
	}
}

func encodeRelay(d bridge.Delivery) ([]byte, error) {
	return relayEnc.Marshal(relayFrame{Channel: d.Channel, Event: d.Event, Data: d.Data, Except: d.Except})
}

func decodeRelay(frame []byte) (bridge.Delivery, error) {
	var f relayFrame
	if err := relayDec.Unmarshal(frame, &f); err != nil {
		return bridge.Delivery{}, err
	}
	return bridge.Delivery{Channel: f.Channel, Event: f.Event, Data: f.Data, Except: f.Except}, nil
}

// handleDelivery broadcasts a broker delivery to local subscribers and
// forwards it to every sibling worker.
func (h *Hub) handleDelivery(d bridge.Delivery) {
	h.opts.Metrics.BrokerMessage()
	h.broadcastDelivery(d)

	if len(h.siblings) == 0 {
		return
	}
	frame, err := encodeRelay(d)
	if err != nil {
		h.logger.Error().Err(err).Str("channel", d.Channel).Msg("encode relay frame failed")
		return
	}
	for _, s := range h.siblings {
		s.Relay(frame)
	}
	h.opts.Metrics.Relayed(len(h.siblings))
}

func (h *Hub) handleRelay(frame []byte) {
	d, err := decodeRelay(frame)
	if err != nil {
		h.logger.Error().Err(err).Msg("decode relay frame failed")
		return
	}
	h.broadcastDelivery(d)
}

func (h *Hub) broadcastDelivery(d bridge.Delivery) int {
	return h.broadcast(d.Channel, types.Message{Channel: d.Channel, Event: d.Event, Data: d.Data}, d.Except)
}
