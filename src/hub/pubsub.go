package hub

import (
	"github.com/orchestra-mcp/realtime/src/auth"
	"github.com/orchestra-mcp/realtime/src/types"
)

// Presence events broadcast to the other members of a channel.
const (
	EventMemberAdded   = "member_added"
	EventMemberRemoved = "member_removed"
)

// subscribe adds c to channel name. It reports false when c was already
// subscribed, in which case nothing changes.
func (h *Hub) subscribe(c *Client, name string, member *auth.Member) bool {
	if _, ok := c.channels[name]; ok {
		return false
	}
	ch, ok := h.channels[name]
	if !ok {
		ch = newChannel(name)
		h.channels[name] = ch
	}
	ch.subscribers[c.ID] = c
	if ch.members != nil && member != nil {
		ch.members[c.ID] = *member
	}
	c.channels[name] = struct{}{}
	return true
}

// leave announces the departure on presence channels and then removes c.
// It reports false when c was not subscribed.
func (h *Hub) leave(c *Client, name string) bool {
	if _, ok := c.channels[name]; !ok {
		return false
	}
	ch := h.channels[name]
	if ch != nil && ch.members != nil {
		if m, ok := ch.members[c.ID]; ok {
			h.broadcast(name, types.Message{Channel: name, Event: EventMemberRemoved, Data: memberData(m)}, c.ID)
		}
	}
	h.unsubscribe(c, name)
	return true
}

func (h *Hub) leaveAll(c *Client) {
	for name := range c.channels {
		h.leave(c, name)
	}
}

func (h *Hub) unsubscribe(c *Client, name string) {
	delete(c.channels, name)
	ch, ok := h.channels[name]
	if !ok {
		return
	}
	delete(ch.subscribers, c.ID)
	delete(ch.members, c.ID)
	if ch.Len() == 0 {
		delete(h.channels, name)
	}
}

// broadcast pushes msg to every established subscriber of name except
// the socket with id except. Frames are encoded once per adapter and
// namespace. It returns the number of frames queued.
func (h *Hub) broadcast(name string, msg types.Message, except string) int {
	ch, ok := h.channels[name]
	if !ok {
		return 0
	}

	type frameKey struct{ adapter, namespace string }
	frames := make(map[frameKey][]byte)
	pushed := 0
	for id, c := range ch.subscribers {
		if id == except || !c.established.Load() {
			continue
		}
		sess := c.session()
		key := frameKey{c.adapter.Name(), sess.Namespace}
		frame, ok := frames[key]
		if !ok {
			var err error
			frame, err = c.adapter.Encode(sess, msg)
			if err != nil {
				h.logger.Error().Err(err).Str("channel", name).Str("event", msg.Event).Msg("encode broadcast failed")
				return pushed
			}
			frames[key] = frame
		}
		if c.push(frame) {
			pushed++
		}
	}
	h.opts.Metrics.Broadcast(pushed)
	return pushed
}
