package hub

import (
	"sort"

	"github.com/orchestra-mcp/realtime/src/auth"
	"github.com/orchestra-mcp/realtime/src/types"
)

// OnConnection registers a callback for new connections. Callbacks run on
// the hub goroutine and must not call the query methods below.
func (h *Hub) OnConnection(cb func(string)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onConnect = append(h.onConnect, cb)
}

// OnDisconnection registers a callback for disconnections.
func (h *Hub) OnDisconnection(cb func(string)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onDisconn = append(h.onDisconn, cb)
}

// ConnectedClients returns the ids of clients on this worker, sorted.
func (h *Hub) ConnectedClients() []string {
	var ids []string
	h.exec(func() {
		ids = make([]string, 0, len(h.clients))
		for id := range h.clients {
			ids = append(ids, id)
		}
	})
	sort.Strings(ids)
	return ids
}

// ClientInfo returns info for a connected client, or nil.
func (h *Hub) ClientInfo(clientID string) *types.ClientInfo {
	var info *types.ClientInfo
	h.exec(func() {
		if c, ok := h.clients[clientID]; ok {
			i := c.info(h.index)
			info = &i
		}
	})
	return info
}

// Channels returns channel names with their subscriber counts.
func (h *Hub) Channels() map[string]int {
	result := map[string]int{}
	h.exec(func() {
		for name, ch := range h.channels {
			result[name] = ch.Len()
		}
	})
	return result
}

// Members returns the presence members of a channel on this worker.
func (h *Hub) Members(channel string) []auth.Member {
	var members []auth.Member
	h.exec(func() {
		if ch, ok := h.channels[channel]; ok {
			members = ch.Members()
		}
	})
	return members
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	n := 0
	h.exec(func() { n = len(h.clients) })
	return n
}

// SendToClient pushes msg to one client on this worker. It reports false
// when the client is unknown or its buffer is full.
func (h *Hub) SendToClient(clientID string, msg types.Message) bool {
	sent := false
	h.exec(func() {
		c, ok := h.clients[clientID]
		if !ok {
			return
		}
		frame, err := c.adapter.Encode(c.session(), msg)
		if err != nil {
			h.logger.Error().Err(err).Str("client_id", clientID).Msg("encode direct message failed")
			return
		}
		sent = c.push(frame)
	})
	return sent
}

// Disconnect closes a client on this worker. It reports false when the
// client is unknown.
func (h *Hub) Disconnect(clientID string) bool {
	found := false
	h.exec(func() {
		if c, ok := h.clients[clientID]; ok {
			found = true
			h.closeClient(c, types.CloseGoingAway, "disconnected by server")
		}
	})
	return found
}
