package hub

import (
	"sort"

	"github.com/orchestra-mcp/realtime/src/auth"
	"github.com/orchestra-mcp/realtime/src/types"
)

// Channel is a named subscription set on one worker. Presence channels
// also track the member each subscriber joined as.
type Channel struct {
	Name        string
	Kind        types.ChannelKind
	subscribers map[string]*Client
	members     map[string]auth.Member
}

func newChannel(name string) *Channel {
	ch := &Channel{
		Name:        name,
		Kind:        types.KindOf(name),
		subscribers: make(map[string]*Client),
	}
	if ch.Kind == types.KindPresence {
		ch.members = make(map[string]auth.Member)
	}
	return ch
}

// Len is the subscriber count.
func (ch *Channel) Len() int { return len(ch.subscribers) }

// Members lists presence members, one per connection, sorted by socket.
func (ch *Channel) Members() []auth.Member {
	ids := make([]string, 0, len(ch.members))
	for id := range ch.members {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]auth.Member, 0, len(ids))
	for _, id := range ids {
		out = append(out, ch.members[id])
	}
	return out
}

// roster is the presence payload sent to a joining subscriber.
func (ch *Channel) roster() map[string]any {
	ids := []any{}
	hash := map[string]any{}
	for _, m := range ch.Members() {
		if _, seen := hash[m.UserID]; !seen {
			ids = append(ids, m.UserID)
		}
		info := m.Info
		if info == nil {
			info = map[string]any{}
		}
		hash[m.UserID] = info
	}
	return map[string]any{
		"presence": map[string]any{
			"ids":   ids,
			"hash":  hash,
			"count": len(ids),
		},
	}
}

func memberData(m auth.Member) map[string]any {
	data := map[string]any{"user_id": m.UserID}
	if m.Info != nil {
		data["user_info"] = m.Info
	}
	return data
}
