package hub

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/orchestra-mcp/realtime/src/auth"
	"github.com/orchestra-mcp/realtime/src/protocol"
	"github.com/orchestra-mcp/realtime/src/types"
)

// Attribute bag keys.
const (
	AttrUserID     = "user_id"
	AttrUsername   = "username"
	AttrRoles      = "roles"
	AttrGuard      = "guard"
	AttrAuthMethod = "auth_method"
	AttrNamespace  = "namespace"
	AttrSessionID  = "session_id"
)

// Client is one live socket. Everything except the send queue and the
// established flag is owned by the hub goroutine.
type Client struct {
	ID         string
	remoteAddr string
	conn       types.Conn
	adapter    protocol.Adapter
	hub        *Hub
	send       chan []byte

	attrs        map[string]any
	channels     map[string]struct{}
	connectedAt  time.Time
	lastActivity time.Time
	idleTimeout  time.Duration
	pendingAuth  auth.Credentials

	established atomic.Bool
	done        chan struct{}
	closeOnce   sync.Once
	closeCode   int
	closeReason string
}

// NewClient creates a new client wrapper.
func NewClient(id, remoteAddr string, conn types.Conn, adapter protocol.Adapter, h *Hub) *Client {
	now := time.Now()
	return &Client{
		ID:           id,
		remoteAddr:   remoteAddr,
		conn:         conn,
		adapter:      adapter,
		hub:          h,
		send:         make(chan []byte, h.opts.SendBuffer),
		attrs:        map[string]any{AttrSessionID: id},
		channels:     make(map[string]struct{}),
		connectedAt:  now,
		lastActivity: now,
		done:         make(chan struct{}),
	}
}

// SetCredentials queues credentials presented at connection open; they
// are checked when the hub registers the client.
func (c *Client) SetCredentials(creds auth.Credentials) {
	c.pendingAuth = creds
}

// SetIdleTimeout closes the client after d without inbound frames. The
// shorter of d and Options.IdleTimeout applies. Call before Register.
func (c *Client) SetIdleTimeout(d time.Duration) {
	c.idleTimeout = d
}

// Established reports whether the socket still accepts frames.
func (c *Client) Established() bool {
	return c.established.Load()
}

// Identity rebuilds the authenticated principal from the attribute bag.
func (c *Client) Identity() *auth.Identity {
	userID, _ := c.attrs[AttrUserID].(string)
	if userID == "" {
		return nil
	}
	id := &auth.Identity{UserID: userID}
	id.Username, _ = c.attrs[AttrUsername].(string)
	id.Roles, _ = c.attrs[AttrRoles].([]string)
	id.Guard, _ = c.attrs[AttrGuard].(string)
	id.Method, _ = c.attrs[AttrAuthMethod].(string)
	return id
}

func (c *Client) authenticated() bool {
	_, ok := c.attrs[AttrUserID]
	return ok
}

func (c *Client) setIdentity(id *auth.Identity) {
	c.attrs[AttrUserID] = id.UserID
	c.attrs[AttrUsername] = id.Username
	c.attrs[AttrRoles] = id.Roles
	c.attrs[AttrGuard] = id.Guard
	c.attrs[AttrAuthMethod] = id.Method
}

func (c *Client) session() protocol.Session {
	ns, _ := c.attrs[AttrNamespace].(string)
	return protocol.Session{ID: c.ID, Namespace: ns}
}

func (c *Client) info(worker int) types.ClientInfo {
	channels := make([]string, 0, len(c.channels))
	for ch := range c.channels {
		channels = append(channels, ch)
	}
	sort.Strings(channels)
	userID, _ := c.attrs[AttrUserID].(string)
	guard, _ := c.attrs[AttrGuard].(string)
	return types.ClientInfo{
		ID:           c.ID,
		Worker:       worker,
		Protocol:     c.adapter.Name(),
		RemoteAddr:   c.remoteAddr,
		UserID:       userID,
		Guard:        guard,
		ConnectedAt:  c.connectedAt,
		LastActivity: c.lastActivity,
		Channels:     channels,
	}
}

// push queues a frame without blocking. A full buffer drops the frame.
func (c *Client) push(frame []byte) bool {
	if !c.established.Load() {
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
		c.hub.dropLog.Do(func() {
			c.hub.logger.Warn().Str("client_id", c.ID).Msg("send buffer full, dropping")
		})
		return false
	}
}

// ReadPump reads frames from the socket and routes them to the hub in
// receipt order.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	for {
		frame, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		select {
		case c.hub.incoming <- inboundFrame{client: c, data: frame}:
		case <-c.done:
			return
		case <-c.hub.done:
			return
		}
	}
}

// WritePump writes queued frames to the socket and emits the adapter
// heartbeat every interval. It is the only writer on the connection.
func (c *Client) WritePump(interval time.Duration) {
	defer c.conn.Close()

	var tick <-chan time.Time
	if hb := c.adapter.Heartbeat(); hb != nil && interval > 0 {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case frame := <-c.send:
			if err := c.conn.WriteMessage(frame); err != nil {
				c.Close()
				return
			}
		case <-tick:
			if err := c.conn.WriteMessage(c.adapter.Heartbeat()); err != nil {
				c.Close()
				return
			}
		case <-c.done:
			c.flush()
			return
		}
	}
}

// flush drains frames queued before close and sends the close frame.
func (c *Client) flush() {
	for {
		select {
		case frame := <-c.send:
			if err := c.conn.WriteMessage(frame); err != nil {
				return
			}
		default:
			if c.closeCode != 0 {
				_ = c.conn.WriteClose(c.closeCode, c.closeReason)
			}
			return
		}
	}
}

// Close marks the socket as no longer established and stops its pumps.
func (c *Client) Close() {
	c.closeWith(0, "")
}

func (c *Client) closeWith(code int, reason string) {
	c.closeOnce.Do(func() {
		c.closeCode = code
		c.closeReason = reason
		c.established.Store(false)
		close(c.done)
	})
}
