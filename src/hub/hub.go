package hub

import (
	"context"
	"sync"
	"time"

	"github.com/orchestra-mcp/realtime/src/auth"
	"github.com/orchestra-mcp/realtime/src/bridge"
	"github.com/orchestra-mcp/realtime/src/metrics"
	"github.com/orchestra-mcp/realtime/src/ratelimit"
	"github.com/orchestra-mcp/realtime/src/types"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Options configures a worker. Nil collaborators disable their feature.
type Options struct {
	Authenticator *auth.Authenticator
	Authorizer    *auth.Authorizer
	Limiter       ratelimit.MessageLimiter
	Metrics       *metrics.Metrics

	// RequireAuth rejects every message but auth and ping until the
	// connection is authenticated.
	RequireAuth bool

	// AuthTimeout closes unauthenticated connections with 4401 when
	// RequireAuth is set. Zero disables it.
	AuthTimeout time.Duration

	// IdleTimeout closes connections with no inbound activity. Zero
	// disables it unless a client sets its own deadline.
	IdleTimeout time.Duration

	// ReapInterval is how often idle deadlines are checked. It defaults
	// to IdleTimeout/2; zero with no IdleTimeout disables the reaper.
	ReapInterval time.Duration

	SendBuffer int
}

func (o *Options) defaults() {
	if o.SendBuffer <= 0 {
		o.SendBuffer = 256
	}
	if o.ReapInterval <= 0 && o.IdleTimeout > 0 {
		o.ReapInterval = o.IdleTimeout / 2
	}
}

// Relayer accepts relay frames from the broker worker.
type Relayer interface {
	Relay(frame []byte)
}

type inboundFrame struct {
	client *Client
	data   []byte
}

// Hub is one worker. A single goroutine owns its connection registry and
// channel table; other goroutines reach them through channels only.
type Hub struct {
	index    int
	opts     Options
	clients  map[string]*Client
	channels map[string]*Channel

	register   chan *Client
	unregister chan *Client
	incoming   chan inboundFrame
	deliveries chan bridge.Delivery
	pipe       chan []byte
	calls      chan func()

	siblings  []Relayer
	onConnect []func(string)
	onDisconn []func(string)
	mu        sync.RWMutex

	// dropLog throttles the send-buffer-full warning.
	dropLog rate.Sometimes

	now    func() time.Time
	ctx    context.Context
	cancel context.CancelFunc
	logger zerolog.Logger
	done   chan struct{}
	once   sync.Once
}

// New creates worker number index.
func New(index int, opts Options, logger zerolog.Logger) *Hub {
	opts.defaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		index:      index,
		opts:       opts,
		clients:    make(map[string]*Client),
		channels:   make(map[string]*Channel),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		incoming:   make(chan inboundFrame, 256),
		deliveries: make(chan bridge.Delivery, 256),
		pipe:       make(chan []byte, 1024),
		calls:      make(chan func()),
		dropLog:    rate.Sometimes{First: 1, Interval: time.Second},
		now:        time.Now,
		ctx:        ctx,
		cancel:     cancel,
		logger:     logger.With().Str("component", "hub").Int("worker", index).Logger(),
		done:       make(chan struct{}),
	}
}

// Index is the worker number.
func (h *Hub) Index() int { return h.index }

// SetSiblings sets the workers that receive broker deliveries relayed by
// this one. Only the broker worker has siblings. Call before Run.
func (h *Hub) SetSiblings(siblings []Relayer) {
	h.siblings = siblings
}

// Run starts the hub event loop. Call in a goroutine.
func (h *Hub) Run() {
	var reap <-chan time.Time
	if h.opts.ReapInterval > 0 {
		ticker := time.NewTicker(h.opts.ReapInterval)
		defer ticker.Stop()
		reap = ticker.C
	}

	for {
		select {
		case c := <-h.register:
			h.addClient(c)
		case c := <-h.unregister:
			h.removeClient(c)
		case f := <-h.incoming:
			h.handleFrame(f.client, f.data)
		case d := <-h.deliveries:
			h.handleDelivery(d)
		case frame := <-h.pipe:
			h.handleRelay(frame)
		case fn := <-h.calls:
			fn()
		case <-reap:
			h.reapIdle()
		case <-h.done:
			h.shutdown()
			return
		}
	}
}

// Stop halts the hub event loop and closes every connection.
func (h *Hub) Stop() {
	h.once.Do(func() {
		h.cancel()
		close(h.done)
	})
}

func (h *Hub) running() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

// Register queues a client for registration.
func (h *Hub) Register(c *Client) {
	select {
	case h.register <- c:
	case <-h.done:
		c.Close()
	}
}

// Unregister queues a client for removal.
func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// Deliver queues a broker delivery. On the broker worker it is also
// relayed to every sibling.
func (h *Hub) Deliver(d bridge.Delivery) {
	select {
	case h.deliveries <- d:
	case <-h.done:
	}
}

// Relay queues a relay frame from the broker worker.
func (h *Hub) Relay(frame []byte) {
	select {
	case h.pipe <- frame:
	case <-h.done:
	}
}

// Consume runs the broker subscription on this worker until Stop. Errors
// are logged; the worker keeps serving its own clients.
func (h *Hub) Consume(sub bridge.Subscriber) {
	h.logger.Info().Msg("broker subscription starting")
	if err := sub.Subscribe(h.ctx, h.Deliver, h.running); err != nil {
		h.logger.Error().Err(err).Msg("broker subscription ended")
		return
	}
	h.logger.Info().Msg("broker subscription stopped")
}

func (h *Hub) addClient(c *Client) {
	h.clients[c.ID] = c
	c.established.Store(true)

	frames, err := c.adapter.Handshake(c.session())
	if err != nil {
		h.logger.Error().Err(err).Str("client_id", c.ID).Msg("handshake failed")
		h.removeClient(c)
		return
	}
	for _, f := range frames {
		c.push(f)
	}

	h.opts.Metrics.ConnectionOpened(h.index, c.adapter.Name())
	h.logger.Info().
		Str("client_id", c.ID).
		Str("protocol", c.adapter.Name()).
		Str("remote_addr", c.remoteAddr).
		Msg("client registered")

	if !c.pendingAuth.Empty() {
		h.dispatch(c, types.Message{Type: types.TypeAuth, Event: "auth", Data: c.pendingAuth.Map()})
		c.pendingAuth = auth.Credentials{}
	}
	if h.opts.RequireAuth && h.opts.AuthTimeout > 0 && !c.authenticated() {
		time.AfterFunc(h.opts.AuthTimeout, func() {
			h.post(func() { h.expireUnauthenticated(c) })
		})
	}

	h.mu.RLock()
	callbacks := h.onConnect
	h.mu.RUnlock()
	for _, cb := range callbacks {
		cb(c.ID)
	}
}

func (h *Hub) expireUnauthenticated(c *Client) {
	if cur, ok := h.clients[c.ID]; !ok || cur != c || c.authenticated() {
		return
	}
	h.opts.Metrics.Reject("auth")
	h.closeClient(c, types.CloseUnauthenticated, "authentication required")
}

func (h *Hub) closeClient(c *Client, code int, reason string) {
	c.closeWith(code, reason)
	h.removeClient(c)
}

func (h *Hub) removeClient(c *Client) {
	if cur, ok := h.clients[c.ID]; !ok || cur != c {
		return
	}

	h.leaveAll(c)
	delete(h.clients, c.ID)
	clear(c.attrs)
	c.Close()

	if f, ok := h.opts.Limiter.(ratelimit.Forgetter); ok {
		f.Forget(c.ID)
	}
	h.opts.Metrics.ConnectionClosed(h.index, c.adapter.Name())
	h.logger.Info().Str("client_id", c.ID).Msg("client unregistered")

	h.mu.RLock()
	callbacks := h.onDisconn
	h.mu.RUnlock()
	for _, cb := range callbacks {
		cb(c.ID)
	}
}

func (h *Hub) reapIdle() {
	now := h.now()
	for _, c := range h.clients {
		limit := c.idleTimeout
		if limit <= 0 || (h.opts.IdleTimeout > 0 && h.opts.IdleTimeout < limit) {
			limit = h.opts.IdleTimeout
		}
		if limit > 0 && now.Sub(c.lastActivity) > limit {
			h.logger.Debug().Str("client_id", c.ID).Msg("closing idle client")
			h.closeClient(c, types.CloseGoingAway, "idle timeout")
		}
	}
}

func (h *Hub) shutdown() {
	for _, c := range h.clients {
		h.closeClient(c, types.CloseGoingAway, "server shutting down")
	}
}

// post runs fn on the hub goroutine without waiting for it.
func (h *Hub) post(fn func()) {
	select {
	case h.calls <- fn:
	case <-h.done:
	}
}

// exec runs fn on the hub goroutine and waits for it to finish. It
// reports false when the hub stopped first.
func (h *Hub) exec(fn func()) bool {
	finished := make(chan struct{})
	select {
	case h.calls <- func() { fn(); close(finished) }:
	case <-h.done:
		return false
	}
	select {
	case <-finished:
		return true
	case <-h.done:
		return false
	}
}
