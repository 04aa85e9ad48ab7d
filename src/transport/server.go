// Package transport accepts WebSocket upgrades and spreads connections
// over the hub workers.
package transport

import (
	"hash/maphash"
	"strings"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/google/uuid"
	"github.com/orchestra-mcp/realtime/src/auth"
	"github.com/orchestra-mcp/realtime/src/bridge"
	"github.com/orchestra-mcp/realtime/src/hub"
	"github.com/orchestra-mcp/realtime/src/protocol"
	"github.com/orchestra-mcp/realtime/src/ratelimit"
	"github.com/orchestra-mcp/realtime/src/types"
	"github.com/rs/zerolog"
	"github.com/valyala/fasthttp"
)

// Paths served by Handler.
const (
	RawPath      = "/ws"
	SocketIOPath = "/socket.io/"
)

// Options configures the server.
type Options struct {
	Workers int
	Hub     hub.Options

	// Admission, when set, gates every upgrade by remote IP.
	Admission ratelimit.AdmissionGate
	// Broker, when set, is consumed by worker 0.
	Broker bridge.Subscriber

	PingInterval    time.Duration
	PingTimeout     time.Duration
	ActivityTimeout time.Duration
	WriteTimeout    time.Duration
	MaxPayload      int
	ReadBufferSize  int
	WriteBufferSize int
}

// DefaultOptions returns the default server options.
func DefaultOptions() Options {
	return Options{
		Workers:         1,
		PingInterval:    25 * time.Second,
		PingTimeout:     20 * time.Second,
		ActivityTimeout: 120 * time.Second,
		WriteTimeout:    10 * time.Second,
		MaxPayload:      1 << 20,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
}

// Server owns the workers and the protocol adapters.
type Server struct {
	opts     Options
	hubs     []*hub.Hub
	seed     maphash.Seed
	raw      protocol.Adapter
	sio      protocol.Adapter
	upgrader websocket.FastHTTPUpgrader
	logger   zerolog.Logger
}

// New creates the workers. Worker 0 relays broker deliveries to the rest.
func New(opts Options, logger zerolog.Logger) *Server {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.Hub.ReapInterval <= 0 {
		opts.Hub.ReapInterval = reapInterval(opts)
	}
	s := &Server{
		opts: opts,
		seed: maphash.MakeSeed(),
		raw:  protocol.NewRaw(int(opts.ActivityTimeout / time.Second)),
		sio:  protocol.NewSocketIO(opts.PingInterval, opts.PingTimeout, opts.MaxPayload),
		upgrader: websocket.FastHTTPUpgrader{
			ReadBufferSize:  opts.ReadBufferSize,
			WriteBufferSize: opts.WriteBufferSize,
		},
		logger: logger.With().Str("component", "transport").Logger(),
	}

	s.hubs = make([]*hub.Hub, opts.Workers)
	for i := range s.hubs {
		s.hubs[i] = hub.New(i, opts.Hub, logger)
	}
	siblings := make([]hub.Relayer, 0, len(s.hubs)-1)
	for _, h := range s.hubs[1:] {
		siblings = append(siblings, h)
	}
	s.hubs[0].SetSiblings(siblings)
	return s
}

// Start runs every worker loop and the broker subscription.
func (s *Server) Start() {
	for _, h := range s.hubs {
		go h.Run()
	}
	if s.opts.Broker != nil {
		go s.hubs[0].Consume(s.opts.Broker)
	}
	s.logger.Info().Int("workers", len(s.hubs)).Bool("broker", s.opts.Broker != nil).Msg("workers started")
}

// Stop halts every worker and closes their connections.
func (s *Server) Stop() {
	for _, h := range s.hubs {
		h.Stop()
	}
}

// Hubs returns the workers.
func (s *Server) Hubs() []*hub.Hub { return s.hubs }

// Deliver injects a delivery at the broker worker, as if it had arrived
// from the broker. Used when no broker is configured.
func (s *Server) Deliver(d bridge.Delivery) {
	s.hubs[0].Deliver(d)
}

// workerFor picks the worker owning a connection id.
func (s *Server) workerFor(id string) *hub.Hub {
	return s.hubs[maphash.String(s.seed, id)%uint64(len(s.hubs))]
}

// Handler routes upgrade paths to the adapters and everything else to
// next, which may be nil.
func (s *Server) Handler(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		path := string(ctx.Path())
		switch {
		case path == RawPath:
			s.serve(ctx, s.raw)
		case strings.HasPrefix(path, SocketIOPath):
			s.serveSocketIO(ctx)
		case next != nil:
			next(ctx)
		default:
			ctx.SetStatusCode(fasthttp.StatusNotFound)
		}
	}
}

func (s *Server) serveSocketIO(ctx *fasthttp.RequestCtx) {
	args := ctx.QueryArgs()
	if t := string(args.Peek("transport")); t != "" && t != "websocket" {
		ctx.SetStatusCode(fasthttp.StatusBadRequest)
		ctx.SetContentType("application/json")
		ctx.SetBodyString(`{"code":3,"message":"Bad request"}`)
		return
	}
	if eio := string(args.Peek("EIO")); eio != "" && eio != "4" {
		ctx.SetStatusCode(fasthttp.StatusBadRequest)
		ctx.SetContentType("application/json")
		ctx.SetBodyString(`{"code":5,"message":"Unsupported protocol version"}`)
		return
	}
	s.serve(ctx, s.sio)
}

func (s *Server) serve(ctx *fasthttp.RequestCtx, adapter protocol.Adapter) {
	upgrade := string(ctx.Request.Header.Peek("Upgrade"))
	if !strings.EqualFold(upgrade, "websocket") {
		ctx.SetStatusCode(fasthttp.StatusUpgradeRequired)
		ctx.SetBodyString(`{"error":"upgrade_required","message":"WebSocket upgrade required"}`)
		return
	}

	remote := ctx.RemoteIP().String()
	admitted := s.admit(ctx, remote)
	creds := credentialsFromQuery(ctx.QueryArgs())
	clientID := uuid.NewString()

	err := s.upgrader.Upgrade(ctx, func(conn *websocket.Conn) {
		if s.opts.MaxPayload > 0 {
			conn.SetReadLimit(int64(s.opts.MaxPayload))
		}
		wc := &wsConn{conn: conn, writeTimeout: s.opts.WriteTimeout}
		if !admitted {
			_ = wc.WriteClose(types.CloseRateLimited, "too many connections")
			_ = wc.Close()
			return
		}

		h := s.workerFor(clientID)
		client := hub.NewClient(clientID, remote, wc, adapter, h)
		client.SetCredentials(creds)
		client.SetIdleTimeout(s.idleTimeout(adapter))
		h.Register(client)
		go client.WritePump(s.heartbeat(adapter))
		client.ReadPump()
	})
	if err != nil {
		s.logger.Error().Err(err).Str("remote_addr", remote).Msg("websocket upgrade failed")
	}
}

// admit consults the admission gate. Gate errors admit the connection.
func (s *Server) admit(ctx *fasthttp.RequestCtx, remote string) bool {
	if s.opts.Admission == nil {
		return true
	}
	d, err := s.opts.Admission.Admit(ctx, remote)
	if err != nil {
		s.logger.Warn().Err(err).Str("remote_addr", remote).Msg("admission gate unavailable, admitting")
		return true
	}
	if !d.Allowed {
		s.opts.Hub.Metrics.Reject("admission")
		s.logger.Info().Str("remote_addr", remote).Dur("retry_after", d.RetryAfter).Msg("connection rejected by admission gate")
	}
	return d.Allowed
}

// idleTimeout is how long a client may stay silent. Socket.IO clients
// must answer each ping within PingTimeout; raw clients ping after
// ActivityTimeout and get PingTimeout for the round trip.
func (s *Server) idleTimeout(adapter protocol.Adapter) time.Duration {
	if adapter == s.sio {
		return s.opts.PingInterval + s.opts.PingTimeout
	}
	return s.opts.ActivityTimeout + s.opts.PingTimeout
}

// reapInterval checks deadlines at half the shortest one.
func reapInterval(opts Options) time.Duration {
	shortest := opts.PingInterval + opts.PingTimeout
	if raw := opts.ActivityTimeout + opts.PingTimeout; raw > 0 && (shortest <= 0 || raw < shortest) {
		shortest = raw
	}
	if idle := opts.Hub.IdleTimeout; idle > 0 && (shortest <= 0 || idle < shortest) {
		shortest = idle
	}
	return shortest / 2
}

func (s *Server) heartbeat(adapter protocol.Adapter) time.Duration {
	if adapter.Heartbeat() == nil {
		return 0
	}
	return s.opts.PingInterval
}

func credentialsFromQuery(args *fasthttp.Args) auth.Credentials {
	return auth.Credentials{
		Token:     string(args.Peek("token")),
		SessionID: string(args.Peek("session_id")),
		Guard:     string(args.Peek("guard")),
	}
}
