package providers

import (
	"errors"
	"fmt"
	"net"

	"github.com/gofiber/fiber/v3"
	"github.com/orchestra-mcp/realtime/config"
	"github.com/orchestra-mcp/realtime/src/auth"
	"github.com/orchestra-mcp/realtime/src/bridge"
	"github.com/orchestra-mcp/realtime/src/hub"
	"github.com/orchestra-mcp/realtime/src/metrics"
	"github.com/orchestra-mcp/realtime/src/ratelimit"
	"github.com/orchestra-mcp/realtime/src/service"
	"github.com/orchestra-mcp/realtime/src/transport"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/valyala/fasthttp"
)

// Gateway wires the configured components together and serves them.
type Gateway struct {
	active bool
	cfg    *config.GatewayConfig
	logger zerolog.Logger

	metrics       *metrics.Metrics
	redis         redis.UniversalClient
	broker        bridge.Broker
	authenticator *auth.Authenticator
	authorizer    *auth.Authorizer
	signer        *auth.Signer
	server        *transport.Server
	service       *service.Service
	app           *fiber.App
	http          *fasthttp.Server
}

// NewGateway builds a gateway from cfg. routes holds the channel
// authorization callbacks and may be nil.
func NewGateway(cfg *config.GatewayConfig, routes *auth.Routes, logger zerolog.Logger) (*Gateway, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	g := &Gateway{cfg: cfg, logger: logger.With().Str("component", "gateway").Logger()}

	if cfg.Metrics.Enabled {
		g.metrics = metrics.New(cfg.Metrics.Namespace)
	}
	if cfg.NeedsRedis() {
		g.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	}
	if err := g.initBroker(); err != nil {
		_ = g.closeClients()
		return nil, err
	}
	g.initAuth(routes, logger)

	opts := transport.DefaultOptions()
	opts.Workers = cfg.Server.Workers
	opts.PingInterval = cfg.Server.PingInterval
	opts.PingTimeout = cfg.Server.PingTimeout
	opts.ActivityTimeout = cfg.Server.ActivityTimeout
	opts.WriteTimeout = cfg.Server.WriteTimeout
	opts.MaxPayload = cfg.Server.MaxPayload
	opts.ReadBufferSize = cfg.Server.ReadBufferSize
	opts.WriteBufferSize = cfg.Server.WriteBufferSize
	opts.Admission = g.admissionGate()
	opts.Hub = hub.Options{
		Authenticator: g.authenticator,
		Authorizer:    g.authorizer,
		Limiter:       g.messageLimiter(),
		Metrics:       g.metrics,
		RequireAuth:   cfg.Auth.Required,
		AuthTimeout:   cfg.Auth.Timeout,
		IdleTimeout:   cfg.Server.IdleTimeout,
		SendBuffer:    cfg.Server.SendBuffer,
	}
	if g.broker != nil {
		opts.Broker = g.broker
	}
	g.server = transport.New(opts, logger)

	var publisher bridge.Publisher
	if g.broker != nil {
		publisher = g.broker
	}
	g.service = service.New(g.server, publisher, logger)

	g.app = fiber.New()
	g.RegisterRoutes(g.app)
	g.http = &fasthttp.Server{
		Handler:            g.Handler(),
		Name:               "realtime",
		MaxRequestBodySize: 1 << 20,
	}
	return g, nil
}

// initBroker connects the configured broker. The memory broker only
// serves a single node.
func (g *Gateway) initBroker() error {
	switch g.cfg.Broker.Driver {
	case config.BrokerMemory:
		g.broker = bridge.NewMemoryBroker(1024)
	case config.BrokerRedis:
		rc := bridge.DefaultRedisConfig()
		rc.Addr = g.cfg.Redis.Addr
		rc.Password = g.cfg.Redis.Password
		rc.DB = g.cfg.Redis.DB
		if g.cfg.Broker.Prefix != "" {
			rc.Prefix = g.cfg.Broker.Prefix
		}
		if g.cfg.Broker.PollInterval > 0 {
			rc.PollInterval = g.cfg.Broker.PollInterval
		}
		g.broker = bridge.NewRedisBrokerWithClient(g.redis, rc, g.logger)
	case config.BrokerNats:
		nc := bridge.DefaultNatsConfig()
		if g.cfg.Broker.NatsURL != "" {
			nc.URL = g.cfg.Broker.NatsURL
		}
		if g.cfg.Broker.NatsSubject != "" {
			nc.Subject = g.cfg.Broker.NatsSubject
		}
		if g.cfg.Broker.PollInterval > 0 {
			nc.PollInterval = g.cfg.Broker.PollInterval
		}
		nb, err := bridge.NewNatsBroker(nc, g.logger)
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		g.broker = nb
	}
	return nil
}

func (g *Gateway) initAuth(routes *auth.Routes, logger zerolog.Logger) {
	a := g.cfg.Auth

	var tokens *auth.TokenVerifier
	if a.JWTSecret != "" || len(a.GuardSecrets) > 0 {
		secrets := auth.Secrets{Default: []byte(a.JWTSecret), Guards: map[string][]byte{}}
		for guard, secret := range a.GuardSecrets {
			secrets.Guards[guard] = []byte(secret)
		}
		tokens = auth.NewTokenVerifier(secrets, nil)
	}

	var sessions *auth.SessionResolver
	switch a.Session.Driver {
	case config.BackendFile:
		sessions = auth.NewSessionResolver(auth.FileStore{Dir: a.Session.Dir}, a.Session.Limit)
	case config.BackendRedis:
		sessions = auth.NewSessionResolver(auth.RedisStore{Client: g.redis, Prefix: a.Session.Prefix}, a.Session.Limit)
	}

	guards := append([]string{}, a.Guards...)
	for guard := range a.GuardSecrets {
		guards = append(guards, guard)
	}
	g.authenticator = auth.NewAuthenticator(tokens, sessions, a.DefaultGuard, guards...)

	if a.AppKey != "" {
		g.signer = auth.NewSigner(a.AppKey, []byte(a.AppSecret))
	}
	g.authorizer = auth.NewAuthorizer(g.signer, routes, logger)
}

func (g *Gateway) limiter(limit int, suffix string) ratelimit.MessageLimiter {
	rl := g.cfg.RateLimit
	if rl.Backend == config.BackendRedis {
		return ratelimit.NewRedis(g.redis, rl.Prefix+suffix, limit, rl.Window)
	}
	return ratelimit.NewLocal(limit, rl.Window)
}

func (g *Gateway) messageLimiter() ratelimit.MessageLimiter {
	if g.cfg.RateLimit.Messages <= 0 {
		return nil
	}
	return g.limiter(g.cfg.RateLimit.Messages, "msg:")
}

func (g *Gateway) admissionGate() ratelimit.AdmissionGate {
	if g.cfg.RateLimit.Connections <= 0 {
		return nil
	}
	gate, _ := g.limiter(g.cfg.RateLimit.Connections, "").(ratelimit.AdmissionGate)
	return gate
}

// Service exposes the pub/sub API for embedding applications.
func (g *Gateway) Service() *service.Service { return g.service }

// Metrics returns the collectors, nil when disabled.
func (g *Gateway) Metrics() *metrics.Metrics { return g.metrics }

// IsActive reports whether Start has run and Stop has not.
func (g *Gateway) IsActive() bool { return g.active }

// Start runs the workers and the broker subscription.
func (g *Gateway) Start() {
	g.server.Start()
	g.active = true
	g.logger.Info().
		Str("addr", g.cfg.Server.Addr).
		Int("workers", g.cfg.Server.Workers).
		Str("broker", g.cfg.Broker.Driver).
		Bool("auth_required", g.cfg.Auth.Required).
		Msg("gateway started")
}

// Serve accepts connections on ln until Stop.
func (g *Gateway) Serve(ln net.Listener) error {
	return g.http.Serve(ln)
}

// ListenAndServe listens on the configured address.
func (g *Gateway) ListenAndServe() error {
	return g.http.ListenAndServe(g.cfg.Server.Addr)
}

// Stop closes every connection, shuts the HTTP server down and releases
// broker and Redis clients.
func (g *Gateway) Stop() error {
	var errs []error
	g.server.Stop()
	if err := g.http.Shutdown(); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	errs = append(errs, g.closeClients())
	g.active = false
	g.logger.Info().Msg("gateway stopped")
	return errors.Join(errs...)
}

func (g *Gateway) closeClients() error {
	var errs []error
	if g.broker != nil {
		if err := g.broker.Close(); err != nil {
			errs = append(errs, fmt.Errorf("broker close: %w", err))
		}
	}
	if g.redis != nil {
		if err := g.redis.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
			errs = append(errs, fmt.Errorf("redis close: %w", err))
		}
	}
	return errors.Join(errs...)
}
