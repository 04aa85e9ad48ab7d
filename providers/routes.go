package providers

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/orchestra-mcp/realtime/src/auth"
	"github.com/orchestra-mcp/realtime/src/transport"
	"github.com/orchestra-mcp/realtime/src/types"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// MetricsPath serves the Prometheus collectors when metrics are enabled.
const MetricsPath = "/metrics"

const requestTimeout = 5 * time.Second

// RegisterRoutes registers the HTTP routes via Fiber.
// The WebSocket upgrades hijack the raw fasthttp connection, so Handler
// serves them ahead of Fiber.
func (g *Gateway) RegisterRoutes(group fiber.Router) {
	group.Get("/ws/info", g.handleInfo)
	group.Post("/broadcasting/auth", g.handleBroadcastAuth)
	g.registerAdminRoutes(group.Group("/api"))
}

// Handler routes WebSocket upgrades to the transport, /metrics to the
// Prometheus handler and everything else to Fiber.
func (g *Gateway) Handler() fasthttp.RequestHandler {
	next := g.app.Handler()
	if g.metrics != nil {
		appHandler := next
		metricsHandler := fasthttpadaptor.NewFastHTTPHandler(
			promhttp.HandlerFor(g.metrics.Registry, promhttp.HandlerOpts{}),
		)
		next = func(ctx *fasthttp.RequestCtx) {
			if string(ctx.Path()) == MetricsPath {
				metricsHandler(ctx)
				return
			}
			appHandler(ctx)
		}
	}
	return g.server.Handler(next)
}

func (g *Gateway) handleInfo(c fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"websocket": true,
		"endpoints": fiber.Map{
			"raw":      transport.RawPath,
			"socketio": transport.SocketIOPath,
		},
		"workers":  len(g.server.Hubs()),
		"clients":  g.service.ClientCount(),
		"channels": len(g.service.GetChannels()),
	})
}

type broadcastAuthRequest struct {
	SocketID    string `json:"socket_id"`
	ChannelName string `json:"channel_name"`
}

// handleBroadcastAuth signs a private or presence subscription for an
// authenticated HTTP caller. The signature is what the socket later
// presents in its subscribe message.
func (g *Gateway) handleBroadcastAuth(c fiber.Ctx) error {
	if g.signer == nil {
		return writeError(c, &types.Error{Status: fiber.StatusNotImplemented, Code: "signing_disabled", Message: "channel signing is not configured"})
	}

	req := broadcastAuthRequest{
		SocketID:    c.FormValue("socket_id"),
		ChannelName: c.FormValue("channel_name"),
	}
	if req.SocketID == "" && req.ChannelName == "" && len(c.Body()) > 0 {
		if err := json.Unmarshal(c.Body(), &req); err != nil {
			return writeError(c, types.ErrBadRequest("invalid request body"))
		}
	}
	if req.SocketID == "" || req.ChannelName == "" {
		return writeError(c, types.ErrBadRequest("socket_id and channel_name are required"))
	}
	if types.KindOf(req.ChannelName) == types.KindPublic {
		return writeError(c, types.ErrBadRequest("public channels need no authorization"))
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	user, err := g.authenticator.Authenticate(ctx, httpCredentials(c))
	if err != nil {
		g.metrics.Reject("auth")
		return writeError(c, types.ErrUnauthenticated("%v", err))
	}

	grant, err := g.authorizer.Direct(ctx, req.ChannelName, user)
	if err != nil {
		g.metrics.Reject("forbidden")
		if errors.Is(err, auth.ErrMemberIdentity) {
			return writeError(c, types.ErrBadRequest("%v", err))
		}
		return writeError(c, types.ErrForbidden("not authorized for %s", req.ChannelName))
	}

	if grant.Member == nil {
		return c.JSON(fiber.Map{"auth": g.signer.Sign(req.SocketID, req.ChannelName, "")})
	}
	channelData, err := grant.Member.ChannelData()
	if err != nil {
		return writeError(c, types.ErrInternal("encode channel data: %v", err))
	}
	return c.JSON(fiber.Map{
		"auth":         g.signer.Sign(req.SocketID, req.ChannelName, channelData),
		"channel_data": channelData,
	})
}

// httpCredentials reads a bearer token, or a session cookie, plus an
// optional guard header.
func httpCredentials(c fiber.Ctx) auth.Credentials {
	creds := auth.Credentials{Guard: c.Get("X-Auth-Guard")}
	if header := c.Get(fiber.HeaderAuthorization); strings.HasPrefix(header, "Bearer ") {
		creds.Token = strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	if creds.Token == "" {
		creds.SessionID = c.Cookies("session_id")
	}
	return creds
}

func writeError(c fiber.Ctx, e *types.Error) error {
	return c.Status(e.Status).JSON(e.Payload())
}
