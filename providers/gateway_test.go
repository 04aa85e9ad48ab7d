package providers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/golang-jwt/jwt/v5"
	"github.com/orchestra-mcp/realtime/config"
	"github.com/orchestra-mcp/realtime/src/auth"
	"github.com/orchestra-mcp/realtime/src/transport"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"
)

func testConfig() *config.GatewayConfig {
	cfg := config.DefaultConfig()
	cfg.Server.Workers = 2
	cfg.Auth.JWTSecret = "jwt-secret"
	cfg.Auth.AppKey = "app-key"
	cfg.Auth.AppSecret = "app-secret"
	cfg.Broker.Driver = config.BrokerMemory
	cfg.Admin.Token = "admin-token"
	return cfg
}

func testRoutes(t *testing.T) *auth.Routes {
	t.Helper()
	routes := auth.NewRoutes()
	require.NoError(t, routes.Channel("orders.{orderId}", func(_ context.Context, user *auth.Identity, params map[string]string, _ string) (auth.Verdict, error) {
		if params["orderId"] == "42" && user.UserID == "7" {
			return auth.Allow(), nil
		}
		return auth.Deny(), nil
	}))
	require.NoError(t, routes.Channel("room.{id}", func(_ context.Context, user *auth.Identity, _ map[string]string, _ string) (auth.Verdict, error) {
		return auth.AllowMember(map[string]any{"name": user.Username}), nil
	}))
	return routes
}

func newTestGateway(t *testing.T, cfg *config.GatewayConfig) *Gateway {
	t.Helper()
	g, err := NewGateway(cfg, testRoutes(t), zerolog.Nop())
	require.NoError(t, err)
	g.Start()
	t.Cleanup(func() { _ = g.Stop() })
	return g
}

func signToken(t *testing.T, sub string) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":      sub,
		"username": "user" + sub,
		"exp":      time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte("jwt-secret"))
	require.NoError(t, err)
	return token
}

func doJSON(t *testing.T, g *Gateway, req *http.Request) (int, map[string]any) {
	t.Helper()
	resp, err := g.app.Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var out map[string]any
	if len(body) > 0 {
		require.NoError(t, json.Unmarshal(body, &out))
	}
	return resp.StatusCode, out
}

func TestNewGatewayRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Server.Workers = 0
	_, err := NewGateway(cfg, nil, zerolog.Nop())
	assert.ErrorContains(t, err, "server.workers")
}

func TestGatewayLifecycle(t *testing.T) {
	g, err := NewGateway(testConfig(), nil, zerolog.Nop())
	require.NoError(t, err)
	assert.False(t, g.IsActive())
	g.Start()
	assert.True(t, g.IsActive())
	assert.NotNil(t, g.Service())
	assert.NotNil(t, g.Metrics())
	require.NoError(t, g.Stop())
	assert.False(t, g.IsActive())
}

func TestInfoRoute(t *testing.T) {
	g := newTestGateway(t, testConfig())

	status, body := doJSON(t, g, httptest.NewRequest(http.MethodGet, "/ws/info", nil))
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["websocket"])
	assert.Equal(t, float64(2), body["workers"])
	assert.Equal(t, map[string]any{"raw": transport.RawPath, "socketio": transport.SocketIOPath}, body["endpoints"])
}

func TestBroadcastAuthPrivateChannel(t *testing.T) {
	g := newTestGateway(t, testConfig())
	signer := auth.NewSigner("app-key", []byte("app-secret"))

	req := httptest.NewRequest(http.MethodPost, "/broadcasting/auth",
		strings.NewReader("socket_id=sock-1&channel_name=private-orders.42"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Authorization", "Bearer "+signToken(t, "7"))

	status, body := doJSON(t, g, req)
	require.Equal(t, http.StatusOK, status)
	sig, _ := body["auth"].(string)
	assert.True(t, signer.Verify("sock-1", "private-orders.42", "", sig))
	assert.NotContains(t, body, "channel_data")
}

func TestBroadcastAuthPresenceChannel(t *testing.T) {
	g := newTestGateway(t, testConfig())
	signer := auth.NewSigner("app-key", []byte("app-secret"))

	req := httptest.NewRequest(http.MethodPost, "/broadcasting/auth",
		strings.NewReader(`{"socket_id":"sock-2","channel_name":"presence-room.1"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+signToken(t, "9"))

	status, body := doJSON(t, g, req)
	require.Equal(t, http.StatusOK, status)

	channelData, _ := body["channel_data"].(string)
	assert.JSONEq(t, `{"user_id":"9","user_info":{"name":"user9"}}`, channelData)
	sig, _ := body["auth"].(string)
	assert.True(t, signer.Verify("sock-2", "presence-room.1", channelData, sig))
}

func TestBroadcastAuthRejections(t *testing.T) {
	g := newTestGateway(t, testConfig())
	token := signToken(t, "7")

	tests := []struct {
		name   string
		body   string
		bearer string
		status int
		code   string
	}{
		{"missing fields", "socket_id=sock-1", token, http.StatusBadRequest, "bad_request"},
		{"public channel", "socket_id=sock-1&channel_name=news", token, http.StatusBadRequest, "bad_request"},
		{"no credentials", "socket_id=sock-1&channel_name=private-orders.42", "", http.StatusUnauthorized, "unauthenticated"},
		{"bad token", "socket_id=sock-1&channel_name=private-orders.42", "garbage", http.StatusUnauthorized, "unauthenticated"},
		{"denied by route", "socket_id=sock-1&channel_name=private-orders.9", token, http.StatusForbidden, "forbidden"},
		{"no route", "socket_id=sock-1&channel_name=private-invoices.1", token, http.StatusForbidden, "forbidden"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/broadcasting/auth", strings.NewReader(tt.body))
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
			if tt.bearer != "" {
				req.Header.Set("Authorization", "Bearer "+tt.bearer)
			}
			status, body := doJSON(t, g, req)
			assert.Equal(t, tt.status, status)
			assert.Equal(t, tt.code, body["code"])
		})
	}
}

func TestBroadcastAuthWithoutSigner(t *testing.T) {
	cfg := testConfig()
	cfg.Auth.AppKey = ""
	cfg.Auth.AppSecret = ""
	g := newTestGateway(t, cfg)

	req := httptest.NewRequest(http.MethodPost, "/broadcasting/auth",
		strings.NewReader("socket_id=sock-1&channel_name=private-orders.42"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	status, body := doJSON(t, g, req)
	assert.Equal(t, http.StatusNotImplemented, status)
	assert.Equal(t, "signing_disabled", body["code"])
}

func adminRequest(method, target string, body io.Reader) *http.Request {
	req := httptest.NewRequest(method, target, body)
	req.Header.Set("Authorization", "Bearer admin-token")
	req.Header.Set("Content-Type", "application/json")
	return req
}

func TestAdminRoutes(t *testing.T) {
	g := newTestGateway(t, testConfig())

	status, body := doJSON(t, g, adminRequest(http.MethodGet, "/api/clients", nil))
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(0), body["count"])

	status, body = doJSON(t, g, adminRequest(http.MethodGet, "/api/channels", nil))
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(0), body["count"])

	status, _ = doJSON(t, g, adminRequest(http.MethodGet, "/api/clients/missing", nil))
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = doJSON(t, g, adminRequest(http.MethodDelete, "/api/clients/missing", nil))
	assert.Equal(t, http.StatusNotFound, status)

	status, body = doJSON(t, g, adminRequest(http.MethodGet, "/api/channels/news/members", nil))
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "bad_request", body["code"])

	status, body = doJSON(t, g, adminRequest(http.MethodGet, "/api/channels/presence-room.1/members", nil))
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(0), body["count"])

	req := adminRequest(http.MethodPost, "/api/publish", strings.NewReader(`{"event":"x"}`))
	status, _ = doJSON(t, g, req)
	assert.Equal(t, http.StatusBadRequest, status)

	req = adminRequest(http.MethodPost, "/api/publish", strings.NewReader(`{`))
	status, _ = doJSON(t, g, req)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestAdminRoutesRequireToken(t *testing.T) {
	cfg := testConfig()
	cfg.Auth.Required = true
	g := newTestGateway(t, cfg)

	publish := func(bearer string) (int, map[string]any) {
		req := httptest.NewRequest(http.MethodPost, "/api/publish",
			strings.NewReader(`{"channel":"private-orders.42","event":"forged"}`))
		req.Header.Set("Content-Type", "application/json")
		if bearer != "" {
			req.Header.Set("Authorization", "Bearer "+bearer)
		}
		return doJSON(t, g, req)
	}

	status, body := publish("")
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "unauthenticated", body["code"])

	status, _ = publish("wrong-token")
	assert.Equal(t, http.StatusUnauthorized, status)

	// A user token is not an admin token.
	status, _ = publish(signToken(t, "7"))
	assert.Equal(t, http.StatusUnauthorized, status)

	for _, route := range []struct{ method, path string }{
		{http.MethodGet, "/api/clients"},
		{http.MethodGet, "/api/channels"},
		{http.MethodGet, "/api/channels/presence-room.1/members"},
		{http.MethodDelete, "/api/clients/any"},
	} {
		status, _ := doJSON(t, g, httptest.NewRequest(route.method, route.path, nil))
		assert.Equal(t, http.StatusUnauthorized, status, "%s %s", route.method, route.path)
	}

	status, _ = publish("admin-token")
	assert.Equal(t, http.StatusAccepted, status)
}

func TestAdminRoutesClosedWithoutToken(t *testing.T) {
	cfg := testConfig()
	cfg.Admin.Token = ""
	g := newTestGateway(t, cfg)

	req := httptest.NewRequest(http.MethodGet, "/api/clients", nil)
	req.Header.Set("Authorization", "Bearer ")
	status, body := doJSON(t, g, req)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "unauthenticated", body["code"])
}

type servedGateway struct {
	*Gateway
	ln *fasthttputil.InmemoryListener
}

func serveGateway(t *testing.T, cfg *config.GatewayConfig) *servedGateway {
	t.Helper()
	g := newTestGateway(t, cfg)
	ln := fasthttputil.NewInmemoryListener()
	go func() { _ = g.Serve(ln) }()
	return &servedGateway{Gateway: g, ln: ln}
}

func (sg *servedGateway) do(t *testing.T, method, path, body string) (int, []byte) {
	t.Helper()
	client := &fasthttp.Client{Dial: func(string) (net.Conn, error) { return sg.ln.Dial() }}
	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI("http://gateway.test" + path)
	req.Header.SetMethod(method)
	req.SetConnectionClose()
	req.Header.Set(fasthttp.HeaderAuthorization, "Bearer admin-token")
	if body != "" {
		req.Header.SetContentType("application/json")
		req.SetBodyString(body)
	}
	require.NoError(t, client.DoTimeout(req, resp, 2*time.Second))
	return resp.StatusCode(), append([]byte(nil), resp.Body()...)
}

func (sg *servedGateway) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	dialer := websocket.Dialer{
		NetDial:          func(string, string) (net.Conn, error) { return sg.ln.Dial() },
		HandshakeTimeout: time.Second,
	}
	conn, _, err := dialer.Dial("ws://gateway.test"+transport.RawPath, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readUntil(t *testing.T, conn *websocket.Conn, event string) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		var f map[string]any
		require.NoError(t, json.Unmarshal(data, &f))
		if f["event"] == event {
			return f
		}
	}
}

func TestPublishReachesSubscriberThroughBroker(t *testing.T) {
	sg := serveGateway(t, testConfig())

	conn := sg.dial(t)
	readUntil(t, conn, "connection_established")
	require.NoError(t, conn.WriteJSON(map[string]any{"type": "subscribe", "channel": "news"}))
	readUntil(t, conn, "subscribed")

	status, _ := sg.do(t, fasthttp.MethodGet, "/api/channels", "")
	assert.Equal(t, http.StatusOK, status)

	status, body := sg.do(t, fasthttp.MethodPost, "/api/publish", `{"channel":"news","event":"headline","data":{"title":"hello"}}`)
	require.Equal(t, http.StatusAccepted, status, string(body))

	got := readUntil(t, conn, "headline")
	assert.Equal(t, "news", got["channel"])
	assert.Equal(t, map[string]any{"title": "hello"}, got["data"])
}

func TestAuthRequiredClosesWith4401(t *testing.T) {
	cfg := testConfig()
	cfg.Auth.Required = true
	cfg.Auth.Timeout = 50 * time.Millisecond
	sg := serveGateway(t, cfg)

	conn := sg.dial(t)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		var ce *websocket.CloseError
		require.True(t, errors.As(err, &ce), "expected close frame, got %v", err)
		assert.Equal(t, 4401, ce.Code)
		return
	}
}

func TestMetricsEndpoint(t *testing.T) {
	sg := serveGateway(t, testConfig())

	conn := sg.dial(t)
	readUntil(t, conn, "connection_established")
	require.NoError(t, conn.WriteJSON(map[string]any{"type": "subscribe", "channel": "news"}))
	readUntil(t, conn, "subscribed")

	status, body := sg.do(t, fasthttp.MethodGet, MetricsPath, "")
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(body), "realtime_connections")
	assert.Contains(t, string(body), "realtime_messages_total")
}

func TestMetricsDisabledFallsThroughToApp(t *testing.T) {
	cfg := testConfig()
	cfg.Metrics.Enabled = false
	sg := serveGateway(t, cfg)

	status, _ := sg.do(t, fasthttp.MethodGet, MetricsPath, "")
	assert.Equal(t, http.StatusNotFound, status)
}
