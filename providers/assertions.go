package providers

import (
	"github.com/orchestra-mcp/realtime/src/auth"
	"github.com/orchestra-mcp/realtime/src/bridge"
	"github.com/orchestra-mcp/realtime/src/hub"
	"github.com/orchestra-mcp/realtime/src/ratelimit"
	"github.com/orchestra-mcp/realtime/src/service"
	"github.com/orchestra-mcp/realtime/src/transport"
)

// Compile-time interface assertions.
var (
	_ service.Workers = (*transport.Server)(nil)
	_ hub.Relayer     = (*hub.Hub)(nil)

	_ bridge.Broker = (*bridge.MemoryBroker)(nil)
	_ bridge.Broker = (*bridge.RedisBroker)(nil)
	_ bridge.Broker = (*bridge.NatsBroker)(nil)

	_ ratelimit.AdmissionGate  = (*ratelimit.Local)(nil)
	_ ratelimit.AdmissionGate  = (*ratelimit.Redis)(nil)
	_ ratelimit.MessageLimiter = (*ratelimit.Local)(nil)
	_ ratelimit.MessageLimiter = (*ratelimit.Redis)(nil)
	_ ratelimit.Forgetter      = (*ratelimit.Local)(nil)

	_ auth.SessionStore = auth.FileStore{}
	_ auth.SessionStore = auth.RedisStore{}
)
