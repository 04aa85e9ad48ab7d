package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. REALTIME_SERVER_WORKERS.
const EnvPrefix = "REALTIME"

// GatewayConfig holds the gateway configuration.
type GatewayConfig struct {
	Server struct {
		Addr            string        `mapstructure:"addr"`
		Workers         int           `mapstructure:"workers"`
		ReadBufferSize  int           `mapstructure:"read_buffer_size"`
		WriteBufferSize int           `mapstructure:"write_buffer_size"`
		MaxPayload      int           `mapstructure:"max_payload"`
		SendBuffer      int           `mapstructure:"send_buffer"`
		WriteTimeout    time.Duration `mapstructure:"write_timeout"`
		PingInterval    time.Duration `mapstructure:"ping_interval"`
		PingTimeout     time.Duration `mapstructure:"ping_timeout"`
		ActivityTimeout time.Duration `mapstructure:"activity_timeout"`
		IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	} `mapstructure:"server"`

	Auth struct {
		Required     bool              `mapstructure:"required"`
		Timeout      time.Duration     `mapstructure:"timeout"`
		DefaultGuard string            `mapstructure:"default_guard"`
		Guards       []string          `mapstructure:"guards"`
		JWTSecret    string            `mapstructure:"jwt_secret"`
		GuardSecrets map[string]string `mapstructure:"guard_secrets"`
		AppKey       string            `mapstructure:"app_key"`
		AppSecret    string            `mapstructure:"app_secret"`

		Session struct {
			Driver string `mapstructure:"driver"`
			Dir    string `mapstructure:"dir"`
			Prefix string `mapstructure:"prefix"`
			Limit  int64  `mapstructure:"limit"`
		} `mapstructure:"session"`
	} `mapstructure:"auth"`

	RateLimit struct {
		Backend     string        `mapstructure:"backend"`
		Connections int           `mapstructure:"connections"`
		Messages    int           `mapstructure:"messages"`
		Window      time.Duration `mapstructure:"window"`
		Prefix      string        `mapstructure:"prefix"`
	} `mapstructure:"rate_limit"`

	Broker struct {
		Driver       string        `mapstructure:"driver"`
		Prefix       string        `mapstructure:"prefix"`
		NatsURL      string        `mapstructure:"nats_url"`
		NatsSubject  string        `mapstructure:"nats_subject"`
		PollInterval time.Duration `mapstructure:"poll_interval"`
	} `mapstructure:"broker"`

	Redis struct {
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
	} `mapstructure:"redis"`

	// Admin guards the /api routes. An empty token disables them.
	Admin struct {
		Token string `mapstructure:"token"`
	} `mapstructure:"admin"`

	Metrics struct {
		Enabled   bool   `mapstructure:"enabled"`
		Namespace string `mapstructure:"namespace"`
	} `mapstructure:"metrics"`

	Log struct {
		Level  string `mapstructure:"level"`
		Pretty bool   `mapstructure:"pretty"`
	} `mapstructure:"log"`
}

// Broker drivers.
const (
	BrokerNone   = "none"
	BrokerMemory = "memory"
	BrokerRedis  = "redis"
	BrokerNats   = "nats"
)

// Session and rate limit backends.
const (
	BackendFile  = "file"
	BackendRedis = "redis"
	BackendLocal = "local"
)

var defaults = map[string]any{
	"server.addr":              ":6001",
	"server.workers":           1,
	"server.read_buffer_size":  1024,
	"server.write_buffer_size": 1024,
	"server.max_payload":       1 << 20,
	"server.send_buffer":       256,
	"server.write_timeout":     10 * time.Second,
	"server.ping_interval":     25 * time.Second,
	"server.ping_timeout":      20 * time.Second,
	"server.activity_timeout":  120 * time.Second,
	"server.idle_timeout":      0,

	"auth.required":       false,
	"auth.timeout":        30 * time.Second,
	"auth.default_guard":  "web",
	"auth.guards":         []string{},
	"auth.jwt_secret":     "",
	"auth.guard_secrets":  map[string]string{},
	"auth.app_key":        "",
	"auth.app_secret":     "",
	"auth.session.driver": "",
	"auth.session.dir":    "",
	"auth.session.prefix": "session:",
	"auth.session.limit":  1 << 20,

	"rate_limit.backend":     BackendLocal,
	"rate_limit.connections": 0,
	"rate_limit.messages":    0,
	"rate_limit.window":      time.Minute,
	"rate_limit.prefix":      "realtime:rl:",

	"broker.driver":        BrokerNone,
	"broker.prefix":        "realtime:",
	"broker.nats_url":      "nats://127.0.0.1:4222",
	"broker.nats_subject":  "realtime",
	"broker.poll_interval": time.Second,

	"redis.addr":     "localhost:6379",
	"redis.password": "",
	"redis.db":       0,

	"admin.token": "",

	"metrics.enabled":   true,
	"metrics.namespace": "realtime",

	"log.level":  "info",
	"log.pretty": false,
}

func withDefaults() *viper.Viper {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	return v
}

// DefaultConfig returns the default gateway configuration.
func DefaultConfig() *GatewayConfig {
	var c GatewayConfig
	if err := withDefaults().Unmarshal(&c); err != nil {
		panic(fmt.Sprintf("config: decode defaults: %v", err))
	}
	return &c
}

// Load reads the YAML file at path, when path is non-empty, then applies
// REALTIME_* environment overrides and validates the result.
func Load(path string) (*GatewayConfig, error) {
	v := withDefaults()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var c GatewayConfig
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate reports every invalid setting at once.
func (c *GatewayConfig) Validate() error {
	var errs []error
	if c.Server.Workers < 1 {
		errs = append(errs, fmt.Errorf("server.workers must be at least 1, got %d", c.Server.Workers))
	}
	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	if c.Auth.DefaultGuard == "" {
		errs = append(errs, errors.New("auth.default_guard is required"))
	}
	if c.Auth.Required && c.Auth.JWTSecret == "" && len(c.Auth.GuardSecrets) == 0 && c.Auth.Session.Driver == "" {
		errs = append(errs, errors.New("auth.required needs a jwt secret or a session driver"))
	}
	if (c.Auth.AppKey == "") != (c.Auth.AppSecret == "") {
		errs = append(errs, errors.New("auth.app_key and auth.app_secret must be set together"))
	}
	switch c.Auth.Session.Driver {
	case "", BackendRedis:
	case BackendFile:
		if c.Auth.Session.Dir == "" {
			errs = append(errs, errors.New("auth.session.dir is required for the file driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("auth.session.driver %q is not one of file, redis", c.Auth.Session.Driver))
	}
	switch c.RateLimit.Backend {
	case BackendLocal, BackendRedis:
	default:
		errs = append(errs, fmt.Errorf("rate_limit.backend %q is not one of local, redis", c.RateLimit.Backend))
	}
	if (c.RateLimit.Connections > 0 || c.RateLimit.Messages > 0) && c.RateLimit.Window <= 0 {
		errs = append(errs, errors.New("rate_limit.window must be positive"))
	}
	switch c.Broker.Driver {
	case BrokerNone, BrokerMemory, BrokerRedis, BrokerNats:
	default:
		errs = append(errs, fmt.Errorf("broker.driver %q is not one of none, memory, redis, nats", c.Broker.Driver))
	}
	return errors.Join(errs...)
}

// NeedsRedis reports whether any component is configured to use Redis.
func (c *GatewayConfig) NeedsRedis() bool {
	return c.Broker.Driver == BrokerRedis ||
		c.RateLimit.Backend == BackendRedis && (c.RateLimit.Connections > 0 || c.RateLimit.Messages > 0) ||
		c.Auth.Session.Driver == BackendRedis
}
