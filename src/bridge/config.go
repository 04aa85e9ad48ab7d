package bridge

import "time"

// RedisConfig holds connection settings for the Redis broker. The
// gateway fills it from its own configuration.
type RedisConfig struct {
	Addr         string        // Redis address, default "localhost:6379"
	Password     string        // Redis password, default ""
	DB           int           // Redis database number, default 0
	Prefix       string        // Channel prefix, default "realtime:"
	PollInterval time.Duration // How often the running predicate is checked
}

// DefaultRedisConfig returns a RedisConfig with sensible defaults.
func DefaultRedisConfig() *RedisConfig {
	return &RedisConfig{
		Addr:         "localhost:6379",
		Prefix:       "realtime:",
		PollInterval: time.Second,
	}
}

// NatsConfig holds connection settings for the NATS broker.
type NatsConfig struct {
	URL          string
	Subject      string // Subject prefix, default "realtime"
	PollInterval time.Duration
}

// DefaultNatsConfig returns a NatsConfig with sensible defaults.
func DefaultNatsConfig() *NatsConfig {
	return &NatsConfig{
		URL:          "nats://127.0.0.1:4222",
		Subject:      "realtime",
		PollInterval: time.Second,
	}
}
