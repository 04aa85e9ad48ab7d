package bridge

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisBroker receives broadcasts published to Redis channels named
// prefix+channel.
type RedisBroker struct {
	client redis.UniversalClient
	cfg    RedisConfig
	logger zerolog.Logger
}

// NewRedisBroker creates a broker backed by a new Redis client.
func NewRedisBroker(cfg *RedisConfig, logger zerolog.Logger) *RedisBroker {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return NewRedisBrokerWithClient(client, cfg, logger)
}

// NewRedisBrokerWithClient wraps an existing client.
func NewRedisBrokerWithClient(client redis.UniversalClient, cfg *RedisConfig, logger zerolog.Logger) *RedisBroker {
	return &RedisBroker{
		client: client,
		cfg:    *cfg,
		logger: logger.With().Str("component", "redis-broker").Logger(),
	}
}

// Client exposes the underlying client for components sharing the
// connection (rate limiting, sessions).
func (b *RedisBroker) Client() redis.UniversalClient { return b.client }

// Subscribe pattern-subscribes to prefix* and polls running between
// receives.
func (b *RedisBroker) Subscribe(ctx context.Context, sink Sink, running func() bool) error {
	if err := b.client.Ping(ctx).Err(); err != nil {
		return err
	}

	pattern := b.cfg.Prefix + "*"
	sub := b.client.PSubscribe(ctx, pattern)
	defer sub.Close()

	// Wait for subscription confirmation.
	if _, err := sub.Receive(ctx); err != nil {
		return err
	}
	b.logger.Info().Str("pattern", pattern).Msg("redis broker subscribed")

	for running() {
		msg, err := sub.ReceiveTimeout(ctx, b.cfg.PollInterval)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		m, ok := msg.(*redis.Message)
		if !ok {
			continue
		}
		b.handleRedisMessage(m, sink)
	}
	return nil
}

// handleRedisMessage decodes a payload and forwards it to the sink.
func (b *RedisBroker) handleRedisMessage(msg *redis.Message, sink Sink) {
	channel := strings.TrimPrefix(msg.Channel, b.cfg.Prefix)
	d, err := decodeEnvelope(channel, []byte(msg.Payload))
	if err != nil {
		b.logger.Error().Err(err).Msg("failed to decode redis message")
		return
	}

	b.logger.Debug().
		Str("channel", d.Channel).
		Str("event", d.Event).
		Msg("relaying message from redis")

	sink(d)
}

// Publish sends a delivery to every subscribed gateway.
func (b *RedisBroker) Publish(ctx context.Context, d Delivery) error {
	data, err := encodeEnvelope(d)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, b.cfg.Prefix+d.Channel, data).Err()
}

// Close closes the Redis connection.
func (b *RedisBroker) Close() error {
	return b.client.Close()
}
