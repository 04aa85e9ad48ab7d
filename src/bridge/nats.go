package bridge

import (
	"context"
	"errors"
	"strings"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// NatsBroker receives broadcasts published on subject.<channel>.
type NatsBroker struct {
	conn   *nats.Conn
	cfg    NatsConfig
	logger zerolog.Logger
}

// NewNatsBroker connects to NATS.
func NewNatsBroker(cfg *NatsConfig, logger zerolog.Logger) (*NatsBroker, error) {
	nc, err := nats.Connect(cfg.URL, nats.Name("realtime-gateway"))
	if err != nil {
		return nil, err
	}
	return &NatsBroker{
		conn:   nc,
		cfg:    *cfg,
		logger: logger.With().Str("component", "nats-broker").Logger(),
	}, nil
}

func (b *NatsBroker) subject(channel string) string {
	return b.cfg.Subject + "." + channel
}

func (b *NatsBroker) channel(subject string) string {
	return strings.TrimPrefix(subject, b.cfg.Subject+".")
}

// Subscribe takes every subject under the prefix and polls running
// between messages.
func (b *NatsBroker) Subscribe(ctx context.Context, sink Sink, running func() bool) error {
	wildcard := b.cfg.Subject + ".>"
	sub, err := b.conn.SubscribeSync(wildcard)
	if err != nil {
		return err
	}
	defer func() {
		if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			b.logger.Warn().Err(err).Msg("nats unsubscribe failed")
		}
	}()
	b.logger.Info().Str("subject", wildcard).Msg("nats broker subscribed")

	for running() && ctx.Err() == nil {
		msg, err := sub.NextMsg(b.cfg.PollInterval)
		if errors.Is(err, nats.ErrTimeout) {
			continue
		}
		if err != nil {
			return err
		}
		d, err := decodeEnvelope(b.channel(msg.Subject), msg.Data)
		if err != nil {
			b.logger.Error().Err(err).Msg("failed to decode nats message")
			continue
		}
		sink(d)
	}
	return nil
}

func (b *NatsBroker) Publish(_ context.Context, d Delivery) error {
	data, err := encodeEnvelope(d)
	if err != nil {
		return err
	}
	return b.conn.Publish(b.subject(d.Channel), data)
}

func (b *NatsBroker) Close() error {
	b.conn.Close()
	return nil
}
