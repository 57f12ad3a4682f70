package fanout

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"github.com/sessioncast/sessioncast"
	"github.com/sessioncast/sessioncast/bus"
	"github.com/sessioncast/sessioncast/internal/metrics"
)

// Consumer drains the inbound bus and drives a Publisher. The bus
// delivers at-least-once, so a message may be fanned out more than once;
// recipients are expected to tolerate duplicates.
type Consumer struct {
	bus bus.Bus
	pub *Publisher
	log *slog.Logger
}

// NewConsumer creates a Consumer feeding pub from b.
func NewConsumer(b bus.Bus, pub *Publisher, opts ...ConsumerOption) *Consumer {
	c := &Consumer{
		bus: b,
		pub: pub,
		log: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ConsumerOption configures the Consumer.
type ConsumerOption func(*Consumer)

// WithConsumerLogger sets the slog logger used by the consumer. If not
// provided, logs are discarded.
func WithConsumerLogger(log *slog.Logger) ConsumerOption {
	return func(c *Consumer) { c.log = log }
}

// Run consumes envelopes until ctx is cancelled or the fan-out hits an
// infrastructure failure. A message rejected by validation is a poison
// message: it is logged and skipped, never retried, and never stops the
// consumer.
func (c *Consumer) Run(ctx context.Context) error {
	return c.bus.Subscribe(ctx, func(ctx context.Context, env bus.Envelope) error {
		_, err := c.pub.Publish(ctx, env.Message)
		switch {
		case err == nil:
			metrics.BusMessagesTotal.WithLabelValues("processed").Inc()
			return nil
		case errors.Is(err, sessioncast.ErrMissingSessionID):
			metrics.BusMessagesTotal.WithLabelValues("rejected").Inc()
			c.log.WarnContext(ctx, "dropping unroutable bus message",
				slog.String("envelope_id", env.ID),
				slog.String("error", err.Error()),
			)
			return nil
		default:
			metrics.BusMessagesTotal.WithLabelValues("failed").Inc()
			c.log.ErrorContext(ctx, "fan-out failed, stopping consumer",
				slog.String("envelope_id", env.ID),
				slog.String("error", err.Error()),
			)
			return err
		}
	})
}
