// Package redis provides a Redis Streams implementation of the bus.Bus
// interface. Producers XADD envelopes to a single stream; each consumer
// reads from the stream tail with blocking XREAD. Redis Streams give the
// at-least-once, possibly-duplicated semantics the contract asks for.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/sessioncast/sessioncast"
	"github.com/sessioncast/sessioncast/bus"
)

const readBlock = 500 * time.Millisecond

// Config contains configuration options for the Redis bus.
type Config struct {
	// Client is the Redis client instance
	Client *redis.Client

	// Stream is the stream key carrying publish envelopes.
	// Default: "sessioncast:bus"
	Stream string
}

// Bus implements bus.Bus over a Redis stream.
type Bus struct {
	client *redis.Client
	stream string
}

// New creates a new Redis-backed bus instance.
func New(config Config) (*Bus, error) {
	if config.Client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if config.Stream == "" {
		config.Stream = "sessioncast:bus"
	}
	return &Bus{client: config.Client, stream: config.Stream}, nil
}

// Publish implements bus.Bus.Publish.
func (b *Bus) Publish(ctx context.Context, msg sessioncast.Message) (string, error) {
	env := bus.Envelope{ID: uuid.NewString(), Message: msg}
	data, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("failed to marshal envelope: %w", err)
	}

	err = b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: b.stream,
		Values: map[string]interface{}{"d": data},
	}).Err()
	if err != nil {
		return "", fmt.Errorf("failed to publish to stream %s: %w", b.stream, err)
	}
	return env.ID, nil
}

// Subscribe implements bus.Bus.Subscribe. Consumption starts from the
// next published message.
func (b *Bus) Subscribe(ctx context.Context, handler bus.Handler) error {
	start := "$"
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		res, err := b.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{b.stream, start},
			Count:   16,
			Block:   readBlock,
		}).Result()
		if err != nil {
			if err == redis.Nil {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("failed to read stream %s: %w", b.stream, err)
		}
		if len(res) == 0 {
			continue
		}

		for _, m := range res[0].Messages {
			start = m.ID

			var payload []byte
			switch v := m.Values["d"].(type) {
			case string:
				payload = []byte(v)
			case []byte:
				payload = v
			default:
				payload = []byte(fmt.Sprintf("%v", v))
			}

			var env bus.Envelope
			if err := json.Unmarshal(payload, &env); err != nil {
				// A malformed entry cannot be processed; skip it rather
				// than wedge the stream.
				continue
			}
			if err := handler(ctx, env); err != nil {
				return err
			}
		}
	}
}

// Close closes the underlying Redis client.
func (b *Bus) Close() error {
	return b.client.Close()
}

// Compile-time interface check
var _ bus.Bus = (*Bus)(nil)
