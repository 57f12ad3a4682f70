// Package memory provides an in-memory implementation of the bus.Bus
// interface using Go channels. Suitable for single-node deployments and
// testing scenarios.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/sessioncast/sessioncast"
	"github.com/sessioncast/sessioncast/bus"
)

const subscriberBuffer = 256

// Bus implements bus.Bus with a channel per subscriber.
type Bus struct {
	mu          sync.Mutex
	subscribers map[*subscriber]struct{}
	closed      bool
}

type subscriber struct {
	ch chan bus.Envelope
}

// New creates an empty in-memory bus.
func New() *Bus {
	return &Bus{subscribers: make(map[*subscriber]struct{})}
}

// Publish implements bus.Bus.Publish.
func (b *Bus) Publish(ctx context.Context, msg sessioncast.Message) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	env := bus.Envelope{ID: uuid.NewString(), Message: msg}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return "", fmt.Errorf("bus is closed")
	}
	subs := make([]*subscriber, 0, len(b.subscribers))
	for sub := range b.subscribers {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	// A saturated subscriber exerts backpressure on the producer rather
	// than losing the envelope; ctx bounds the wait.
	for _, sub := range subs {
		select {
		case sub.ch <- env:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return env.ID, nil
}

// Subscribe implements bus.Bus.Subscribe.
func (b *Bus) Subscribe(ctx context.Context, handler bus.Handler) error {
	sub := &subscriber{ch: make(chan bus.Envelope, subscriberBuffer)}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return fmt.Errorf("bus is closed")
	}
	b.subscribers[sub] = struct{}{}
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.subscribers, sub)
		b.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env := <-sub.ch:
			if err := handler(ctx, env); err != nil {
				return err
			}
		}
	}
}

// Close implements bus.Bus.Close.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

// Compile-time interface check
var _ bus.Bus = (*Bus)(nil)
