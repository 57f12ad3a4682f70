// Package bus carries publish requests from producers to the fan-out
// core. Delivery is at-least-once: consumers may observe duplicates and
// must tolerate them. Ordering across sessions is not guaranteed.
package bus

import (
	"context"

	"github.com/sessioncast/sessioncast"
)

// Envelope wraps a message with its bus-assigned id.
type Envelope struct {
	// ID uniquely identifies this publish on the bus.
	ID string `json:"id"`
	// Message is the fan-out unit being carried.
	Message sessioncast.Message `json:"message"`
}

// Handler processes one envelope. Returning an error stops the
// subscription; the envelope may be redelivered to a later subscriber.
type Handler func(ctx context.Context, env Envelope) error

// Bus is the producer-to-core message transport.
type Bus interface {
	// Publish enqueues msg and returns its bus-assigned id.
	Publish(ctx context.Context, msg sessioncast.Message) (string, error)

	// Subscribe invokes handler for each envelope until ctx is cancelled
	// or handler returns an error. It returns ctx.Err() on cancellation.
	Subscribe(ctx context.Context, handler Handler) error

	// Close releases resources held by the bus.
	Close() error
}
