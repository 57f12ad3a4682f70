// Package channeltest provides a scriptable in-memory delivery.Channel
// for testing fan-out behavior without a transport.
package channeltest

import (
	"context"
	"fmt"
	"sync"

	"github.com/sessioncast/sessioncast/delivery"
)

// Send records one delivery attempt observed by the fake channel.
type Send struct {
	ConnectionID string
	Payload      []byte
}

// Channel is a fake delivery.Channel. The zero value delivers everything
// successfully; per-connection outcomes can be scripted with SetOutcome.
// Safe for concurrent use.
type Channel struct {
	mu       sync.Mutex
	outcomes map[string]delivery.Outcome
	sends    []Send

	// BeforeSend, when set, runs at the start of every Send with the
	// target connection id. Useful to inject blocking or coordination
	// into concurrency tests.
	BeforeSend func(ctx context.Context, connectionID string)
}

// New creates an empty fake channel.
func New() *Channel {
	return &Channel{outcomes: make(map[string]delivery.Outcome)}
}

// SetOutcome scripts the outcome for all subsequent sends to connectionID.
func (c *Channel) SetOutcome(connectionID string, outcome delivery.Outcome) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outcomes[connectionID] = outcome
}

// Send implements delivery.Channel.Send.
func (c *Channel) Send(ctx context.Context, connectionID string, payload []byte) (delivery.Outcome, error) {
	if c.BeforeSend != nil {
		c.BeforeSend(ctx, connectionID)
	}
	if err := ctx.Err(); err != nil {
		return delivery.Transient, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	buf := make([]byte, len(payload))
	copy(buf, payload)
	c.sends = append(c.sends, Send{ConnectionID: connectionID, Payload: buf})

	outcome, ok := c.outcomes[connectionID]
	if !ok {
		return delivery.Delivered, nil
	}
	switch outcome {
	case delivery.Gone:
		return delivery.Gone, fmt.Errorf("connection %s is gone", connectionID)
	case delivery.Transient:
		return delivery.Transient, fmt.Errorf("transient failure for connection %s", connectionID)
	default:
		return delivery.Delivered, nil
	}
}

// Sends returns a copy of all recorded delivery attempts.
func (c *Channel) Sends() []Send {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Send, len(c.sends))
	copy(out, c.sends)
	return out
}

// SendsTo returns how many delivery attempts targeted connectionID.
func (c *Channel) SendsTo(connectionID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, s := range c.sends {
		if s.ConnectionID == connectionID {
			n++
		}
	}
	return n
}

// Compile-time interface check
var _ delivery.Channel = (*Channel)(nil)
