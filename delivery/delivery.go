// Package delivery defines the contract for pushing a payload to one
// connection. Implementations wrap whatever push mechanism the transport
// layer provides; the contract requires that a permanently closed or
// unknown connection be reported distinctly from a retryable failure,
// since the fan-out eviction decision depends on that distinction.
package delivery

import "context"

// Outcome classifies a single delivery attempt.
type Outcome int

const (
	// Delivered indicates the payload was accepted by the transport.
	Delivered Outcome = iota
	// Gone indicates the remote endpoint is permanently unreachable.
	Gone
	// Transient indicates a retryable failure; the peer may still exist.
	Transient
)

func (o Outcome) String() string {
	switch o {
	case Delivered:
		return "delivered"
	case Gone:
		return "gone"
	case Transient:
		return "transient"
	default:
		return "unknown"
	}
}

// Channel pushes a payload to one connection. Send never blocks beyond
// ctx; a timed-out attempt must be classified as Transient, not Gone,
// since a timeout is not proof of permanent unreachability. The returned
// error carries detail for Gone and Transient outcomes and is nil for
// Delivered.
type Channel interface {
	Send(ctx context.Context, connectionID string, payload []byte) (Outcome, error)
}
