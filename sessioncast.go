// Package sessioncast defines the shared types of the session fan-out
// messaging core: connection records, fan-out messages, delivery reports,
// and the error taxonomy surfaced to callers.
//
// The moving parts live in subpackages: connstore holds connection
// records, registry owns the connection lifecycle, delivery pushes
// payloads to individual connections, fanout broadcasts a message to
// every connection subscribed to a session, and bus carries publish
// requests from producers to the fan-out core.
package sessioncast

import (
	"errors"
	"regexp"
	"time"
)

// AnonymousUserID is assigned to connections whose identity layer did not
// supply a user id.
const AnonymousUserID = "anonymous"

// sessionIDPattern constrains session ids to lowercase letters, digits and
// hyphens, 10-50 characters inclusive.
var sessionIDPattern = regexp.MustCompile(`^[a-z0-9-]{10,50}$`)

// ValidSessionID reports whether id matches the session id pattern.
func ValidSessionID(id string) bool {
	return sessionIDPattern.MatchString(id)
}

// Connection is one registered transport endpoint. A connection exists
// from the moment connect succeeds until it is disconnected or reaped.
// A connection with an empty SessionID is registered but not addressable
// by any fan-out.
type Connection struct {
	// ConnectionID is an opaque id assigned by the transport layer.
	ConnectionID string `json:"connectionId" bson:"_id"`
	// SessionID is set once the connection has subscribed to a session.
	SessionID string `json:"sessionId,omitempty" bson:"sessionId,omitempty"`
	// UserID is derived from the authentication context, or
	// AnonymousUserID when no identity was supplied.
	UserID string `json:"userId,omitempty" bson:"userId,omitempty"`
	// SubscribedAt records when SessionID was assigned.
	SubscribedAt time.Time `json:"subscribedAt,omitempty" bson:"subscribedAt,omitempty"`
}

// Subscribed reports whether the connection is addressable by fan-out.
func (c Connection) Subscribed() bool {
	return c.SessionID != ""
}

// Message is one fan-out unit. It is constructed on ingress and discarded
// once the fan-out completes; no retry state is retained for it.
type Message struct {
	// SessionID identifies the target group. Required.
	SessionID string `json:"sessionId"`
	// UserID, when present, narrows the target set to connections whose
	// user id also matches.
	UserID string `json:"userId,omitempty"`
	// Payload is forwarded verbatim to recipients.
	Payload []byte `json:"payload"`
}

// DeliveryReport summarizes the per-recipient outcomes of one fan-out.
type DeliveryReport struct {
	// Delivered counts recipients that acknowledged the push.
	Delivered int `json:"delivered"`
	// Reaped counts recipients reported permanently gone whose registry
	// entries were evicted.
	Reaped int `json:"reaped"`
	// TransientFailures counts recipients that failed retryably and were
	// left registered.
	TransientFailures int `json:"transientFailures"`
}

// Error taxonomy. Client-input errors are returned immediately and never
// retried by the core; ErrStoreUnavailable is a retryable system error.
var (
	// ErrInvalidSessionID indicates a session id that does not match the
	// validation pattern. No registry mutation occurs.
	ErrInvalidSessionID = errors.New("sessioncast: invalid session id")

	// ErrUnknownConnection indicates an operation referencing a
	// connection id that was never connected.
	ErrUnknownConnection = errors.New("sessioncast: unknown connection")

	// ErrDuplicateConnection indicates a connect for an id that already
	// exists with an active session.
	ErrDuplicateConnection = errors.New("sessioncast: connection already registered with an active session")

	// ErrMissingSessionID indicates a publish without a routing key.
	ErrMissingSessionID = errors.New("sessioncast: message has no session id")

	// ErrStoreUnavailable indicates that the underlying connection store
	// failed or timed out. Callers decide whether to retry.
	ErrStoreUnavailable = errors.New("sessioncast: connection store unavailable")
)
