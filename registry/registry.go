// Package registry owns the connection lifecycle: connect, subscribe,
// disconnect, and session resolution. It is the sole writer of the
// connection store; no other component mutates store state directly.
package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/sessioncast/sessioncast"
	"github.com/sessioncast/sessioncast/connstore"
	"github.com/sessioncast/sessioncast/internal/metrics"
)

const defaultStoreTimeout = 2 * time.Second

// Registry enforces lifecycle validation on top of a connstore.Store.
// All methods are safe for concurrent use; per-connection atomicity is
// delegated to the store's upsert/delete semantics.
type Registry struct {
	store        connstore.Store
	log          *slog.Logger
	storeTimeout time.Duration
}

// Option configures the Registry.
type Option func(*Registry)

// WithLogger sets the slog logger used by the registry. If not provided,
// logs are discarded.
func WithLogger(log *slog.Logger) Option {
	return func(r *Registry) { r.log = log }
}

// WithStoreTimeout bounds each underlying store call. An expired call
// surfaces as sessioncast.ErrStoreUnavailable.
func WithStoreTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.storeTimeout = d
		}
	}
}

// New creates a Registry backed by store.
func New(store connstore.Store, opts ...Option) *Registry {
	r := &Registry{
		store:        store,
		log:          slog.New(slog.NewTextHandler(io.Discard, nil)),
		storeTimeout: defaultStoreTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Connect registers a bare connection record with no session. Connecting
// an id that is already registered without a session is an idempotent
// re-registration; an id that already carries an active session is
// rejected with sessioncast.ErrDuplicateConnection.
func (r *Registry) Connect(ctx context.Context, connectionID string) (sessioncast.Connection, error) {
	if connectionID == "" {
		metrics.RegistryOpsTotal.WithLabelValues("connect", "rejected").Inc()
		return sessioncast.Connection{}, fmt.Errorf("connect: connection id must not be empty")
	}

	existing, err := r.get(ctx, connectionID)
	switch {
	case err == nil && existing.Subscribed():
		metrics.RegistryOpsTotal.WithLabelValues("connect", "rejected").Inc()
		return sessioncast.Connection{}, fmt.Errorf("%w: %s", sessioncast.ErrDuplicateConnection, connectionID)
	case err == nil:
		// Re-connect of a sessionless id: idempotent.
		metrics.RegistryOpsTotal.WithLabelValues("connect", "ok").Inc()
		return existing, nil
	case !errors.Is(err, connstore.ErrNotFound):
		metrics.RegistryOpsTotal.WithLabelValues("connect", "error").Inc()
		return sessioncast.Connection{}, err
	}

	rec := sessioncast.Connection{ConnectionID: connectionID}
	if err := r.put(ctx, rec); err != nil {
		metrics.RegistryOpsTotal.WithLabelValues("connect", "error").Inc()
		return sessioncast.Connection{}, err
	}

	metrics.RegistryOpsTotal.WithLabelValues("connect", "ok").Inc()
	r.log.InfoContext(ctx, "connection registered", slog.String("connection_id", connectionID))
	return rec, nil
}

// Subscribe assigns a session (and user) to a previously connected
// connection. The session id is validated before any store mutation;
// subscribing an unknown connection is a protocol violation rejected
// with sessioncast.ErrUnknownConnection. A repeated subscribe overwrites
// the previous session assignment.
func (r *Registry) Subscribe(ctx context.Context, connectionID, sessionID, userID string) (sessioncast.Connection, error) {
	if !sessioncast.ValidSessionID(sessionID) {
		metrics.RegistryOpsTotal.WithLabelValues("subscribe", "rejected").Inc()
		return sessioncast.Connection{}, fmt.Errorf("%w: %q", sessioncast.ErrInvalidSessionID, sessionID)
	}

	rec, err := r.get(ctx, connectionID)
	if errors.Is(err, connstore.ErrNotFound) {
		metrics.RegistryOpsTotal.WithLabelValues("subscribe", "rejected").Inc()
		return sessioncast.Connection{}, fmt.Errorf("%w: %s", sessioncast.ErrUnknownConnection, connectionID)
	}
	if err != nil {
		metrics.RegistryOpsTotal.WithLabelValues("subscribe", "error").Inc()
		return sessioncast.Connection{}, err
	}

	if userID == "" {
		userID = sessioncast.AnonymousUserID
	}
	rec.SessionID = sessionID
	rec.UserID = userID
	rec.SubscribedAt = time.Now().UTC()

	if err := r.put(ctx, rec); err != nil {
		metrics.RegistryOpsTotal.WithLabelValues("subscribe", "error").Inc()
		return sessioncast.Connection{}, err
	}

	metrics.RegistryOpsTotal.WithLabelValues("subscribe", "ok").Inc()
	r.log.InfoContext(ctx, "connection subscribed",
		slog.String("connection_id", connectionID),
		slog.String("session_id", sessionID),
		slog.String("user_id", userID),
	)
	return rec, nil
}

// Disconnect removes the connection record. It is idempotent:
// disconnecting an already-absent id succeeds silently, since an explicit
// disconnect inherently races with reaping.
func (r *Registry) Disconnect(ctx context.Context, connectionID string) error {
	opCtx, cancel := context.WithTimeout(ctx, r.storeTimeout)
	defer cancel()

	if err := r.store.Delete(opCtx, connectionID); err != nil {
		metrics.RegistryOpsTotal.WithLabelValues("disconnect", "error").Inc()
		return storeErr("delete", err)
	}

	metrics.RegistryOpsTotal.WithLabelValues("disconnect", "ok").Inc()
	r.log.InfoContext(ctx, "connection removed", slog.String("connection_id", connectionID))
	return nil
}

// Resolve returns every connection subscribed to sessionID, narrowed to
// userID when non-empty. A session with no subscribers yields an empty
// slice, not an error.
func (r *Registry) Resolve(ctx context.Context, sessionID, userID string) ([]sessioncast.Connection, error) {
	opCtx, cancel := context.WithTimeout(ctx, r.storeTimeout)
	defer cancel()

	recs, err := r.store.QueryBySession(opCtx, sessionID, userID)
	if err != nil {
		metrics.RegistryOpsTotal.WithLabelValues("resolve", "error").Inc()
		return nil, storeErr("query", err)
	}

	metrics.RegistryOpsTotal.WithLabelValues("resolve", "ok").Inc()
	return recs, nil
}

func (r *Registry) get(ctx context.Context, connectionID string) (sessioncast.Connection, error) {
	opCtx, cancel := context.WithTimeout(ctx, r.storeTimeout)
	defer cancel()

	rec, err := r.store.Get(opCtx, connectionID)
	if err != nil && !errors.Is(err, connstore.ErrNotFound) {
		return sessioncast.Connection{}, storeErr("get", err)
	}
	return rec, err
}

func (r *Registry) put(ctx context.Context, rec sessioncast.Connection) error {
	opCtx, cancel := context.WithTimeout(ctx, r.storeTimeout)
	defer cancel()

	if err := r.store.Put(opCtx, rec); err != nil {
		return storeErr("put", err)
	}
	return nil
}

// storeErr classifies a failed store call as the retryable
// ErrStoreUnavailable condition, preserving the underlying cause.
func storeErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", sessioncast.ErrStoreUnavailable, op, err)
}
