package registry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sessioncast/sessioncast"
	"github.com/sessioncast/sessioncast/connstore"
	"github.com/sessioncast/sessioncast/connstore/memory"
)

func TestConnect(t *testing.T) {
	ctx := context.Background()
	r := New(memory.New())

	rec, err := r.Connect(ctx, "c1")
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if rec.ConnectionID != "c1" || rec.Subscribed() {
		t.Fatalf("Connect returned %+v, want bare record for c1", rec)
	}

	// Re-connect while sessionless is idempotent re-registration.
	if _, err := r.Connect(ctx, "c1"); err != nil {
		t.Fatalf("idempotent re-connect failed: %v", err)
	}

	// Once subscribed, the same id can no longer be re-connected.
	if _, err := r.Subscribe(ctx, "c1", "abc1234567", "u1"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if _, err := r.Connect(ctx, "c1"); !errors.Is(err, sessioncast.ErrDuplicateConnection) {
		t.Fatalf("re-connect of subscribed id = %v, want ErrDuplicateConnection", err)
	}
}

func TestConnectRejectsEmptyID(t *testing.T) {
	r := New(memory.New())
	_, err := r.Connect(context.Background(), "")
	if err == nil {
		t.Fatal("expected error for empty connection id")
	}
	// Malformed input, not a lookup miss: the lookup sentinels must not
	// match.
	if errors.Is(err, sessioncast.ErrUnknownConnection) {
		t.Fatalf("empty id rejection = %v, must not wrap ErrUnknownConnection", err)
	}
}

func TestSubscribe(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	r := New(store)

	if _, err := r.Connect(ctx, "c1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	before := time.Now().UTC()
	rec, err := r.Subscribe(ctx, "c1", "abc1234567", "u1")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if rec.SessionID != "abc1234567" || rec.UserID != "u1" {
		t.Fatalf("Subscribe returned %+v", rec)
	}
	if rec.SubscribedAt.Before(before) {
		t.Fatalf("SubscribedAt %v predates the subscribe call", rec.SubscribedAt)
	}

	got, err := r.Resolve(ctx, "abc1234567", "")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(got) != 1 || got[0].ConnectionID != "c1" {
		t.Fatalf("Resolve after subscribe = %v, want exactly c1", got)
	}
}

func TestSubscribeDefaultsToAnonymousUser(t *testing.T) {
	ctx := context.Background()
	r := New(memory.New())

	if _, err := r.Connect(ctx, "c1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	rec, err := r.Subscribe(ctx, "c1", "abc1234567", "")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if rec.UserID != sessioncast.AnonymousUserID {
		t.Fatalf("UserID = %q, want %q", rec.UserID, sessioncast.AnonymousUserID)
	}
}

func TestSubscribeInvalidSessionID(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	r := New(store)

	if _, err := r.Connect(ctx, "c1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	for _, bad := range []string{"", "short", "UPPERCASE-1234", "has spaces 123", "under_score12"} {
		if _, err := r.Subscribe(ctx, "c1", bad, "u1"); !errors.Is(err, sessioncast.ErrInvalidSessionID) {
			t.Fatalf("Subscribe(%q) = %v, want ErrInvalidSessionID", bad, err)
		}
	}

	// The rejection must leave the record untouched.
	rec, err := store.Get(ctx, "c1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Subscribed() {
		t.Fatalf("record mutated by rejected subscribe: %+v", rec)
	}
}

func TestSubscribeUnknownConnection(t *testing.T) {
	r := New(memory.New())
	_, err := r.Subscribe(context.Background(), "never-connected", "abc1234567", "u1")
	if !errors.Is(err, sessioncast.ErrUnknownConnection) {
		t.Fatalf("Subscribe before connect = %v, want ErrUnknownConnection", err)
	}
}

func TestSubscribeOverwritesSession(t *testing.T) {
	ctx := context.Background()
	r := New(memory.New())

	if _, err := r.Connect(ctx, "c1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if _, err := r.Subscribe(ctx, "c1", "first-session", "u1"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if _, err := r.Subscribe(ctx, "c1", "second-session", "u2"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	old, err := r.Resolve(ctx, "first-session", "")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(old) != 0 {
		t.Fatalf("connection still resolvable under old session: %v", old)
	}

	fresh, err := r.Resolve(ctx, "second-session", "u2")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(fresh) != 1 || fresh[0].ConnectionID != "c1" {
		t.Fatalf("Resolve under new session = %v, want c1", fresh)
	}
}

func TestDisconnectIsIdempotent(t *testing.T) {
	ctx := context.Background()
	r := New(memory.New())

	if _, err := r.Connect(ctx, "c1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := r.Disconnect(ctx, "c1"); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if err := r.Disconnect(ctx, "c1"); err != nil {
		t.Fatalf("repeated Disconnect must succeed silently, got %v", err)
	}
	if err := r.Disconnect(ctx, "never-connected"); err != nil {
		t.Fatalf("Disconnect of unknown id must succeed silently, got %v", err)
	}
}

func TestResolveEmptySession(t *testing.T) {
	r := New(memory.New())
	got, err := r.Resolve(context.Background(), "nobody-here-yet", "")
	if err != nil {
		t.Fatalf("Resolve of empty session must not error, got %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("Resolve of empty session returned %v", got)
	}
}

// failingStore simulates an unreachable backing store.
type failingStore struct {
	err error
}

func (f failingStore) Put(ctx context.Context, rec sessioncast.Connection) error { return f.err }
func (f failingStore) Get(ctx context.Context, id string) (sessioncast.Connection, error) {
	return sessioncast.Connection{}, f.err
}
func (f failingStore) Delete(ctx context.Context, id string) error { return f.err }
func (f failingStore) QueryBySession(ctx context.Context, sessionID, userID string) ([]sessioncast.Connection, error) {
	return nil, f.err
}
func (f failingStore) Close() error { return nil }

var _ connstore.Store = failingStore{}

func TestStoreFailureSurfacesAsStoreUnavailable(t *testing.T) {
	ctx := context.Background()
	r := New(failingStore{err: errors.New("connection refused")})

	if _, err := r.Connect(ctx, "c1"); !errors.Is(err, sessioncast.ErrStoreUnavailable) {
		t.Fatalf("Connect = %v, want ErrStoreUnavailable", err)
	}
	if _, err := r.Subscribe(ctx, "c1", "abc1234567", "u1"); !errors.Is(err, sessioncast.ErrStoreUnavailable) {
		t.Fatalf("Subscribe = %v, want ErrStoreUnavailable", err)
	}
	if err := r.Disconnect(ctx, "c1"); !errors.Is(err, sessioncast.ErrStoreUnavailable) {
		t.Fatalf("Disconnect = %v, want ErrStoreUnavailable", err)
	}
	if _, err := r.Resolve(ctx, "abc1234567", ""); !errors.Is(err, sessioncast.ErrStoreUnavailable) {
		t.Fatalf("Resolve = %v, want ErrStoreUnavailable", err)
	}
}

// stuckStore blocks until the operation context expires.
type stuckStore struct{}

func (stuckStore) Put(ctx context.Context, rec sessioncast.Connection) error {
	<-ctx.Done()
	return ctx.Err()
}
func (stuckStore) Get(ctx context.Context, id string) (sessioncast.Connection, error) {
	<-ctx.Done()
	return sessioncast.Connection{}, ctx.Err()
}
func (stuckStore) Delete(ctx context.Context, id string) error {
	<-ctx.Done()
	return ctx.Err()
}
func (stuckStore) QueryBySession(ctx context.Context, sessionID, userID string) ([]sessioncast.Connection, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}
func (stuckStore) Close() error { return nil }

func TestStoreTimeoutSurfacesAsStoreUnavailable(t *testing.T) {
	r := New(stuckStore{}, WithStoreTimeout(20*time.Millisecond))

	start := time.Now()
	_, err := r.Resolve(context.Background(), "abc1234567", "")
	if !errors.Is(err, sessioncast.ErrStoreUnavailable) {
		t.Fatalf("Resolve = %v, want ErrStoreUnavailable", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("store timeout not enforced, call took %v", elapsed)
	}
}
