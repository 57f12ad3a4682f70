// Package storetest provides a conformance test suite for
// connstore.Store implementations.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sessioncast/sessioncast"
	"github.com/sessioncast/sessioncast/connstore"
)

// StoreFactory is a function that creates a new store instance for testing.
type StoreFactory func(t *testing.T) connstore.Store

// RunStoreTests runs the complete store test suite against the provided factory.
func RunStoreTests(t *testing.T, factory StoreFactory) {
	t.Run("PutAndGet", func(t *testing.T) {
		testPutAndGet(t, factory)
	})
	t.Run("GetMissing", func(t *testing.T) {
		testGetMissing(t, factory)
	})
	t.Run("PutIsUpsert", func(t *testing.T) {
		testPutIsUpsert(t, factory)
	})
	t.Run("DeleteIsIdempotent", func(t *testing.T) {
		testDeleteIsIdempotent(t, factory)
	})
	t.Run("QueryBySession", func(t *testing.T) {
		testQueryBySession(t, factory)
	})
	t.Run("QueryBySessionAndUser", func(t *testing.T) {
		testQueryBySessionAndUser(t, factory)
	})
	t.Run("QueryEmptySession", func(t *testing.T) {
		testQueryEmptySession(t, factory)
	})
	t.Run("ReindexOnSessionChange", func(t *testing.T) {
		testReindexOnSessionChange(t, factory)
	})
	t.Run("ReindexOnUserChange", func(t *testing.T) {
		testReindexOnUserChange(t, factory)
	})
	t.Run("DeleteRemovesFromIndex", func(t *testing.T) {
		testDeleteRemovesFromIndex(t, factory)
	})
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func mustPut(t *testing.T, s connstore.Store, rec sessioncast.Connection) {
	t.Helper()
	if err := s.Put(testCtx(t), rec); err != nil {
		t.Fatalf("Put(%s): %v", rec.ConnectionID, err)
	}
}

func testPutAndGet(t *testing.T, factory StoreFactory) {
	s := factory(t)
	defer s.Close()

	want := sessioncast.Connection{
		ConnectionID: "conn-1",
		SessionID:    "abc1234567",
		UserID:       "u1",
		SubscribedAt: time.Now().UTC().Truncate(time.Millisecond),
	}
	mustPut(t, s, want)

	got, err := s.Get(testCtx(t), "conn-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ConnectionID != want.ConnectionID || got.SessionID != want.SessionID || got.UserID != want.UserID {
		t.Fatalf("Get = %+v, want %+v", got, want)
	}
	if !got.SubscribedAt.Equal(want.SubscribedAt) {
		t.Fatalf("SubscribedAt = %v, want %v", got.SubscribedAt, want.SubscribedAt)
	}
}

func testGetMissing(t *testing.T, factory StoreFactory) {
	s := factory(t)
	defer s.Close()

	_, err := s.Get(testCtx(t), "no-such-connection")
	if !errors.Is(err, connstore.ErrNotFound) {
		t.Fatalf("Get missing = %v, want ErrNotFound", err)
	}
}

func testPutIsUpsert(t *testing.T, factory StoreFactory) {
	s := factory(t)
	defer s.Close()

	mustPut(t, s, sessioncast.Connection{ConnectionID: "conn-1"})
	mustPut(t, s, sessioncast.Connection{ConnectionID: "conn-1", SessionID: "abc1234567", UserID: "u1"})

	got, err := s.Get(testCtx(t), "conn-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.SessionID != "abc1234567" || got.UserID != "u1" {
		t.Fatalf("upsert not applied: %+v", got)
	}
}

func testDeleteIsIdempotent(t *testing.T, factory StoreFactory) {
	s := factory(t)
	defer s.Close()

	mustPut(t, s, sessioncast.Connection{ConnectionID: "conn-1"})
	if err := s.Delete(testCtx(t), "conn-1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := s.Delete(testCtx(t), "conn-1"); err != nil {
		t.Fatalf("repeated Delete must succeed silently, got %v", err)
	}
	if err := s.Delete(testCtx(t), "never-existed"); err != nil {
		t.Fatalf("Delete of missing key must succeed silently, got %v", err)
	}
	if _, err := s.Get(testCtx(t), "conn-1"); !errors.Is(err, connstore.ErrNotFound) {
		t.Fatalf("record survived Delete: %v", err)
	}
}

func testQueryBySession(t *testing.T, factory StoreFactory) {
	s := factory(t)
	defer s.Close()

	mustPut(t, s, sessioncast.Connection{ConnectionID: "conn-1", SessionID: "abc1234567", UserID: "u1"})
	mustPut(t, s, sessioncast.Connection{ConnectionID: "conn-2", SessionID: "abc1234567", UserID: "u2"})
	mustPut(t, s, sessioncast.Connection{ConnectionID: "conn-3", SessionID: "other-session", UserID: "u1"})
	mustPut(t, s, sessioncast.Connection{ConnectionID: "conn-4"}) // never subscribed

	got, err := s.QueryBySession(testCtx(t), "abc1234567", "")
	if err != nil {
		t.Fatalf("QueryBySession: %v", err)
	}
	ids := connectionIDSet(got)
	if len(ids) != 2 || !ids["conn-1"] || !ids["conn-2"] {
		t.Fatalf("QueryBySession returned %v, want {conn-1, conn-2}", ids)
	}
}

func testQueryBySessionAndUser(t *testing.T, factory StoreFactory) {
	s := factory(t)
	defer s.Close()

	mustPut(t, s, sessioncast.Connection{ConnectionID: "conn-1", SessionID: "abc1234567", UserID: "u1"})
	mustPut(t, s, sessioncast.Connection{ConnectionID: "conn-2", SessionID: "abc1234567", UserID: "u2"})
	mustPut(t, s, sessioncast.Connection{ConnectionID: "conn-3", SessionID: "abc1234567", UserID: "u1"})

	got, err := s.QueryBySession(testCtx(t), "abc1234567", "u1")
	if err != nil {
		t.Fatalf("QueryBySession: %v", err)
	}
	ids := connectionIDSet(got)
	if len(ids) != 2 || !ids["conn-1"] || !ids["conn-3"] {
		t.Fatalf("user-filtered query returned %v, want {conn-1, conn-3}", ids)
	}
}

func testQueryEmptySession(t *testing.T, factory StoreFactory) {
	s := factory(t)
	defer s.Close()

	got, err := s.QueryBySession(testCtx(t), "nobody-here-yet", "")
	if err != nil {
		t.Fatalf("QueryBySession on empty session must not error, got %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("QueryBySession on empty session returned %d records", len(got))
	}
}

func testReindexOnSessionChange(t *testing.T, factory StoreFactory) {
	s := factory(t)
	defer s.Close()

	mustPut(t, s, sessioncast.Connection{ConnectionID: "conn-1", SessionID: "first-session", UserID: "u1"})
	mustPut(t, s, sessioncast.Connection{ConnectionID: "conn-1", SessionID: "second-session", UserID: "u1"})

	old, err := s.QueryBySession(testCtx(t), "first-session", "")
	if err != nil {
		t.Fatalf("QueryBySession: %v", err)
	}
	if len(old) != 0 {
		t.Fatalf("connection still indexed under old session: %v", connectionIDSet(old))
	}

	fresh, err := s.QueryBySession(testCtx(t), "second-session", "")
	if err != nil {
		t.Fatalf("QueryBySession: %v", err)
	}
	if len(fresh) != 1 || fresh[0].ConnectionID != "conn-1" {
		t.Fatalf("connection not indexed under new session: %v", connectionIDSet(fresh))
	}
}

func testReindexOnUserChange(t *testing.T, factory StoreFactory) {
	s := factory(t)
	defer s.Close()

	mustPut(t, s, sessioncast.Connection{ConnectionID: "conn-1", SessionID: "abc1234567", UserID: "u1"})
	mustPut(t, s, sessioncast.Connection{ConnectionID: "conn-1", SessionID: "abc1234567", UserID: "u2"})

	old, err := s.QueryBySession(testCtx(t), "abc1234567", "u1")
	if err != nil {
		t.Fatalf("QueryBySession: %v", err)
	}
	if len(old) != 0 {
		t.Fatalf("connection still queryable under old user: %v", connectionIDSet(old))
	}

	fresh, err := s.QueryBySession(testCtx(t), "abc1234567", "u2")
	if err != nil {
		t.Fatalf("QueryBySession: %v", err)
	}
	if len(fresh) != 1 || fresh[0].ConnectionID != "conn-1" {
		t.Fatalf("connection not queryable under new user: %v", connectionIDSet(fresh))
	}
}

func testDeleteRemovesFromIndex(t *testing.T, factory StoreFactory) {
	s := factory(t)
	defer s.Close()

	mustPut(t, s, sessioncast.Connection{ConnectionID: "conn-1", SessionID: "abc1234567", UserID: "u1"})
	mustPut(t, s, sessioncast.Connection{ConnectionID: "conn-2", SessionID: "abc1234567", UserID: "u2"})

	if err := s.Delete(testCtx(t), "conn-1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	got, err := s.QueryBySession(testCtx(t), "abc1234567", "")
	if err != nil {
		t.Fatalf("QueryBySession: %v", err)
	}
	ids := connectionIDSet(got)
	if len(ids) != 1 || !ids["conn-2"] {
		t.Fatalf("query after delete returned %v, want {conn-2}", ids)
	}
}

func connectionIDSet(recs []sessioncast.Connection) map[string]bool {
	ids := make(map[string]bool, len(recs))
	for _, rec := range recs {
		ids[rec.ConnectionID] = true
	}
	return ids
}
