// Package memory provides an in-memory implementation of the
// connstore.Store interface. It keeps a secondary index from session id
// to the set of member connection ids so session queries never touch
// records outside the target session. Suitable for single-node
// deployments and tests.
package memory

import (
	"context"
	"sync"

	"github.com/sessioncast/sessioncast"
	"github.com/sessioncast/sessioncast/connstore"
)

// Store implements connstore.Store with mutex-guarded maps.
type Store struct {
	mu      sync.RWMutex
	records map[string]sessioncast.Connection
	// sessions indexes session id -> set of connection ids.
	sessions map[string]map[string]struct{}
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		records:  make(map[string]sessioncast.Connection),
		sessions: make(map[string]map[string]struct{}),
	}
}

// Put implements connstore.Store.Put.
func (s *Store) Put(ctx context.Context, rec sessioncast.Connection) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.records[rec.ConnectionID]; ok && prev.SessionID != rec.SessionID {
		s.dropFromIndex(prev.SessionID, prev.ConnectionID)
	}
	s.records[rec.ConnectionID] = rec

	if rec.SessionID != "" {
		members, ok := s.sessions[rec.SessionID]
		if !ok {
			members = make(map[string]struct{})
			s.sessions[rec.SessionID] = members
		}
		members[rec.ConnectionID] = struct{}{}
	}
	return nil
}

// Get implements connstore.Store.Get.
func (s *Store) Get(ctx context.Context, connectionID string) (sessioncast.Connection, error) {
	if err := ctx.Err(); err != nil {
		return sessioncast.Connection{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[connectionID]
	if !ok {
		return sessioncast.Connection{}, connstore.ErrNotFound
	}
	return rec, nil
}

// Delete implements connstore.Store.Delete.
func (s *Store) Delete(ctx context.Context, connectionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[connectionID]
	if !ok {
		return nil
	}
	delete(s.records, connectionID)
	s.dropFromIndex(rec.SessionID, connectionID)
	return nil
}

// QueryBySession implements connstore.Store.QueryBySession.
func (s *Store) QueryBySession(ctx context.Context, sessionID, userID string) ([]sessioncast.Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	members := s.sessions[sessionID]
	out := make([]sessioncast.Connection, 0, len(members))
	for id := range members {
		rec, ok := s.records[id]
		if !ok {
			continue
		}
		if userID != "" && rec.UserID != userID {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// Close implements connstore.Store.Close.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = make(map[string]sessioncast.Connection)
	s.sessions = make(map[string]map[string]struct{})
	return nil
}

// dropFromIndex removes connectionID from the sessionID member set.
// Callers must hold the write lock.
func (s *Store) dropFromIndex(sessionID, connectionID string) {
	if sessionID == "" {
		return
	}
	members, ok := s.sessions[sessionID]
	if !ok {
		return
	}
	delete(members, connectionID)
	if len(members) == 0 {
		delete(s.sessions, sessionID)
	}
}

// Compile-time interface check
var _ connstore.Store = (*Store)(nil)
