// Package redis provides a Redis-based implementation of the
// connstore.Store interface. Connection records are stored as JSON values
// and session membership is maintained in Redis sets, so a session query
// reads one membership set plus its records instead of scanning the whole
// connection population.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/sessioncast/sessioncast"
	"github.com/sessioncast/sessioncast/connstore"
)

// Config contains configuration options for the Redis store.
type Config struct {
	// Client is the Redis client instance
	Client *redis.Client

	// KeyPrefix is the prefix for all Redis keys
	// Default: "sessioncast:conn:"
	KeyPrefix string
}

// Store implements the connstore.Store interface using Redis.
type Store struct {
	client    *redis.Client
	keyPrefix string
}

// New creates a new Redis-based store instance.
func New(config Config) (*Store, error) {
	if config.Client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = "sessioncast:conn:"
	}
	return &Store{
		client:    config.Client,
		keyPrefix: config.KeyPrefix,
	}, nil
}

// Put implements connstore.Store.Put.
func (s *Store) Put(ctx context.Context, rec sessioncast.Connection) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal connection record: %w", err)
	}

	// Read the previous record first so stale index memberships can be
	// dropped when a connection moves between sessions or users.
	prev, err := s.Get(ctx, rec.ConnectionID)
	hadPrev := err == nil
	if err != nil && !errors.Is(err, connstore.ErrNotFound) {
		return err
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.recordKey(rec.ConnectionID), data, 0)
		if hadPrev && prev.Subscribed() && (prev.SessionID != rec.SessionID || prev.UserID != rec.UserID) {
			pipe.SRem(ctx, s.sessionKey(prev.SessionID), prev.ConnectionID)
			pipe.SRem(ctx, s.sessionUserKey(prev.SessionID, prev.UserID), prev.ConnectionID)
		}
		if rec.Subscribed() {
			pipe.SAdd(ctx, s.sessionKey(rec.SessionID), rec.ConnectionID)
			pipe.SAdd(ctx, s.sessionUserKey(rec.SessionID, rec.UserID), rec.ConnectionID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to put connection %s: %w", rec.ConnectionID, err)
	}
	return nil
}

// Get implements connstore.Store.Get.
func (s *Store) Get(ctx context.Context, connectionID string) (sessioncast.Connection, error) {
	result := s.client.Get(ctx, s.recordKey(connectionID))
	if result.Err() != nil {
		if result.Err() == redis.Nil {
			return sessioncast.Connection{}, connstore.ErrNotFound
		}
		return sessioncast.Connection{}, fmt.Errorf("failed to get connection %s: %w", connectionID, result.Err())
	}

	var rec sessioncast.Connection
	if err := json.Unmarshal([]byte(result.Val()), &rec); err != nil {
		return sessioncast.Connection{}, fmt.Errorf("failed to unmarshal connection record: %w", err)
	}
	return rec, nil
}

// Delete implements connstore.Store.Delete.
func (s *Store) Delete(ctx context.Context, connectionID string) error {
	rec, err := s.Get(ctx, connectionID)
	if errors.Is(err, connstore.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.recordKey(connectionID))
		if rec.Subscribed() {
			pipe.SRem(ctx, s.sessionKey(rec.SessionID), connectionID)
			pipe.SRem(ctx, s.sessionUserKey(rec.SessionID, rec.UserID), connectionID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete connection %s: %w", connectionID, err)
	}
	return nil
}

// QueryBySession implements connstore.Store.QueryBySession.
func (s *Store) QueryBySession(ctx context.Context, sessionID, userID string) ([]sessioncast.Connection, error) {
	indexKey := s.sessionKey(sessionID)
	if userID != "" {
		indexKey = s.sessionUserKey(sessionID, userID)
	}

	members, err := s.client.SMembers(ctx, indexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read session index %s: %w", indexKey, err)
	}
	if len(members) == 0 {
		return []sessioncast.Connection{}, nil
	}

	cmds := make([]*redis.StringCmd, len(members))
	_, err = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range members {
			cmds[i] = pipe.Get(ctx, s.recordKey(id))
		}
		return nil
	})
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("failed to fetch session members: %w", err)
	}

	out := make([]sessioncast.Connection, 0, len(members))
	var stale []interface{}
	for i, cmd := range cmds {
		if cmd.Err() == redis.Nil {
			// Index entry without a record; drop it so the set self-heals.
			stale = append(stale, members[i])
			continue
		}
		if cmd.Err() != nil {
			return nil, fmt.Errorf("failed to fetch connection %s: %w", members[i], cmd.Err())
		}
		var rec sessioncast.Connection
		if err := json.Unmarshal([]byte(cmd.Val()), &rec); err != nil {
			return nil, fmt.Errorf("failed to unmarshal connection record: %w", err)
		}
		// The record is authoritative; a membership entry whose record no
		// longer matches the queried session or user is stale. Concurrent
		// Puts for the same connection can leave such entries behind, since
		// each Put only unindexes the previous record it observed.
		if rec.SessionID != sessionID || (userID != "" && rec.UserID != userID) {
			stale = append(stale, members[i])
			continue
		}
		out = append(out, rec)
	}

	if len(stale) > 0 {
		// Best-effort cleanup; the query result is already correct.
		_ = s.client.SRem(context.WithoutCancel(ctx), indexKey, stale...).Err()
	}
	return out, nil
}

// Close closes the underlying Redis client.
func (s *Store) Close() error {
	return s.client.Close()
}

// --- Key helpers ---

func (s *Store) recordKey(connectionID string) string {
	return s.keyPrefix + "record:" + connectionID
}

func (s *Store) sessionKey(sessionID string) string {
	return s.keyPrefix + "sess:" + sessionID
}

func (s *Store) sessionUserKey(sessionID, userID string) string {
	return s.keyPrefix + "sess:" + sessionID + ":user:" + userID
}

// Compile-time interface check
var _ connstore.Store = (*Store)(nil)
