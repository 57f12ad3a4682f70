// Package mongo provides a MongoDB-based implementation of the
// connstore.Store interface. Session queries are served by a compound
// index on (sessionId, userId) so lookups stay proportional to the size
// of the target session.
package mongo

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/sessioncast/sessioncast"
	"github.com/sessioncast/sessioncast/connstore"
)

// Config contains configuration options for the Mongo store.
type Config struct {
	// Client is the Mongo client instance
	Client *mongo.Client

	// Database is the database name
	// Default: "sessioncast"
	Database string

	// Collection is the collection name for connection records
	// Default: "connections"
	Collection string
}

// Store implements the connstore.Store interface using MongoDB.
type Store struct {
	client *mongo.Client
	coll   *mongo.Collection
}

// New creates a new Mongo-based store instance and ensures the session
// index exists.
func New(ctx context.Context, config Config) (*Store, error) {
	if config.Client == nil {
		return nil, fmt.Errorf("mongo client is required")
	}
	if config.Database == "" {
		config.Database = "sessioncast"
	}
	if config.Collection == "" {
		config.Collection = "connections"
	}

	coll := config.Client.Database(config.Database).Collection(config.Collection)

	_, err := coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "sessionId", Value: 1}, {Key: "userId", Value: 1}},
		Options: options.Index().SetName("connections_session_user"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create session index: %w", err)
	}

	return &Store{client: config.Client, coll: coll}, nil
}

// Put implements connstore.Store.Put.
func (s *Store) Put(ctx context.Context, rec sessioncast.Connection) error {
	_, err := s.coll.ReplaceOne(ctx,
		bson.D{{Key: "_id", Value: rec.ConnectionID}},
		rec,
		options.Replace().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("failed to put connection %s: %w", rec.ConnectionID, err)
	}
	return nil
}

// Get implements connstore.Store.Get.
func (s *Store) Get(ctx context.Context, connectionID string) (sessioncast.Connection, error) {
	var rec sessioncast.Connection
	err := s.coll.FindOne(ctx, bson.D{{Key: "_id", Value: connectionID}}).Decode(&rec)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return sessioncast.Connection{}, connstore.ErrNotFound
	}
	if err != nil {
		return sessioncast.Connection{}, fmt.Errorf("failed to get connection %s: %w", connectionID, err)
	}
	return rec, nil
}

// Delete implements connstore.Store.Delete.
func (s *Store) Delete(ctx context.Context, connectionID string) error {
	_, err := s.coll.DeleteOne(ctx, bson.D{{Key: "_id", Value: connectionID}})
	if err != nil {
		return fmt.Errorf("failed to delete connection %s: %w", connectionID, err)
	}
	return nil
}

// QueryBySession implements connstore.Store.QueryBySession. The filter
// fields match the compound session index exactly.
func (s *Store) QueryBySession(ctx context.Context, sessionID, userID string) ([]sessioncast.Connection, error) {
	filter := bson.D{{Key: "sessionId", Value: sessionID}}
	if userID != "" {
		filter = append(filter, bson.E{Key: "userId", Value: userID})
	}

	cursor, err := s.coll.Find(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to query session %s: %w", sessionID, err)
	}
	defer cursor.Close(ctx)

	out := []sessioncast.Connection{}
	if err := cursor.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("failed to decode session members: %w", err)
	}
	return out, nil
}

// Close disconnects the underlying Mongo client.
func (s *Store) Close() error {
	return s.client.Disconnect(context.Background())
}

// Compile-time interface check
var _ connstore.Store = (*Store)(nil)
