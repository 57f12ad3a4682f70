// Package connstore defines the key-value contract for connection
// records. Implementations must support point lookups by connection id
// and an indexed query by session id (optionally narrowed by user id);
// scanning the full connection population to answer a session query is
// not an acceptable implementation strategy.
package connstore

import (
	"context"
	"errors"

	"github.com/sessioncast/sessioncast"
)

// ErrNotFound is returned by Get when no record exists for the requested
// connection id.
var ErrNotFound = errors.New("connstore: connection not found")

// Store is the key-value abstraction over connection records. All methods
// are safe for concurrent use. Put and Delete are idempotent; deleting a
// missing key is not an error.
type Store interface {
	// Put upserts the record keyed by its ConnectionID.
	Put(ctx context.Context, rec sessioncast.Connection) error

	// Get retrieves the record for connectionID, or ErrNotFound.
	Get(ctx context.Context, connectionID string) (sessioncast.Connection, error)

	// Delete removes the record for connectionID. Removing a missing
	// record succeeds silently.
	Delete(ctx context.Context, connectionID string) error

	// QueryBySession returns every record whose SessionID equals
	// sessionID. When userID is non-empty the result is additionally
	// restricted to records with a matching UserID. The lookup must be
	// served by an index on the session id.
	QueryBySession(ctx context.Context, sessionID, userID string) ([]sessioncast.Connection, error)

	// Close releases resources held by the store.
	Close() error
}
