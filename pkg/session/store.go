// Package session holds the shared, TTL-bounded session state that lets
// independent workers coordinate one live call. The store is the sole
// cross-worker coordinator: the owning worker writes the record, any worker
// may bump the cancel epoch, and subscribers get best-effort notifications.
package session

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors returned by Store implementations.
var (
	// ErrAlreadyExists is returned by Create for a duplicate session id.
	ErrAlreadyExists = errors.New("session: already exists")

	// ErrNotFound is returned when no record exists for the id.
	ErrNotFound = errors.New("session: not found")

	// ErrConflict is returned when an optimistic commit lost the race.
	ErrConflict = errors.New("session: version conflict")

	// ErrNotOwner is returned when a non-owner writes non-epoch fields.
	ErrNotOwner = errors.New("session: not record owner")

	// ErrStoreClosed is returned after Close.
	ErrStoreClosed = errors.New("session: store closed")
)

// DefaultTTL is how long an idle record survives in the cache.
const DefaultTTL = 24 * time.Hour

// MutateRetries is how many times Mutate re-reads and retries a commit
// that lost the optimistic race before giving up with ErrConflict.
const MutateRetries = 3

// MutateFunc edits a copy of the record. Returning an error aborts the
// commit without retrying.
type MutateFunc func(*Record) error

// Store is the shared session cache. Implementations must be safe for
// concurrent use.
type Store interface {
	// Create stores a fresh record, failing with ErrAlreadyExists on a
	// duplicate id.
	Create(ctx context.Context, rec *Record) error

	// Load retrieves the current record, including the latest cancel
	// epoch, or ErrNotFound.
	Load(ctx context.Context, sessionID string) (*Record, error)

	// Mutate applies fn to a copy of the record and commits it with an
	// optimistic version check, retrying up to MutateRetries times.
	// Only the worker named in the record's OwnerID may mutate; other
	// callers get ErrNotOwner.
	Mutate(ctx context.Context, sessionID, ownerID string, fn MutateFunc) (*Record, error)

	// Touch refreshes last_activity_at and the TTL without bumping the
	// version token.
	Touch(ctx context.Context, sessionID string) error

	// BumpCancelEpoch increments the session's cancel epoch and notifies
	// subscribers. Any worker may call it; it is the remote barge-in
	// path.
	BumpCancelEpoch(ctx context.Context, sessionID string) (int64, error)

	// Subscribe delivers best-effort events for the session until the
	// returned cancel func is called.
	Subscribe(ctx context.Context, sessionID string) (<-chan Event, func(), error)

	// Delete removes the record.
	Delete(ctx context.Context, sessionID string) error

	// Ping checks store reachability.
	Ping(ctx context.Context) error

	// Close releases the store's resources.
	Close() error
}
