package sessionkey

import "context"

// Store persists session key records keyed by (accountID, keyID).
// The interface lives in the domain to avoid circular imports.
// Implementations: file-backed (default), SQLite, in-memory (dev/test).
//
// Stores only provide durable CRUD; serialization of the
// evaluate-then-mutate sequence is the engine's job via per-record
// locks, so implementations do not need their own record locking beyond
// internal consistency.
type Store interface {
	// Create stores a new record. Returns ErrKeyExists if a record for
	// (AccountID, KeyID) already exists, revoked records included.
	Create(ctx context.Context, key *SessionKey) error

	// Get retrieves a record. Returns ErrNotFound if absent and
	// ErrCorruptRecord if the stored record violates invariants.
	Get(ctx context.Context, accountID, keyID string) (*SessionKey, error)

	// Update overwrites an existing record and bumps its Version.
	// Returns ErrNotFound if absent.
	Update(ctx context.Context, key *SessionKey) error

	// ListByAccount returns all records for the account, revoked ones
	// included, ordered by KeyID.
	ListByAccount(ctx context.Context, accountID string) ([]*SessionKey, error)

	// Close releases store resources.
	Close() error
}
