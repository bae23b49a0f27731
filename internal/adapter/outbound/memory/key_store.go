// Package memory provides in-memory implementations of outbound ports.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/keywarden/keywarden/internal/domain/sessionkey"
)

// KeyStore implements sessionkey.Store with an in-memory map.
// Thread-safe for concurrent access. For development and testing; state
// does not survive a restart, so production uses the file or SQLite
// store.
type KeyStore struct {
	mu   sync.RWMutex
	keys map[string]*sessionkey.SessionKey
}

// NewKeyStore creates an empty in-memory key store.
func NewKeyStore() *KeyStore {
	return &KeyStore{keys: make(map[string]*sessionkey.SessionKey)}
}

// storeKey joins the pair with NUL so distinct pairs never collide.
func storeKey(accountID, keyID string) string {
	return accountID + "\x00" + keyID
}

// Create stores a new record. Returns sessionkey.ErrKeyExists if the
// (account, key) pair is already present, revoked records included.
func (s *KeyStore) Create(_ context.Context, key *sessionkey.SessionKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := storeKey(key.AccountID, key.KeyID)
	if _, ok := s.keys[id]; ok {
		return sessionkey.ErrKeyExists
	}
	s.keys[id] = key.Clone()
	return nil
}

// Get retrieves a copy of the record so callers cannot mutate store
// state without going through Update.
func (s *KeyStore) Get(_ context.Context, accountID, keyID string) (*sessionkey.SessionKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	key, ok := s.keys[storeKey(accountID, keyID)]
	if !ok {
		return nil, sessionkey.ErrNotFound
	}
	if err := key.CheckInvariants(); err != nil {
		return nil, err
	}
	return key.Clone(), nil
}

// Update overwrites an existing record and bumps its version.
func (s *KeyStore) Update(_ context.Context, key *sessionkey.SessionKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := storeKey(key.AccountID, key.KeyID)
	if _, ok := s.keys[id]; !ok {
		return sessionkey.ErrNotFound
	}
	stored := key.Clone()
	stored.Version++
	s.keys[id] = stored
	key.Version = stored.Version
	return nil
}

// ListByAccount returns copies of all records for the account, ordered
// by key identity.
func (s *KeyStore) ListByAccount(_ context.Context, accountID string) ([]*sessionkey.SessionKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*sessionkey.SessionKey
	for _, key := range s.keys {
		if key.AccountID == accountID {
			out = append(out, key.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].KeyID < out[j].KeyID })
	return out, nil
}

// Close is a no-op for the in-memory store.
func (s *KeyStore) Close() error { return nil }

// Len returns the number of stored records. Useful in tests.
func (s *KeyStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.keys)
}

// Compile-time interface verification.
var _ sessionkey.Store = (*KeyStore)(nil)
