// Package state provides file-based persistence for session key
// records. The keystore.json document holds every record for every
// account and is rewritten atomically on each mutation, with a backup
// copy and cross-process file locking.
package state

import (
	"fmt"
	"math/big"
	"time"

	"github.com/keywarden/keywarden/internal/domain/sessionkey"
)

// schemaVersion is the current keystore.json schema version.
const schemaVersion = "1"

// Document is the top-level structure persisted in keystore.json.
type Document struct {
	// Version is the schema version for forward compatibility.
	Version string `json:"version"`

	// Keys are all session key records, revoked ones included.
	Keys []KeyEntry `json:"keys"`

	// CreatedAt is when this file was first created.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when this file was last modified.
	UpdatedAt time.Time `json:"updated_at"`
}

// KeyEntry is the JSON form of a session key record. Limits are decimal
// strings: 256-bit values do not fit JSON numbers, and strings survive
// round-trips exactly.
type KeyEntry struct {
	AccountID      string    `json:"account_id"`
	KeyID          string    `json:"key_id"`
	SpendingLimit  string    `json:"spending_limit"`
	DailyLimit     string    `json:"daily_limit"`
	UsedToday      string    `json:"used_today"`
	LastUsedDay    int64     `json:"last_used_day"`
	ExpiresAt      time.Time `json:"expires_at"`
	AllowedTargets []string  `json:"allowed_targets,omitempty"`
	Condition      string    `json:"condition,omitempty"`
	Active         bool      `json:"active"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	Version        uint64    `json:"record_version"`
}

// toEntry converts a domain record to its persisted form.
func toEntry(k *sessionkey.SessionKey) KeyEntry {
	return KeyEntry{
		AccountID:      k.AccountID,
		KeyID:          k.KeyID,
		SpendingLimit:  k.SpendingLimit.String(),
		DailyLimit:     k.DailyLimit.String(),
		UsedToday:      k.UsedToday.String(),
		LastUsedDay:    k.LastUsedDay,
		ExpiresAt:      k.ExpiresAt,
		AllowedTargets: k.AllowedTargets,
		Condition:      k.Condition,
		Active:         k.Active,
		CreatedAt:      k.CreatedAt,
		UpdatedAt:      k.UpdatedAt,
		Version:        k.Version,
	}
}

// fromEntry converts a persisted entry back to a domain record.
// Unparsable numbers mean the file was edited or corrupted; that is a
// defect condition, not a policy outcome.
func fromEntry(e KeyEntry) (*sessionkey.SessionKey, error) {
	spending, ok := new(big.Int).SetString(e.SpendingLimit, 10)
	if !ok {
		return nil, fmt.Errorf("entry %s/%s spending_limit %q: %w",
			e.AccountID, e.KeyID, e.SpendingLimit, sessionkey.ErrCorruptRecord)
	}
	daily, ok := new(big.Int).SetString(e.DailyLimit, 10)
	if !ok {
		return nil, fmt.Errorf("entry %s/%s daily_limit %q: %w",
			e.AccountID, e.KeyID, e.DailyLimit, sessionkey.ErrCorruptRecord)
	}
	used, ok := new(big.Int).SetString(e.UsedToday, 10)
	if !ok {
		return nil, fmt.Errorf("entry %s/%s used_today %q: %w",
			e.AccountID, e.KeyID, e.UsedToday, sessionkey.ErrCorruptRecord)
	}

	key := &sessionkey.SessionKey{
		AccountID:      e.AccountID,
		KeyID:          e.KeyID,
		SpendingLimit:  spending,
		DailyLimit:     daily,
		UsedToday:      used,
		LastUsedDay:    e.LastUsedDay,
		ExpiresAt:      e.ExpiresAt,
		AllowedTargets: e.AllowedTargets,
		Condition:      e.Condition,
		Active:         e.Active,
		CreatedAt:      e.CreatedAt,
		UpdatedAt:      e.UpdatedAt,
		Version:        e.Version,
	}
	if err := key.CheckInvariants(); err != nil {
		return nil, fmt.Errorf("entry %s/%s: %w", e.AccountID, e.KeyID, err)
	}
	return key, nil
}
