// Package audit contains domain types for the session-key audit stream.
package audit

import (
	"math/big"
	"time"
)

// EventType categorizes session-key audit events.
const (
	// EventTypeGranted records a new session key grant.
	EventTypeGranted = "key.granted"
	// EventTypeRevoked records an explicit single-key revocation.
	EventTypeRevoked = "key.revoked"
	// EventTypeLimitsUpdated records a spending/daily limit change.
	EventTypeLimitsUpdated = "key.limits_updated"
	// EventTypeExpiryExtended records an expiry extension.
	EventTypeExpiryExtended = "key.expiry_extended"
	// EventTypeEmergencyRevokeAll records a bulk account-wide revocation.
	EventTypeEmergencyRevokeAll = "key.emergency_revoke_all"
	// EventTypeAuthorized records budget consumed by a successful
	// authorization. Denials are not audited as events; they are
	// decisions returned to the caller and counted in metrics.
	EventTypeAuthorized = "key.authorized"
)

// Event is a single entry in the audit stream. Emission order matches
// mutation order per record: the engine appends events while it still
// holds the record's lock.
type Event struct {
	// ID is a unique event identifier (UUID).
	ID string `json:"id"`
	// Timestamp is when the mutation happened (UTC, caller clock).
	Timestamp time.Time `json:"timestamp"`
	// Type is one of the EventType constants.
	Type string `json:"type"`
	// AccountID is the owning account.
	AccountID string `json:"account_id"`
	// KeyID is the affected key. Empty for account-wide events.
	KeyID string `json:"key_id,omitempty"`

	// SpendingLimit and DailyLimit are set on grant and limit updates.
	SpendingLimit *big.Int `json:"spending_limit,omitempty"`
	DailyLimit    *big.Int `json:"daily_limit,omitempty"`
	// ExpiresAt is set on grant and expiry extensions.
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	// AllowedTargets is set on grant.
	AllowedTargets []string `json:"allowed_targets,omitempty"`

	// Value and UsedToday are set on authorized-usage events.
	Value     *big.Int `json:"value,omitempty"`
	UsedToday *big.Int `json:"used_today,omitempty"`
	// Target is the counter-party of an authorized operation.
	Target string `json:"target,omitempty"`

	// RevokedCount is set on emergency-revoke-all events.
	RevokedCount int `json:"revoked_count,omitempty"`
}
