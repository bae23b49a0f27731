// Package keywarden provides a Go SDK for the keywarden authorization
// API.
//
// Keywarden meters delegated session keys: an account grants a key to
// an agent with spending caps, a daily budget, a target allow-list,
// and an expiry, and the agent's actions are authorized against the
// grant before they execute. This SDK wraps the management and
// authorization endpoints using only the Go standard library.
//
// Quick start:
//
//	// Set KEYWARDEN_SERVER_ADDR and KEYWARDEN_ADMIN_KEY env vars, then:
//	client := keywarden.NewClient()
//
//	dec, err := client.Authorize(ctx, "acct-1", "agent-1",
//	    "0x7a250d5630b4cf539739df2c5dacb4c659f2488d",
//	    big.NewInt(250_000_000_000_000_000))
//	if err != nil {
//	    var denied *keywarden.DeniedError
//	    if errors.As(err, &denied) {
//	        fmt.Printf("denied: %s\n", denied.Reason)
//	    }
//	}
package keywarden

import (
	"math/big"
	"time"
)

// Denial reasons returned by the server, ordered by evaluation
// precedence.
const (
	ReasonNotFound        = "session_key_not_found"
	ReasonInactive        = "session_key_inactive"
	ReasonExpired         = "session_key_expired"
	ReasonTargetForbidden = "target_not_allowed"
	ReasonCondition       = "condition_not_met"
	ReasonSpendingLimit   = "spending_limit_exceeded"
	ReasonDailyLimit      = "daily_limit_exceeded"
)

// GrantParams are the parameters for creating a session key. Values
// are base-unit integers.
type GrantParams struct {
	// KeyID identifies the key within the account.
	KeyID string

	// SpendingLimit is the per-transaction cap.
	SpendingLimit *big.Int

	// DailyLimit is the rolling daily budget. Must be at least the
	// spending limit.
	DailyLimit *big.Int

	// ExpiresAt is when the key stops authorizing.
	ExpiresAt time.Time

	// AllowedTargets restricts which targets the key may act on.
	// Empty means unrestricted.
	AllowedTargets []string

	// Condition is an optional CEL expression evaluated per request.
	Condition string
}

// Key is a session key record as returned by the server.
type Key struct {
	AccountID      string
	KeyID          string
	SpendingLimit  *big.Int
	DailyLimit     *big.Int
	UsedToday      *big.Int
	ExpiresAt      time.Time
	AllowedTargets []string
	Condition      string
	Active         bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
	Version        uint64
}

// Decision is the outcome of a check or authorize call.
type Decision struct {
	// Allowed reports whether the action passed every policy gate.
	Allowed bool

	// Reason names the first failed gate when Allowed is false.
	Reason string

	// Limit is the cap that denied the request, when a cap did.
	Limit *big.Int

	// Attempted is the value the request tried to spend.
	Attempted *big.Int

	// RemainingDaily is the budget left today after this decision.
	RemainingDaily *big.Int
}

// Usage is a point-in-time view of a key's consumption.
type Usage struct {
	UsedToday       *big.Int
	RemainingDaily  *big.Int
	RemainingPerTx  *big.Int
	TimeUntilExpiry time.Duration
}

// Event is one audit event from the recent-events feed. Money fields
// are arbitrary-precision base-unit integers, matching the wire
// format.
type Event struct {
	ID             string     `json:"id"`
	Timestamp      time.Time  `json:"timestamp"`
	Type           string     `json:"type"`
	AccountID      string     `json:"account_id"`
	KeyID          string     `json:"key_id,omitempty"`
	SpendingLimit  *big.Int   `json:"spending_limit,omitempty"`
	DailyLimit     *big.Int   `json:"daily_limit,omitempty"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	AllowedTargets []string   `json:"allowed_targets,omitempty"`
	Value          *big.Int   `json:"value,omitempty"`
	UsedToday      *big.Int   `json:"used_today,omitempty"`
	Target         string     `json:"target,omitempty"`
	RevokedCount   int        `json:"revoked_count,omitempty"`
}
