package sessionkey

import "errors"

// Sentinel errors for registry lifecycle operations. These are caller
// mistakes or missing records, returned as plain errors so callers can
// branch with errors.Is.
var (
	// ErrNotFound is returned when no record exists for (accountID, keyID).
	ErrNotFound = errors.New("session key not found")
	// ErrKeyExists is returned when granting a key that already exists
	// for the account, including revoked records (they are retained).
	ErrKeyExists = errors.New("session key already exists")
	// ErrInvalidKey is returned when a grant supplies a zero/empty key
	// or account identity.
	ErrInvalidKey = errors.New("invalid key identity")
	// ErrInvalidLimits is returned when the daily limit is below the
	// per-transaction spending limit, or a limit is negative.
	ErrInvalidLimits = errors.New("daily limit below spending limit")
	// ErrInvalidExpiry is returned when an expiry is not strictly in the
	// future at grant time, or does not extend the current expiry.
	ErrInvalidExpiry = errors.New("invalid expiry time")
	// ErrInvalidCondition is returned when a grant condition fails to
	// compile.
	ErrInvalidCondition = errors.New("invalid grant condition")
)

// ErrCorruptRecord indicates a stored record violates a structural
// invariant that the registry boundary should have rejected (for
// example dailyLimit < spendingLimit, or a negative counter). It is a
// defect signal, deliberately distinct from policy denials: the engine
// never converts it into an allow or a deny reason.
var ErrCorruptRecord = errors.New("corrupt session key record")

// Reason identifies why a policy evaluation denied an operation.
// An allowed decision carries the empty reason.
type Reason string

const (
	// ReasonNotFound: no record for the (account, key) pair.
	ReasonNotFound Reason = "session_key_not_found"
	// ReasonInactive: the key has been revoked.
	ReasonInactive Reason = "session_key_inactive"
	// ReasonExpired: evaluation time is at or past the key's expiry.
	ReasonExpired Reason = "session_key_expired"
	// ReasonTargetNotAllowed: the target is not in the key's allow-list.
	ReasonTargetNotAllowed Reason = "target_not_allowed"
	// ReasonConditionNotMet: the key's grant condition evaluated false
	// or failed at runtime.
	ReasonConditionNotMet Reason = "condition_not_met"
	// ReasonSpendingLimitExceeded: value exceeds the per-transaction cap.
	ReasonSpendingLimitExceeded Reason = "spending_limit_exceeded"
	// ReasonDailyLimitExceeded: value does not fit in the remaining
	// daily budget for the current day window.
	ReasonDailyLimitExceeded Reason = "daily_limit_exceeded"
)
