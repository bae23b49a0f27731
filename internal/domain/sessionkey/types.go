// Package sessionkey contains the domain model for delegated session
// keys: time-boxed, spending-capped credentials a primary account grants
// to a secondary key. The package holds the record type, the pure policy
// evaluator, and the store interface; persistence and condition
// evaluation live in outbound adapters.
package sessionkey

import (
	"math/big"
	"sort"
	"time"
)

// SecondsPerDay is the fixed length of the rolling daily window.
// Day boundaries are UTC calendar days measured from the Unix epoch,
// not account-local midnight.
const SecondsPerDay = 86400

// DayIndex returns the integer day window containing t.
func DayIndex(t time.Time) int64 {
	return t.Unix() / SecondsPerDay
}

// SessionKey is a delegated credential owned by an account. Value
// fields are arbitrary-precision integers (256-bit on-chain values do
// not fit machine words, and floats are never acceptable for money).
type SessionKey struct {
	// AccountID is the owning account. Opaque partition key.
	AccountID string
	// KeyID is the delegated key identity, unique within the account.
	KeyID string
	// SpendingLimit caps the value of a single authorized operation.
	SpendingLimit *big.Int
	// DailyLimit caps cumulative authorized value in one day window.
	// Invariant: DailyLimit >= SpendingLimit.
	DailyLimit *big.Int
	// UsedToday is the value consumed in the window LastUsedDay.
	// Meaningless once LastUsedDay is behind the current day; every
	// read reconciles it lazily (there is no background sweep).
	UsedToday *big.Int
	// LastUsedDay is the day window UsedToday was last valid for.
	LastUsedDay int64
	// ExpiresAt is the absolute instant after which the key is
	// unusable. Checked at evaluation time, never eagerly purged.
	ExpiresAt time.Time
	// AllowedTargets is the sorted set of target identities the key may
	// act against. Empty means unrestricted (deliberate policy choice).
	AllowedTargets []string
	// Condition is an optional CEL expression evaluated on every
	// authorization attempt. Empty means no condition.
	Condition string
	// Active is the lifecycle flag. A key may be active yet expired,
	// or inactive (revoked) while unexpired; both must hold for use.
	Active bool

	// CreatedAt and UpdatedAt are bookkeeping timestamps (UTC).
	CreatedAt time.Time
	UpdatedAt time.Time
	// Version increments on every persisted mutation. Stores use it for
	// optimistic conflict detection.
	Version uint64
}

// NewSessionKey validates grant parameters and builds a fresh active
// record. now is supplied by the caller so grant-time checks stay
// deterministic under test clocks.
func NewSessionKey(accountID, keyID string, spendingLimit, dailyLimit *big.Int, expiresAt time.Time, allowedTargets []string, condition string, now time.Time) (*SessionKey, error) {
	if accountID == "" || keyID == "" {
		return nil, ErrInvalidKey
	}
	if spendingLimit == nil || dailyLimit == nil ||
		spendingLimit.Sign() < 0 || dailyLimit.Sign() < 0 {
		return nil, ErrInvalidLimits
	}
	if dailyLimit.Cmp(spendingLimit) < 0 {
		return nil, ErrInvalidLimits
	}
	if !expiresAt.After(now) {
		return nil, ErrInvalidExpiry
	}

	targets := normalizeTargets(allowedTargets)

	return &SessionKey{
		AccountID:      accountID,
		KeyID:          keyID,
		SpendingLimit:  new(big.Int).Set(spendingLimit),
		DailyLimit:     new(big.Int).Set(dailyLimit),
		UsedToday:      new(big.Int),
		LastUsedDay:    DayIndex(now),
		ExpiresAt:      expiresAt.UTC(),
		AllowedTargets: targets,
		Condition:      condition,
		Active:         true,
		CreatedAt:      now.UTC(),
		UpdatedAt:      now.UTC(),
		Version:        1,
	}, nil
}

// normalizeTargets deduplicates and sorts, dropping empty entries.
func normalizeTargets(targets []string) []string {
	if len(targets) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(targets))
	out := make([]string, 0, len(targets))
	for _, t := range targets {
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	if len(out) == 0 {
		return nil
	}
	sort.Strings(out)
	return out
}

// TargetAllowed reports whether the key may act against target.
// An empty allow-list permits any target.
func (k *SessionKey) TargetAllowed(target string) bool {
	if len(k.AllowedTargets) == 0 {
		return true
	}
	i := sort.SearchStrings(k.AllowedTargets, target)
	return i < len(k.AllowedTargets) && k.AllowedTargets[i] == target
}

// IsExpired reports whether the key is unusable at now. The expiry
// instant itself is already expired (now < ExpiresAt is required).
func (k *SessionKey) IsExpired(now time.Time) bool {
	return !now.Before(k.ExpiresAt)
}

// EffectiveUsedToday returns the usage counter as of now, applying the
// lazy day reset virtually. It never mutates the record.
func (k *SessionKey) EffectiveUsedToday(now time.Time) *big.Int {
	if DayIndex(now) != k.LastUsedDay {
		return new(big.Int)
	}
	return new(big.Int).Set(k.UsedToday)
}

// ApplyUsage records an authorized spend: it persists the day reset if
// the window rolled over, then increments UsedToday. The caller must
// hold the record's lock and have already evaluated policy with the
// same now.
func (k *SessionKey) ApplyUsage(value *big.Int, now time.Time) {
	day := DayIndex(now)
	if day != k.LastUsedDay {
		k.UsedToday = new(big.Int)
		k.LastUsedDay = day
	}
	k.UsedToday = new(big.Int).Add(k.UsedToday, value)
	k.UpdatedAt = now.UTC()
}

// CheckInvariants verifies structural invariants the registry boundary
// guarantees. Stores call it on read; a failure means a corrupted
// record, not a policy outcome.
func (k *SessionKey) CheckInvariants() error {
	if k.AccountID == "" || k.KeyID == "" {
		return ErrCorruptRecord
	}
	if k.SpendingLimit == nil || k.DailyLimit == nil || k.UsedToday == nil {
		return ErrCorruptRecord
	}
	if k.SpendingLimit.Sign() < 0 || k.UsedToday.Sign() < 0 {
		return ErrCorruptRecord
	}
	if k.DailyLimit.Cmp(k.SpendingLimit) < 0 {
		return ErrCorruptRecord
	}
	if k.UsedToday.Cmp(k.DailyLimit) > 0 {
		return ErrCorruptRecord
	}
	return nil
}

// Clone returns a deep copy so stores can hand out records without
// aliasing their internal state.
func (k *SessionKey) Clone() *SessionKey {
	if k == nil {
		return nil
	}
	out := *k
	out.SpendingLimit = new(big.Int).Set(k.SpendingLimit)
	out.DailyLimit = new(big.Int).Set(k.DailyLimit)
	out.UsedToday = new(big.Int).Set(k.UsedToday)
	if k.AllowedTargets != nil {
		out.AllowedTargets = append([]string(nil), k.AllowedTargets...)
	}
	return &out
}

// UsageStats is the side-effect-free usage view for a key.
type UsageStats struct {
	// UsedToday after the virtual day reset (not persisted).
	UsedToday *big.Int
	// RemainingDaily = DailyLimit - UsedToday.
	RemainingDaily *big.Int
	// RemainingPerTx is the per-transaction cap.
	RemainingPerTx *big.Int
	// TimeUntilExpiry is max(0, ExpiresAt - now).
	TimeUntilExpiry time.Duration
}

// Usage computes the stats for the key as of now.
func (k *SessionKey) Usage(now time.Time) UsageStats {
	used := k.EffectiveUsedToday(now)
	ttl := k.ExpiresAt.Sub(now)
	if ttl < 0 {
		ttl = 0
	}
	return UsageStats{
		UsedToday:       used,
		RemainingDaily:  new(big.Int).Sub(k.DailyLimit, used),
		RemainingPerTx:  new(big.Int).Set(k.SpendingLimit),
		TimeUntilExpiry: ttl,
	}
}
