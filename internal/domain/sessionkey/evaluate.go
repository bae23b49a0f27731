package sessionkey

import (
	"math/big"
	"time"
)

// Request is a candidate operation presented for authorization.
type Request struct {
	// Target is the identity the operation acts against.
	Target string
	// Value is the amount the operation would transfer. Non-negative.
	Value *big.Int
	// Now is the evaluation instant, always supplied by the caller so
	// decisions are deterministic and testable with synthetic clocks.
	Now time.Time
}

// Decision is the tagged outcome of a policy evaluation. Denials are
// first-class return values, never errors: callers branch on Reason
// without exception machinery, and the read-only path stays
// referentially transparent.
type Decision struct {
	// Allowed is true when every check passed.
	Allowed bool
	// Reason identifies the first failing check; empty when allowed.
	Reason Reason
	// Limit is the limit value behind a cap denial (per-tx cap for
	// ReasonSpendingLimitExceeded, daily cap for ReasonDailyLimitExceeded).
	Limit *big.Int
	// Attempted is the value the caller tried to authorize.
	Attempted *big.Int
	// RemainingDaily is the daily budget left at evaluation time,
	// populated on allows and on daily-limit denials.
	RemainingDaily *big.Int
}

// ConditionEvaluator evaluates a key's optional grant condition against
// an authorization request. Implemented by the CEL adapter.
type ConditionEvaluator interface {
	// EvalCondition returns whether the condition holds. A runtime
	// error denies (fail closed) and is reported by the engine.
	EvalCondition(condition string, key *SessionKey, req Request) (bool, error)
}

// Evaluate is the pure policy decision function. It maps (record,
// target, value, now) to a Decision without mutating anything. The
// record may be nil (not found). Checks run in a fixed order and the
// first failure wins, so denial reasons are deterministic and specific:
//
//	exists, active, unexpired, target allowed, condition holds,
//	per-transaction cap, daily cap (after virtual day reset).
//
// The returned error is non-nil only for structural invariant
// violations in the stored record; it is never a policy outcome.
func Evaluate(key *SessionKey, req Request, cond ConditionEvaluator) (Decision, error) {
	if key == nil {
		return Decision{Reason: ReasonNotFound}, nil
	}
	if err := key.CheckInvariants(); err != nil {
		return Decision{}, err
	}
	if req.Value == nil || req.Value.Sign() < 0 {
		return Decision{}, ErrCorruptRecord
	}
	if !key.Active {
		return Decision{Reason: ReasonInactive}, nil
	}
	if key.IsExpired(req.Now) {
		return Decision{Reason: ReasonExpired}, nil
	}
	if !key.TargetAllowed(req.Target) {
		return Decision{Reason: ReasonTargetNotAllowed, Attempted: req.Value}, nil
	}
	if key.Condition != "" {
		if cond == nil {
			return Decision{Reason: ReasonConditionNotMet, Attempted: req.Value}, nil
		}
		ok, err := cond.EvalCondition(key.Condition, key, req)
		if err != nil || !ok {
			// Fail closed on evaluation errors.
			return Decision{Reason: ReasonConditionNotMet, Attempted: req.Value}, nil
		}
	}
	if req.Value.Cmp(key.SpendingLimit) > 0 {
		return Decision{
			Reason:    ReasonSpendingLimitExceeded,
			Limit:     new(big.Int).Set(key.SpendingLimit),
			Attempted: req.Value,
		}, nil
	}

	used := key.EffectiveUsedToday(req.Now)
	remaining := new(big.Int).Sub(key.DailyLimit, used)
	if new(big.Int).Add(used, req.Value).Cmp(key.DailyLimit) > 0 {
		return Decision{
			Reason:         ReasonDailyLimitExceeded,
			Limit:          new(big.Int).Set(key.DailyLimit),
			Attempted:      req.Value,
			RemainingDaily: remaining,
		}, nil
	}

	return Decision{
		Allowed:        true,
		Attempted:      req.Value,
		RemainingDaily: new(big.Int).Sub(remaining, req.Value),
	}, nil
}
