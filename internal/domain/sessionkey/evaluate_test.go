package sessionkey

import (
	"errors"
	"math/big"
	"testing"
	"time"
)

// stubCondition is a canned ConditionEvaluator for evaluator tests.
type stubCondition struct {
	result bool
	err    error
}

func (s *stubCondition) EvalCondition(string, *SessionKey, Request) (bool, error) {
	return s.result, s.err
}

func newTestKey(t *testing.T, spending, daily *big.Int, targets []string) *SessionKey {
	t.Helper()
	key, err := NewSessionKey("acct-1", "key-1", spending, daily, testNow.Add(time.Hour), targets, "", testNow)
	if err != nil {
		t.Fatalf("NewSessionKey() error = %v", err)
	}
	return key
}

func TestEvaluate_CheckOrder(t *testing.T) {
	tests := []struct {
		name       string
		key        func(t *testing.T) *SessionKey
		req        Request
		wantReason Reason
	}{
		{
			name:       "nil record",
			key:        func(t *testing.T) *SessionKey { return nil },
			req:        Request{Target: "0xabc", Value: eth(1), Now: testNow},
			wantReason: ReasonNotFound,
		},
		{
			name: "revoked key reported before expiry",
			key: func(t *testing.T) *SessionKey {
				k := newTestKey(t, eth(100), eth(1000), nil)
				k.Active = false
				k.ExpiresAt = testNow.Add(-time.Hour) // expired too
				return k
			},
			req:        Request{Target: "0xabc", Value: eth(1), Now: testNow},
			wantReason: ReasonInactive,
		},
		{
			name: "expired key reported before target check",
			key: func(t *testing.T) *SessionKey {
				k := newTestKey(t, eth(100), eth(1000), []string{"0xonly"})
				k.ExpiresAt = testNow
				return k
			},
			req:        Request{Target: "0xother", Value: eth(1), Now: testNow},
			wantReason: ReasonExpired,
		},
		{
			name: "target denial reported before spending cap",
			key: func(t *testing.T) *SessionKey {
				return newTestKey(t, eth(100), eth(1000), []string{"0xonly"})
			},
			req:        Request{Target: "0xother", Value: eth(500), Now: testNow},
			wantReason: ReasonTargetNotAllowed,
		},
		{
			name: "spending cap reported before daily cap",
			key: func(t *testing.T) *SessionKey {
				k := newTestKey(t, eth(100), eth(1000), nil)
				k.ApplyUsage(eth(1000), testNow)
				return k
			},
			req:        Request{Target: "0xabc", Value: eth(200), Now: testNow},
			wantReason: ReasonSpendingLimitExceeded,
		},
		{
			name: "daily cap last",
			key: func(t *testing.T) *SessionKey {
				k := newTestKey(t, eth(100), eth(1000), nil)
				k.ApplyUsage(eth(950), testNow)
				return k
			},
			req:        Request{Target: "0xabc", Value: eth(100), Now: testNow},
			wantReason: ReasonDailyLimitExceeded,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dec, err := Evaluate(tt.key(t), tt.req, nil)
			if err != nil {
				t.Fatalf("Evaluate() error = %v", err)
			}
			if dec.Allowed {
				t.Fatal("Evaluate() allowed, want denial")
			}
			if dec.Reason != tt.wantReason {
				t.Errorf("Reason = %q, want %q", dec.Reason, tt.wantReason)
			}
		})
	}
}

func TestEvaluate_Allow(t *testing.T) {
	key := newTestKey(t, eth(100), eth(1000), []string{"0xabc"})
	key.ApplyUsage(eth(400), testNow)

	dec, err := Evaluate(key, Request{Target: "0xabc", Value: eth(100), Now: testNow}, nil)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if !dec.Allowed {
		t.Fatalf("Evaluate() denied: %s", dec.Reason)
	}
	if dec.Reason != "" {
		t.Errorf("Reason = %q, want empty", dec.Reason)
	}
	if dec.RemainingDaily.Cmp(eth(500)) != 0 {
		t.Errorf("RemainingDaily = %v, want %v", dec.RemainingDaily, eth(500))
	}
	// Evaluation never mutates the record.
	if key.UsedToday.Cmp(eth(400)) != 0 {
		t.Errorf("UsedToday mutated by Evaluate: %v", key.UsedToday)
	}
}

func TestEvaluate_PerTxCapIndependentOfDailyBudget(t *testing.T) {
	// spendingLimit 0.1, dailyLimit 1.0, nothing used: a 0.2 request
	// still fails on the per-transaction cap.
	key := newTestKey(t, eth(100), eth(1000), nil)

	dec, err := Evaluate(key, Request{Target: "0xabc", Value: eth(200), Now: testNow}, nil)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if dec.Reason != ReasonSpendingLimitExceeded {
		t.Fatalf("Reason = %q, want %q", dec.Reason, ReasonSpendingLimitExceeded)
	}
	if dec.Limit.Cmp(eth(100)) != 0 {
		t.Errorf("Limit = %v, want %v", dec.Limit, eth(100))
	}
	if dec.Attempted.Cmp(eth(200)) != 0 {
		t.Errorf("Attempted = %v, want %v", dec.Attempted, eth(200))
	}
}

func TestEvaluate_ExpiryBoundary(t *testing.T) {
	key := newTestKey(t, eth(100), eth(1000), nil)
	key.ExpiresAt = testNow.Add(time.Second)

	// Strictly before expiry: allowed.
	dec, err := Evaluate(key, Request{Target: "0xabc", Value: eth(1), Now: testNow}, nil)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if !dec.Allowed {
		t.Fatalf("Evaluate() at now denied: %s", dec.Reason)
	}

	// At the expiry instant: expired.
	dec, err = Evaluate(key, Request{Target: "0xabc", Value: eth(1), Now: key.ExpiresAt}, nil)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if dec.Reason != ReasonExpired {
		t.Errorf("Reason at expiry = %q, want %q", dec.Reason, ReasonExpired)
	}

	// After the expiry instant: expired.
	dec, err = Evaluate(key, Request{Target: "0xabc", Value: eth(1), Now: key.ExpiresAt.Add(time.Second)}, nil)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if dec.Reason != ReasonExpired {
		t.Errorf("Reason past expiry = %q, want %q", dec.Reason, ReasonExpired)
	}
}

func TestEvaluate_DayRollover(t *testing.T) {
	// dailyLimit 1.0, usedToday 0.9 at day N: a 0.2 request fails today
	// and succeeds tomorrow against a reset virtual counter.
	key := newTestKey(t, eth(200), eth(1000), nil)
	key.ApplyUsage(eth(900), testNow)

	dec, err := Evaluate(key, Request{Target: "0xabc", Value: eth(200), Now: testNow}, nil)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if dec.Reason != ReasonDailyLimitExceeded {
		t.Fatalf("Reason at day N = %q, want %q", dec.Reason, ReasonDailyLimitExceeded)
	}
	if dec.RemainingDaily.Cmp(eth(100)) != 0 {
		t.Errorf("RemainingDaily = %v, want %v", dec.RemainingDaily, eth(100))
	}

	key.ExpiresAt = testNow.Add(72 * time.Hour)
	nextDay := testNow.Add(24 * time.Hour)
	dec, err = Evaluate(key, Request{Target: "0xabc", Value: eth(200), Now: nextDay}, nil)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if !dec.Allowed {
		t.Fatalf("Evaluate() at day N+1 denied: %s", dec.Reason)
	}
}

func TestEvaluate_Condition(t *testing.T) {
	tests := []struct {
		name string
		cond ConditionEvaluator
		want Reason
	}{
		{name: "condition true passes", cond: &stubCondition{result: true}, want: ""},
		{name: "condition false denies", cond: &stubCondition{result: false}, want: ReasonConditionNotMet},
		{name: "condition error fails closed", cond: &stubCondition{err: errors.New("boom")}, want: ReasonConditionNotMet},
		{name: "missing evaluator fails closed", cond: nil, want: ReasonConditionNotMet},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key := newTestKey(t, eth(100), eth(1000), nil)
			key.Condition = `target == "0xabc"`

			dec, err := Evaluate(key, Request{Target: "0xabc", Value: eth(1), Now: testNow}, tt.cond)
			if err != nil {
				t.Fatalf("Evaluate() error = %v", err)
			}
			if dec.Reason != tt.want {
				t.Errorf("Reason = %q, want %q", dec.Reason, tt.want)
			}
		})
	}
}

func TestEvaluate_CorruptRecord(t *testing.T) {
	key := newTestKey(t, eth(100), eth(1000), nil)
	key.DailyLimit = eth(1) // below spending limit

	_, err := Evaluate(key, Request{Target: "0xabc", Value: eth(1), Now: testNow}, nil)
	if !errors.Is(err, ErrCorruptRecord) {
		t.Fatalf("Evaluate() error = %v, want ErrCorruptRecord", err)
	}
}

func TestEvaluate_ZeroValueAllowed(t *testing.T) {
	key := newTestKey(t, eth(100), eth(1000), nil)

	dec, err := Evaluate(key, Request{Target: "0xabc", Value: big.NewInt(0), Now: testNow}, nil)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if !dec.Allowed {
		t.Errorf("zero-value operation denied: %s", dec.Reason)
	}
}
