// Package service contains application services.
package service

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/keywarden/keywarden/internal/domain/audit"
	"github.com/keywarden/keywarden/internal/domain/sessionkey"
)

// Clock supplies evaluation time. The engine never calls time.Now
// directly so decisions stay deterministic under synthetic clocks.
type Clock interface {
	Now() time.Time
}

// systemClock is the production Clock.
type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// SystemClock returns the real UTC clock.
func SystemClock() Clock { return systemClock{} }

// ConditionChecker compiles and evaluates optional grant conditions.
// Implemented by the CEL adapter.
type ConditionChecker interface {
	sessionkey.ConditionEvaluator

	// CompileCondition type-checks an expression. Called at grant time
	// so malformed conditions are rejected up front.
	CompileCondition(expression string) error
}

// lockStripes is the size of the per-record mutex table. Striping keyed
// on (accountID, keyID) serializes the evaluate+mutate sequence for one
// record while keeping operations on distinct keys independent; there
// is no account-wide or global lock.
const lockStripes = 256

// Engine is the delegated session-key authorization engine: registry
// lifecycle, policy evaluation, and usage tracking over a durable
// store, with an audit stream of every mutation.
type Engine struct {
	store   sessionkey.Store
	sink    audit.EventSink
	cond    ConditionChecker
	clock   Clock
	logger  *slog.Logger
	metrics *Metrics
	tracer  trace.Tracer
	locks   [lockStripes]sync.Mutex
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithClock overrides the engine clock. Used by tests and by callers
// that supply a trusted external time source.
func WithClock(c Clock) EngineOption {
	return func(e *Engine) { e.clock = c }
}

// WithConditionChecker enables CEL grant conditions.
func WithConditionChecker(c ConditionChecker) EngineOption {
	return func(e *Engine) { e.cond = c }
}

// WithMetrics enables Prometheus instrumentation.
func WithMetrics(m *Metrics) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

// NewEngine creates an authorization engine over the given store and
// audit sink.
func NewEngine(store sessionkey.Store, sink audit.EventSink, logger *slog.Logger, opts ...EngineOption) *Engine {
	e := &Engine{
		store:  store,
		sink:   sink,
		clock:  systemClock{},
		logger: logger,
		tracer: otel.Tracer("keywarden/engine"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// lockFor returns the stripe mutex guarding one (accountID, keyID)
// record. NUL joins the parts so "a"+"bc" and "ab"+"c" hash apart.
func (e *Engine) lockFor(accountID, keyID string) *sync.Mutex {
	d := xxhash.New()
	_, _ = d.WriteString(accountID)
	_, _ = d.Write([]byte{0})
	_, _ = d.WriteString(keyID)
	return &e.locks[d.Sum64()%lockStripes]
}

// GrantRequest carries the parameters of a new session key grant.
type GrantRequest struct {
	AccountID      string
	KeyID          string
	SpendingLimit  *big.Int
	DailyLimit     *big.Int
	ExpiresAt      time.Time
	AllowedTargets []string
	// Condition is an optional CEL expression; see the cel adapter for
	// the available variables.
	Condition string
}

// Grant creates a new active session key for the account. The record is
// created only here, never implicitly.
func (e *Engine) Grant(ctx context.Context, req GrantRequest) (*sessionkey.SessionKey, error) {
	ctx, span := e.tracer.Start(ctx, "engine.Grant", trace.WithAttributes(
		attribute.String("account_id", req.AccountID),
		attribute.String("key_id", req.KeyID),
	))
	defer span.End()

	now := e.clock.Now()

	if req.Condition != "" {
		if e.cond == nil {
			return nil, sessionkey.ErrInvalidCondition
		}
		if err := e.cond.CompileCondition(req.Condition); err != nil {
			e.logger.Warn("grant condition rejected",
				"account_id", req.AccountID, "key_id", req.KeyID, "error", err)
			return nil, sessionkey.ErrInvalidCondition
		}
	}

	key, err := sessionkey.NewSessionKey(req.AccountID, req.KeyID,
		req.SpendingLimit, req.DailyLimit, req.ExpiresAt,
		req.AllowedTargets, req.Condition, now)
	if err != nil {
		return nil, err
	}

	mu := e.lockFor(req.AccountID, req.KeyID)
	mu.Lock()
	defer mu.Unlock()

	if err := e.store.Create(ctx, key); err != nil {
		return nil, err
	}

	if e.metrics != nil {
		e.metrics.GrantsTotal.Inc()
		e.metrics.ActiveKeys.Inc()
	}
	e.emit(ctx, audit.Event{
		ID:             uuid.NewString(),
		Timestamp:      now,
		Type:           audit.EventTypeGranted,
		AccountID:      key.AccountID,
		KeyID:          key.KeyID,
		SpendingLimit:  key.SpendingLimit,
		DailyLimit:     key.DailyLimit,
		ExpiresAt:      &key.ExpiresAt,
		AllowedTargets: key.AllowedTargets,
	})
	e.logger.Info("session key granted",
		"account_id", key.AccountID, "key_id", key.KeyID,
		"expires_at", key.ExpiresAt)

	return key.Clone(), nil
}

// Revoke deactivates a session key. The record is retained for audit
// history but permanently excluded from authorization. Revoking an
// already-inactive key is a no-op success and emits no second event.
func (e *Engine) Revoke(ctx context.Context, accountID, keyID string) error {
	ctx, span := e.tracer.Start(ctx, "engine.Revoke", trace.WithAttributes(
		attribute.String("account_id", accountID),
		attribute.String("key_id", keyID),
	))
	defer span.End()

	mu := e.lockFor(accountID, keyID)
	mu.Lock()
	defer mu.Unlock()

	key, err := e.store.Get(ctx, accountID, keyID)
	if err != nil {
		return err
	}
	if !key.Active {
		return nil
	}

	now := e.clock.Now()
	key.Active = false
	key.UpdatedAt = now
	if err := e.store.Update(ctx, key); err != nil {
		return err
	}

	if e.metrics != nil {
		e.metrics.RevocationsTotal.WithLabelValues("single").Inc()
		e.metrics.ActiveKeys.Dec()
	}
	e.emit(ctx, audit.Event{
		ID:        uuid.NewString(),
		Timestamp: now,
		Type:      audit.EventTypeRevoked,
		AccountID: accountID,
		KeyID:     keyID,
	})
	e.logger.Info("session key revoked", "account_id", accountID, "key_id", keyID)
	return nil
}

// UpdateLimits changes the spending and daily caps. UsedToday is not
// reset; if the new daily cap is below the current usage, usage is
// clamped to the cap so the stored-record invariant holds (the key
// simply has no budget left in this window).
func (e *Engine) UpdateLimits(ctx context.Context, accountID, keyID string, newSpendingLimit, newDailyLimit *big.Int) error {
	ctx, span := e.tracer.Start(ctx, "engine.UpdateLimits", trace.WithAttributes(
		attribute.String("account_id", accountID),
		attribute.String("key_id", keyID),
	))
	defer span.End()

	if newSpendingLimit == nil || newDailyLimit == nil ||
		newSpendingLimit.Sign() < 0 || newDailyLimit.Sign() < 0 ||
		newDailyLimit.Cmp(newSpendingLimit) < 0 {
		return sessionkey.ErrInvalidLimits
	}

	mu := e.lockFor(accountID, keyID)
	mu.Lock()
	defer mu.Unlock()

	key, err := e.store.Get(ctx, accountID, keyID)
	if err != nil {
		return err
	}

	now := e.clock.Now()
	key.SpendingLimit = new(big.Int).Set(newSpendingLimit)
	key.DailyLimit = new(big.Int).Set(newDailyLimit)
	if key.UsedToday.Cmp(key.DailyLimit) > 0 {
		key.UsedToday = new(big.Int).Set(key.DailyLimit)
	}
	key.UpdatedAt = now
	if err := e.store.Update(ctx, key); err != nil {
		return err
	}

	e.emit(ctx, audit.Event{
		ID:            uuid.NewString(),
		Timestamp:     now,
		Type:          audit.EventTypeLimitsUpdated,
		AccountID:     accountID,
		KeyID:         keyID,
		SpendingLimit: key.SpendingLimit,
		DailyLimit:    key.DailyLimit,
	})
	e.logger.Info("session key limits updated",
		"account_id", accountID, "key_id", keyID)
	return nil
}

// ExtendExpiry moves the expiry strictly forward. Shortening a grant is
// not possible through this call; use Revoke instead.
func (e *Engine) ExtendExpiry(ctx context.Context, accountID, keyID string, newExpiry time.Time) error {
	ctx, span := e.tracer.Start(ctx, "engine.ExtendExpiry", trace.WithAttributes(
		attribute.String("account_id", accountID),
		attribute.String("key_id", keyID),
	))
	defer span.End()

	mu := e.lockFor(accountID, keyID)
	mu.Lock()
	defer mu.Unlock()

	key, err := e.store.Get(ctx, accountID, keyID)
	if err != nil {
		return err
	}
	if !newExpiry.After(key.ExpiresAt) {
		return sessionkey.ErrInvalidExpiry
	}

	now := e.clock.Now()
	key.ExpiresAt = newExpiry.UTC()
	key.UpdatedAt = now
	if err := e.store.Update(ctx, key); err != nil {
		return err
	}

	e.emit(ctx, audit.Event{
		ID:        uuid.NewString(),
		Timestamp: now,
		Type:      audit.EventTypeExpiryExtended,
		AccountID: accountID,
		KeyID:     keyID,
		ExpiresAt: &key.ExpiresAt,
	})
	e.logger.Info("session key expiry extended",
		"account_id", accountID, "key_id", keyID, "expires_at", key.ExpiresAt)
	return nil
}

// EmergencyRevokeAll deactivates every active key of the account and
// returns the count revoked. Each record flips under its own lock, so a
// concurrent Authorize against a record mid-revocation serializes with
// the flip; one aggregate event covers the whole sweep.
func (e *Engine) EmergencyRevokeAll(ctx context.Context, accountID string) (int, error) {
	ctx, span := e.tracer.Start(ctx, "engine.EmergencyRevokeAll", trace.WithAttributes(
		attribute.String("account_id", accountID),
	))
	defer span.End()

	keys, err := e.store.ListByAccount(ctx, accountID)
	if err != nil {
		return 0, err
	}

	now := e.clock.Now()
	revoked := 0
	for _, k := range keys {
		if !k.Active {
			continue
		}
		if err := e.revokeOne(ctx, accountID, k.KeyID, now); err != nil {
			if errors.Is(err, sessionkey.ErrNotFound) {
				continue
			}
			return revoked, err
		}
		revoked++
	}

	if e.metrics != nil && revoked > 0 {
		e.metrics.RevocationsTotal.WithLabelValues("emergency").Add(float64(revoked))
		e.metrics.ActiveKeys.Sub(float64(revoked))
	}
	e.emit(ctx, audit.Event{
		ID:           uuid.NewString(),
		Timestamp:    now,
		Type:         audit.EventTypeEmergencyRevokeAll,
		AccountID:    accountID,
		RevokedCount: revoked,
	})
	e.logger.Warn("emergency revoke all",
		"account_id", accountID, "revoked", revoked)
	return revoked, nil
}

// revokeOne flips a single record to inactive under its lock. The
// record may have been revoked concurrently; that counts as no change.
func (e *Engine) revokeOne(ctx context.Context, accountID, keyID string, now time.Time) error {
	mu := e.lockFor(accountID, keyID)
	mu.Lock()
	defer mu.Unlock()

	key, err := e.store.Get(ctx, accountID, keyID)
	if err != nil {
		return err
	}
	if !key.Active {
		return sessionkey.ErrNotFound
	}
	key.Active = false
	key.UpdatedAt = now
	return e.store.Update(ctx, key)
}

// Get returns the full record for (accountID, keyID).
func (e *Engine) Get(ctx context.Context, accountID, keyID string) (*sessionkey.SessionKey, error) {
	return e.store.Get(ctx, accountID, keyID)
}

// ListActive returns the identities of keys whose lifecycle flag is
// active. Expiry is not evaluated here: "active" means not revoked,
// not necessarily usable.
func (e *Engine) ListActive(ctx context.Context, accountID string) ([]string, error) {
	keys, err := e.store.ListByAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if k.Active {
			out = append(out, k.KeyID)
		}
	}
	return out, nil
}

// GetUsage returns the side-effect-free usage view for a key. The lazy
// day reset is applied virtually, never persisted.
func (e *Engine) GetUsage(ctx context.Context, accountID, keyID string) (*sessionkey.UsageStats, error) {
	key, err := e.store.Get(ctx, accountID, keyID)
	if err != nil {
		return nil, err
	}
	stats := key.Usage(e.clock.Now())
	return &stats, nil
}

// CheckValidity runs the policy evaluation without consuming budget.
// Safe for UI pre-flight: calling it any number of times never changes
// stored state. A missing record is the ReasonNotFound decision, not an
// error.
func (e *Engine) CheckValidity(ctx context.Context, accountID, keyID, target string, value *big.Int) (sessionkey.Decision, error) {
	ctx, span := e.tracer.Start(ctx, "engine.CheckValidity", trace.WithAttributes(
		attribute.String("account_id", accountID),
		attribute.String("key_id", keyID),
	))
	defer span.End()

	key, err := e.store.Get(ctx, accountID, keyID)
	if err != nil && !errors.Is(err, sessionkey.ErrNotFound) {
		return sessionkey.Decision{}, err
	}
	return sessionkey.Evaluate(key, sessionkey.Request{
		Target: target,
		Value:  value,
		Now:    e.clock.Now(),
	}, e.cond)
}

// Authorize runs the same evaluation as CheckValidity and, only on an
// allow, persists the day reset and the usage increment as one atomic
// step under the record's lock. Not idempotent: retrying a successful
// call consumes budget again.
func (e *Engine) Authorize(ctx context.Context, accountID, keyID, target string, value *big.Int) (sessionkey.Decision, error) {
	ctx, span := e.tracer.Start(ctx, "engine.Authorize", trace.WithAttributes(
		attribute.String("account_id", accountID),
		attribute.String("key_id", keyID),
		attribute.String("target", target),
	))
	defer span.End()

	start := time.Now()
	dec, err := e.authorize(ctx, accountID, keyID, target, value)
	if e.metrics != nil {
		e.metrics.AuthorizeDuration.Observe(time.Since(start).Seconds())
		if err == nil {
			result := "allowed"
			if !dec.Allowed {
				result = string(dec.Reason)
			}
			e.metrics.AuthorizationsTotal.WithLabelValues(result).Inc()
		}
	}
	if err == nil {
		span.SetAttributes(
			attribute.Bool("allowed", dec.Allowed),
			attribute.String("reason", string(dec.Reason)),
		)
	}
	return dec, err
}

func (e *Engine) authorize(ctx context.Context, accountID, keyID, target string, value *big.Int) (sessionkey.Decision, error) {
	if value == nil || value.Sign() < 0 {
		return sessionkey.Decision{}, sessionkey.ErrCorruptRecord
	}

	mu := e.lockFor(accountID, keyID)
	mu.Lock()
	defer mu.Unlock()

	now := e.clock.Now()
	key, err := e.store.Get(ctx, accountID, keyID)
	if err != nil && !errors.Is(err, sessionkey.ErrNotFound) {
		return sessionkey.Decision{}, err
	}

	dec, err := sessionkey.Evaluate(key, sessionkey.Request{
		Target: target,
		Value:  value,
		Now:    now,
	}, e.cond)
	if err != nil {
		return sessionkey.Decision{}, err
	}
	if !dec.Allowed {
		e.logger.Debug("authorization denied",
			"account_id", accountID, "key_id", keyID,
			"target", target, "reason", dec.Reason)
		return dec, nil
	}

	key.ApplyUsage(value, now)
	if err := e.store.Update(ctx, key); err != nil {
		return sessionkey.Decision{}, err
	}

	e.emit(ctx, audit.Event{
		ID:        uuid.NewString(),
		Timestamp: now,
		Type:      audit.EventTypeAuthorized,
		AccountID: accountID,
		KeyID:     keyID,
		Target:    target,
		Value:     new(big.Int).Set(value),
		UsedToday: new(big.Int).Set(key.UsedToday),
	})
	return dec, nil
}

// emit appends an event to the audit sink. Sink failures are logged and
// counted, not propagated: the mutation has already committed and the
// engine never rolls back a decision over audit I/O.
func (e *Engine) emit(ctx context.Context, ev audit.Event) {
	if e.sink == nil {
		return
	}
	if err := e.sink.Append(ctx, ev); err != nil {
		if e.metrics != nil {
			e.metrics.AuditDropsTotal.Inc()
		}
		e.logger.Error("audit append failed", "type", ev.Type, "error", err)
	}
}
