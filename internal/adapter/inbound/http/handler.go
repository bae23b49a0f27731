// Package http provides the HTTP API adapter for the authorization
// engine: key lifecycle management, authorization checks, usage views,
// and the recent-events feed.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/keywarden/keywarden/internal/domain/audit"
	"github.com/keywarden/keywarden/internal/domain/sessionkey"
	"github.com/keywarden/keywarden/internal/service"
)

// maxBodyBytes bounds request bodies. Grant payloads are small; a cap
// keeps a misbehaving client from buffering unbounded JSON.
const maxBodyBytes = 1 << 20

// API exposes the engine over JSON HTTP.
type API struct {
	engine *service.Engine
	events audit.EventReader
	logger *slog.Logger
}

// NewAPI creates the HTTP API over the engine. events may be nil when
// the configured sink has no read surface; the recent-events endpoint
// then returns an empty list.
func NewAPI(engine *service.Engine, events audit.EventReader, logger *slog.Logger) *API {
	return &API{engine: engine, events: events, logger: logger}
}

// Register mounts the API routes on the mux.
func (a *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/accounts/{account}/keys", a.handleGrant)
	mux.HandleFunc("GET /api/v1/accounts/{account}/keys", a.handleListActive)
	mux.HandleFunc("GET /api/v1/accounts/{account}/keys/{key}", a.handleGet)
	mux.HandleFunc("DELETE /api/v1/accounts/{account}/keys/{key}", a.handleRevoke)
	mux.HandleFunc("PUT /api/v1/accounts/{account}/keys/{key}/limits", a.handleUpdateLimits)
	mux.HandleFunc("PUT /api/v1/accounts/{account}/keys/{key}/expiry", a.handleExtendExpiry)
	mux.HandleFunc("POST /api/v1/accounts/{account}/keys/{key}/check", a.handleCheck)
	mux.HandleFunc("POST /api/v1/accounts/{account}/keys/{key}/authorize", a.handleAuthorize)
	mux.HandleFunc("GET /api/v1/accounts/{account}/keys/{key}/usage", a.handleUsage)
	mux.HandleFunc("POST /api/v1/accounts/{account}/revoke-all", a.handleRevokeAll)
	mux.HandleFunc("GET /api/v1/events/recent", a.handleRecentEvents)
}

// grantRequest is the JSON body for creating a session key. Money
// values travel as decimal strings; JSON numbers cannot carry 256-bit
// integers.
type grantRequest struct {
	KeyID          string   `json:"key_id"`
	SpendingLimit  string   `json:"spending_limit"`
	DailyLimit     string   `json:"daily_limit"`
	ExpiresAt      string   `json:"expires_at"`
	AllowedTargets []string `json:"allowed_targets,omitempty"`
	Condition      string   `json:"condition,omitempty"`
}

// checkRequest is the JSON body for check and authorize calls.
type checkRequest struct {
	Target string `json:"target"`
	Value  string `json:"value"`
}

// limitsRequest is the JSON body for limit updates.
type limitsRequest struct {
	SpendingLimit string `json:"spending_limit"`
	DailyLimit    string `json:"daily_limit"`
}

// expiryRequest is the JSON body for expiry extensions.
type expiryRequest struct {
	ExpiresAt string `json:"expires_at"`
}

// keyResponse is the JSON view of a session key record.
type keyResponse struct {
	AccountID      string   `json:"account_id"`
	KeyID          string   `json:"key_id"`
	SpendingLimit  string   `json:"spending_limit"`
	DailyLimit     string   `json:"daily_limit"`
	UsedToday      string   `json:"used_today"`
	ExpiresAt      string   `json:"expires_at"`
	AllowedTargets []string `json:"allowed_targets,omitempty"`
	Condition      string   `json:"condition,omitempty"`
	Active         bool     `json:"active"`
	CreatedAt      string   `json:"created_at"`
	UpdatedAt      string   `json:"updated_at"`
	Version        uint64   `json:"version"`
}

// decisionResponse is the JSON view of a policy decision. Denials are
// 200 responses with allowed=false; HTTP errors are reserved for
// malformed requests and system failures.
type decisionResponse struct {
	Allowed        bool   `json:"allowed"`
	Reason         string `json:"reason,omitempty"`
	Limit          string `json:"limit,omitempty"`
	Attempted      string `json:"attempted,omitempty"`
	RemainingDaily string `json:"remaining_daily,omitempty"`
}

// usageResponse is the JSON view of a key's usage stats.
type usageResponse struct {
	UsedToday              string `json:"used_today"`
	RemainingDaily         string `json:"remaining_daily"`
	RemainingPerTx         string `json:"remaining_per_tx"`
	TimeUntilExpirySeconds int64  `json:"time_until_expiry_seconds"`
}

// errorResponse is the JSON error envelope.
type errorResponse struct {
	Error string `json:"error"`
}

func (a *API) handleGrant(w http.ResponseWriter, r *http.Request) {
	account := r.PathValue("account")

	var req grantRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	spending, err := parseValue(req.SpendingLimit, "spending_limit")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	daily, err := parseValue(req.DailyLimit, "daily_limit")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	expiresAt, err := time.Parse(time.RFC3339, req.ExpiresAt)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("expires_at: %w", err))
		return
	}

	key, err := a.engine.Grant(r.Context(), service.GrantRequest{
		AccountID:      account,
		KeyID:          req.KeyID,
		SpendingLimit:  spending,
		DailyLimit:     daily,
		ExpiresAt:      expiresAt,
		AllowedTargets: req.AllowedTargets,
		Condition:      req.Condition,
	})
	if err != nil {
		a.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toKeyResponse(key))
}

func (a *API) handleGet(w http.ResponseWriter, r *http.Request) {
	key, err := a.engine.Get(r.Context(), r.PathValue("account"), r.PathValue("key"))
	if err != nil {
		a.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toKeyResponse(key))
}

func (a *API) handleListActive(w http.ResponseWriter, r *http.Request) {
	ids, err := a.engine.ListActive(r.Context(), r.PathValue("account"))
	if err != nil {
		a.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"key_ids": ids})
}

func (a *API) handleRevoke(w http.ResponseWriter, r *http.Request) {
	err := a.engine.Revoke(r.Context(), r.PathValue("account"), r.PathValue("key"))
	if err != nil {
		a.writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleUpdateLimits(w http.ResponseWriter, r *http.Request) {
	var req limitsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	spending, err := parseValue(req.SpendingLimit, "spending_limit")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	daily, err := parseValue(req.DailyLimit, "daily_limit")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	if err := a.engine.UpdateLimits(r.Context(), r.PathValue("account"), r.PathValue("key"), spending, daily); err != nil {
		a.writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleExtendExpiry(w http.ResponseWriter, r *http.Request) {
	var req expiryRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	expiresAt, err := time.Parse(time.RFC3339, req.ExpiresAt)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("expires_at: %w", err))
		return
	}

	if err := a.engine.ExtendExpiry(r.Context(), r.PathValue("account"), r.PathValue("key"), expiresAt); err != nil {
		a.writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleCheck(w http.ResponseWriter, r *http.Request) {
	a.decide(w, r, a.engine.CheckValidity)
}

func (a *API) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	a.decide(w, r, a.engine.Authorize)
}

// decide is the shared body of check and authorize: same request and
// response shape, different engine call.
func (a *API) decide(w http.ResponseWriter, r *http.Request,
	eval func(ctx context.Context, account, key, target string, value *big.Int) (sessionkey.Decision, error),
) {
	var req checkRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	value, err := parseValue(req.Value, "value")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	dec, err := eval(r.Context(), r.PathValue("account"), r.PathValue("key"), req.Target, value)
	if err != nil {
		a.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toDecisionResponse(dec))
}

func (a *API) handleUsage(w http.ResponseWriter, r *http.Request) {
	stats, err := a.engine.GetUsage(r.Context(), r.PathValue("account"), r.PathValue("key"))
	if err != nil {
		a.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, usageResponse{
		UsedToday:              stats.UsedToday.String(),
		RemainingDaily:         stats.RemainingDaily.String(),
		RemainingPerTx:         stats.RemainingPerTx.String(),
		TimeUntilExpirySeconds: int64(stats.TimeUntilExpiry.Seconds()),
	})
}

func (a *API) handleRevokeAll(w http.ResponseWriter, r *http.Request) {
	n, err := a.engine.EmergencyRevokeAll(r.Context(), r.PathValue("account"))
	if err != nil {
		a.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"revoked": n})
}

func (a *API) handleRecentEvents(w http.ResponseWriter, r *http.Request) {
	if a.events == nil {
		writeJSON(w, http.StatusOK, map[string][]audit.Event{"events": {}})
		return
	}
	n := 100
	if q := r.URL.Query().Get("n"); q != "" {
		parsed, err := strconv.Atoi(q)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, errors.New("n must be a non-negative integer"))
			return
		}
		n = parsed
	}
	events := a.events.Recent(n)
	if events == nil {
		events = []audit.Event{}
	}
	writeJSON(w, http.StatusOK, map[string][]audit.Event{"events": events})
}

// writeEngineError maps engine errors onto HTTP status codes. Policy
// denials never reach here; they are 200 decisions.
func (a *API) writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, sessionkey.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, sessionkey.ErrKeyExists):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, sessionkey.ErrInvalidKey),
		errors.Is(err, sessionkey.ErrInvalidLimits),
		errors.Is(err, sessionkey.ErrInvalidExpiry),
		errors.Is(err, sessionkey.ErrInvalidCondition):
		writeError(w, http.StatusBadRequest, err)
	default:
		a.logger.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, errors.New("internal error"))
	}
}

func toKeyResponse(k *sessionkey.SessionKey) keyResponse {
	return keyResponse{
		AccountID:      k.AccountID,
		KeyID:          k.KeyID,
		SpendingLimit:  k.SpendingLimit.String(),
		DailyLimit:     k.DailyLimit.String(),
		UsedToday:      k.UsedToday.String(),
		ExpiresAt:      k.ExpiresAt.Format(time.RFC3339),
		AllowedTargets: k.AllowedTargets,
		Condition:      k.Condition,
		Active:         k.Active,
		CreatedAt:      k.CreatedAt.Format(time.RFC3339),
		UpdatedAt:      k.UpdatedAt.Format(time.RFC3339),
		Version:        k.Version,
	}
}

func toDecisionResponse(d sessionkey.Decision) decisionResponse {
	out := decisionResponse{
		Allowed: d.Allowed,
		Reason:  string(d.Reason),
	}
	if d.Limit != nil {
		out.Limit = d.Limit.String()
	}
	if d.Attempted != nil {
		out.Attempted = d.Attempted.String()
	}
	if d.RemainingDaily != nil {
		out.RemainingDaily = d.RemainingDaily.String()
	}
	return out
}

// parseValue parses a non-negative decimal string into a big.Int.
func parseValue(s, field string) (*big.Int, error) {
	if s == "" {
		return nil, fmt.Errorf("%s is required", field)
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("%s: not a decimal integer: %q", field, s)
	}
	if v.Sign() < 0 {
		return nil, fmt.Errorf("%s must be non-negative", field)
	}
	return v, nil
}

// decodeJSON decodes a bounded JSON body, rejecting unknown fields.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}
