package http

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/keywarden/keywarden/internal/adapter/outbound/memory"
	"github.com/keywarden/keywarden/internal/domain/adminauth"
	"github.com/keywarden/keywarden/internal/service"
)

const testAdminKey = "test-admin-key"

var handlerTestNow = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

type staticClock struct{ now time.Time }

func (c staticClock) Now() time.Time { return c.now }

type apiFixture struct {
	handler http.Handler
	sink    *memory.EventSink
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	store := memory.NewKeyStore()
	sink := memory.NewEventSink()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	engine := service.NewEngine(store, sink, logger,
		service.WithClock(staticClock{now: handlerTestNow}))
	verifier := adminauth.NewVerifier([]adminauth.AdminKey{
		{Name: "test", Hash: adminauth.HashKeySHA256(testAdminKey)},
	})
	srv := NewServer(engine, sink, verifier,
		WithLogger(logger),
		WithRegistry(prometheus.NewRegistry()),
		WithHealthChecker(NewHealthChecker(store, sink, "test")),
	)
	return &apiFixture{handler: srv.Handler(), sink: sink}
}

// do performs an authenticated request and returns the recorder.
func (f *apiFixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Authorization", "Bearer "+testAdminKey)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func (f *apiFixture) grantKey(t *testing.T, account, keyID string) {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/api/v1/accounts/"+account+"/keys", map[string]any{
		"key_id":         keyID,
		"spending_limit": "1000",
		"daily_limit":    "5000",
		"expires_at":     handlerTestNow.Add(24 * time.Hour).Format(time.RFC3339),
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("grant %s: status %d: %s", keyID, rec.Code, rec.Body)
	}
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body, err)
	}
	return out
}

func TestAPIRequiresAdminKey(t *testing.T) {
	f := newAPIFixture(t)

	tests := []struct {
		name   string
		header string
	}{
		{"no header", ""},
		{"wrong key", "Bearer not-the-key"},
		{"not bearer", "Basic dXNlcjpwYXNz"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/accounts/a/keys", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			f.handler.ServeHTTP(rec, req)
			if rec.Code != http.StatusUnauthorized {
				t.Errorf("status = %d, want 401", rec.Code)
			}
		})
	}
}

func TestAPIProbesNeedNoAuth(t *testing.T) {
	f := newAPIFixture(t)
	for _, path := range []string{"/healthz", "/metrics"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		f.handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Errorf("GET %s = %d, want 200", path, rec.Code)
		}
	}
}

func TestAPIGrant(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/accounts/acct-1/keys", map[string]any{
		"key_id":          "key-1",
		"spending_limit":  "1000000000000000000",
		"daily_limit":     "5000000000000000000",
		"expires_at":      handlerTestNow.Add(24 * time.Hour).Format(time.RFC3339),
		"allowed_targets": []string{"svc-b", "svc-a"},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	resp := decodeBody[keyResponse](t, rec)
	if resp.KeyID != "key-1" || !resp.Active || resp.Version != 1 {
		t.Errorf("response = %+v", resp)
	}
	if resp.SpendingLimit != "1000000000000000000" {
		t.Errorf("spending_limit = %q", resp.SpendingLimit)
	}
	if len(resp.AllowedTargets) != 2 || resp.AllowedTargets[0] != "svc-a" {
		t.Errorf("allowed_targets = %v", resp.AllowedTargets)
	}

	// Duplicate grant conflicts.
	rec = f.do(t, http.MethodPost, "/api/v1/accounts/acct-1/keys", map[string]any{
		"key_id":         "key-1",
		"spending_limit": "1",
		"daily_limit":    "1",
		"expires_at":     handlerTestNow.Add(time.Hour).Format(time.RFC3339),
	})
	if rec.Code != http.StatusConflict {
		t.Errorf("duplicate grant status = %d, want 409", rec.Code)
	}
}

func TestAPIGrantBadRequests(t *testing.T) {
	f := newAPIFixture(t)

	tests := []struct {
		name string
		body map[string]any
	}{
		{"missing limits", map[string]any{
			"key_id":     "k",
			"expires_at": handlerTestNow.Add(time.Hour).Format(time.RFC3339),
		}},
		{"non-decimal limit", map[string]any{
			"key_id": "k", "spending_limit": "1.5", "daily_limit": "10",
			"expires_at": handlerTestNow.Add(time.Hour).Format(time.RFC3339),
		}},
		{"negative limit", map[string]any{
			"key_id": "k", "spending_limit": "-1", "daily_limit": "10",
			"expires_at": handlerTestNow.Add(time.Hour).Format(time.RFC3339),
		}},
		{"daily below per-tx", map[string]any{
			"key_id": "k", "spending_limit": "10", "daily_limit": "5",
			"expires_at": handlerTestNow.Add(time.Hour).Format(time.RFC3339),
		}},
		{"bad expiry format", map[string]any{
			"key_id": "k", "spending_limit": "1", "daily_limit": "1",
			"expires_at": "tomorrow",
		}},
		{"expiry in the past", map[string]any{
			"key_id": "k", "spending_limit": "1", "daily_limit": "1",
			"expires_at": handlerTestNow.Add(-time.Hour).Format(time.RFC3339),
		}},
		{"unknown field", map[string]any{
			"key_id": "k", "spending_limit": "1", "daily_limit": "1",
			"expires_at": handlerTestNow.Add(time.Hour).Format(time.RFC3339),
			"spendLimit": "1",
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, "/api/v1/accounts/acct-1/keys", tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400: %s", rec.Code, rec.Body)
			}
		})
	}
}

func TestAPIGetAndList(t *testing.T) {
	f := newAPIFixture(t)
	f.grantKey(t, "acct-1", "key-1")
	f.grantKey(t, "acct-1", "key-2")

	rec := f.do(t, http.MethodGet, "/api/v1/accounts/acct-1/keys/key-1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}
	if resp := decodeBody[keyResponse](t, rec); resp.KeyID != "key-1" {
		t.Errorf("key_id = %q", resp.KeyID)
	}

	rec = f.do(t, http.MethodGet, "/api/v1/accounts/acct-1/keys/missing", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing key status = %d, want 404", rec.Code)
	}

	rec = f.do(t, http.MethodGet, "/api/v1/accounts/acct-1/keys", nil)
	list := decodeBody[map[string][]string](t, rec)
	if ids := list["key_ids"]; len(ids) != 2 || ids[0] != "key-1" || ids[1] != "key-2" {
		t.Errorf("key_ids = %v", list["key_ids"])
	}
}

func TestAPIRevoke(t *testing.T) {
	f := newAPIFixture(t)
	f.grantKey(t, "acct-1", "key-1")

	rec := f.do(t, http.MethodDelete, "/api/v1/accounts/acct-1/keys/key-1", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("revoke status = %d", rec.Code)
	}

	rec = f.do(t, http.MethodGet, "/api/v1/accounts/acct-1/keys/key-1", nil)
	if resp := decodeBody[keyResponse](t, rec); resp.Active {
		t.Error("key still active after revoke")
	}

	rec = f.do(t, http.MethodDelete, "/api/v1/accounts/acct-1/keys/missing", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("revoke missing status = %d, want 404", rec.Code)
	}
}

func TestAPIUpdateLimits(t *testing.T) {
	f := newAPIFixture(t)
	f.grantKey(t, "acct-1", "key-1")

	rec := f.do(t, http.MethodPut, "/api/v1/accounts/acct-1/keys/key-1/limits", limitsRequest{
		SpendingLimit: "2000", DailyLimit: "9000",
	})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}

	rec = f.do(t, http.MethodGet, "/api/v1/accounts/acct-1/keys/key-1", nil)
	if resp := decodeBody[keyResponse](t, rec); resp.SpendingLimit != "2000" || resp.DailyLimit != "9000" {
		t.Errorf("limits = %s/%s", resp.SpendingLimit, resp.DailyLimit)
	}

	rec = f.do(t, http.MethodPut, "/api/v1/accounts/acct-1/keys/key-1/limits", limitsRequest{
		SpendingLimit: "2000", DailyLimit: "100",
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("invalid limits status = %d, want 400", rec.Code)
	}
}

func TestAPIExtendExpiry(t *testing.T) {
	f := newAPIFixture(t)
	f.grantKey(t, "acct-1", "key-1")

	rec := f.do(t, http.MethodPut, "/api/v1/accounts/acct-1/keys/key-1/expiry", expiryRequest{
		ExpiresAt: handlerTestNow.Add(48 * time.Hour).Format(time.RFC3339),
	})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}

	// Shortening is rejected.
	rec = f.do(t, http.MethodPut, "/api/v1/accounts/acct-1/keys/key-1/expiry", expiryRequest{
		ExpiresAt: handlerTestNow.Add(time.Hour).Format(time.RFC3339),
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("shorten status = %d, want 400", rec.Code)
	}
}

func TestAPICheckAndAuthorize(t *testing.T) {
	f := newAPIFixture(t)
	f.grantKey(t, "acct-1", "key-1") // per-tx 1000, daily 5000

	// Check is free: repeat it, nothing is consumed.
	for i := 0; i < 3; i++ {
		rec := f.do(t, http.MethodPost, "/api/v1/accounts/acct-1/keys/key-1/check", checkRequest{
			Target: "svc-a", Value: "1000",
		})
		if rec.Code != http.StatusOK {
			t.Fatalf("check status = %d", rec.Code)
		}
		if resp := decodeBody[decisionResponse](t, rec); !resp.Allowed {
			t.Errorf("check #%d denied: %s", i, resp.Reason)
		}
	}

	rec := f.do(t, http.MethodPost, "/api/v1/accounts/acct-1/keys/key-1/authorize", checkRequest{
		Target: "svc-a", Value: "4000",
	})
	resp := decodeBody[decisionResponse](t, rec)
	if rec.Code != http.StatusOK || !resp.Allowed {
		t.Fatalf("authorize: status=%d resp=%+v", rec.Code, resp)
	}
	if resp.RemainingDaily != "1000" {
		t.Errorf("remaining_daily = %q", resp.RemainingDaily)
	}

	// Denial is still 200, tagged in the body.
	rec = f.do(t, http.MethodPost, "/api/v1/accounts/acct-1/keys/key-1/authorize", checkRequest{
		Target: "svc-a", Value: "1000.5",
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("malformed value status = %d, want 400", rec.Code)
	}
	rec = f.do(t, http.MethodPost, "/api/v1/accounts/acct-1/keys/key-1/authorize", checkRequest{
		Target: "svc-a", Value: "2000",
	})
	resp = decodeBody[decisionResponse](t, rec)
	if rec.Code != http.StatusOK {
		t.Fatalf("denial status = %d, want 200", rec.Code)
	}
	if resp.Allowed || resp.Reason != "daily_limit_exceeded" {
		t.Errorf("denial = %+v", resp)
	}
	if resp.RemainingDaily != "1000" {
		t.Errorf("denial remaining_daily = %q", resp.RemainingDaily)
	}

	// Unknown key is a decision, not a 404.
	rec = f.do(t, http.MethodPost, "/api/v1/accounts/acct-1/keys/ghost/authorize", checkRequest{
		Target: "svc-a", Value: "1",
	})
	resp = decodeBody[decisionResponse](t, rec)
	if rec.Code != http.StatusOK || resp.Allowed || resp.Reason != "session_key_not_found" {
		t.Errorf("unknown key: status=%d resp=%+v", rec.Code, resp)
	}
}

func TestAPIUsage(t *testing.T) {
	f := newAPIFixture(t)
	f.grantKey(t, "acct-1", "key-1")

	rec := f.do(t, http.MethodPost, "/api/v1/accounts/acct-1/keys/key-1/authorize", checkRequest{
		Target: "svc-a", Value: "250",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("authorize status = %d", rec.Code)
	}

	rec = f.do(t, http.MethodGet, "/api/v1/accounts/acct-1/keys/key-1/usage", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("usage status = %d", rec.Code)
	}
	resp := decodeBody[usageResponse](t, rec)
	if resp.UsedToday != "250" || resp.RemainingDaily != "4750" || resp.RemainingPerTx != "1000" {
		t.Errorf("usage = %+v", resp)
	}
	if resp.TimeUntilExpirySeconds != int64((24 * time.Hour).Seconds()) {
		t.Errorf("ttl = %d", resp.TimeUntilExpirySeconds)
	}
}

func TestAPIRevokeAll(t *testing.T) {
	f := newAPIFixture(t)
	f.grantKey(t, "acct-1", "key-1")
	f.grantKey(t, "acct-1", "key-2")
	f.grantKey(t, "acct-2", "other")

	rec := f.do(t, http.MethodPost, "/api/v1/accounts/acct-1/revoke-all", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if resp := decodeBody[map[string]int](t, rec); resp["revoked"] != 2 {
		t.Errorf("revoked = %d, want 2", resp["revoked"])
	}

	// The other account is untouched.
	rec = f.do(t, http.MethodGet, "/api/v1/accounts/acct-2/keys", nil)
	if list := decodeBody[map[string][]string](t, rec); len(list["key_ids"]) != 1 {
		t.Errorf("acct-2 keys = %v", list["key_ids"])
	}
}

func TestAPIRecentEvents(t *testing.T) {
	f := newAPIFixture(t)
	f.grantKey(t, "acct-1", "key-1")
	f.grantKey(t, "acct-1", "key-2")

	rec := f.do(t, http.MethodGet, "/api/v1/events/recent?n=1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp struct {
		Events []map[string]any `json:"events"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Events) != 1 {
		t.Fatalf("events = %d, want 1", len(resp.Events))
	}
	if typ := resp.Events[0]["type"]; typ != "key.granted" {
		t.Errorf("event type = %v", typ)
	}

	rec = f.do(t, http.MethodGet, "/api/v1/events/recent?n=bogus", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bogus n status = %d, want 400", rec.Code)
	}
}

func TestAPIMetricsEndpointServesRegistry(t *testing.T) {
	f := newAPIFixture(t)
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !bytes.Contains(rec.Body.Bytes(), []byte("go_goroutines")) {
		t.Error("expected go collector series in /metrics output")
	}
}

func TestHealthCheckerUnconfigured(t *testing.T) {
	hc := NewHealthChecker(nil, nil, "v1")
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	hc.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	resp := decodeBody[HealthResponse](t, rec)
	if resp.Status != "healthy" || resp.Version != "v1" {
		t.Errorf("response = %+v", resp)
	}
	if resp.Checks["store"] != "not configured" {
		t.Errorf("store check = %q", resp.Checks["store"])
	}
}

func TestRequestIDEcho(t *testing.T) {
	f := newAPIFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/accounts/a/keys", nil)
	req.Header.Set("Authorization", "Bearer "+testAdminKey)
	req.Header.Set("X-Request-ID", "req-42")
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	if got := rec.Header().Get("X-Request-ID"); got != "req-42" {
		t.Errorf("X-Request-ID = %q", got)
	}

	// Generated when absent.
	req = httptest.NewRequest(http.MethodGet, "/api/v1/accounts/a/keys", nil)
	req.Header.Set("Authorization", "Bearer "+testAdminKey)
	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("missing generated X-Request-ID")
	}
}

func TestExtractRealIP(t *testing.T) {
	tests := []struct {
		name    string
		remote  string
		headers map[string]string
		want    string
	}{
		{"remote addr", "10.0.0.1:1234", nil, "10.0.0.1"},
		{"x-forwarded-for", "10.0.0.1:1234", map[string]string{"X-Forwarded-For": "203.0.113.7, 10.0.0.2"}, "203.0.113.7"},
		{"x-real-ip", "10.0.0.1:1234", map[string]string{"X-Real-IP": "203.0.113.9"}, "203.0.113.9"},
		{"xff wins over real-ip", "10.0.0.1:1234", map[string]string{
			"X-Forwarded-For": "203.0.113.7", "X-Real-IP": "203.0.113.9",
		}, "203.0.113.7"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			if got := extractRealIP(req); got != tt.want {
				t.Errorf("extractRealIP = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestAPIMethodNotAllowed(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(t, http.MethodPatch, "/api/v1/accounts/acct-1/keys", nil)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", rec.Code)
	}
}
