package keywarden

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) (*httptest.Server, *Client) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	client := NewClient(
		WithServerAddr(server.URL),
		WithAdminKey("test-admin-key"),
	)
	return server, client
}

func TestClientGrant(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody grantBody

	_, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.Method + " " + r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(keyBody{
			AccountID:     "acct-1",
			KeyID:         "agent-1",
			SpendingLimit: "1000",
			DailyLimit:    "5000",
			UsedToday:     "0",
			ExpiresAt:     "2026-09-01T00:00:00Z",
			Active:        true,
			CreatedAt:     "2026-08-01T00:00:00Z",
			UpdatedAt:     "2026-08-01T00:00:00Z",
			Version:       1,
		})
	})

	key, err := client.Grant(context.Background(), "acct-1", GrantParams{
		KeyID:         "agent-1",
		SpendingLimit: big.NewInt(1000),
		DailyLimit:    big.NewInt(5000),
		ExpiresAt:     time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("Grant() error = %v", err)
	}

	if gotPath != "POST /api/v1/accounts/acct-1/keys" {
		t.Errorf("request = %q, want POST /api/v1/accounts/acct-1/keys", gotPath)
	}
	if gotAuth != "Bearer test-admin-key" {
		t.Errorf("Authorization = %q, want Bearer test-admin-key", gotAuth)
	}
	if gotBody.SpendingLimit != "1000" || gotBody.DailyLimit != "5000" {
		t.Errorf("wire limits = %s/%s, want 1000/5000", gotBody.SpendingLimit, gotBody.DailyLimit)
	}
	if key.SpendingLimit.Cmp(big.NewInt(1000)) != 0 {
		t.Errorf("SpendingLimit = %s, want 1000", key.SpendingLimit)
	}
	if !key.Active || key.Version != 1 {
		t.Errorf("Active/Version = %v/%d, want true/1", key.Active, key.Version)
	}
	if !key.ExpiresAt.Equal(time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("ExpiresAt = %v", key.ExpiresAt)
	}
}

func TestClientGrantMissingLimits(t *testing.T) {
	client := NewClient(WithServerAddr("http://127.0.0.1:1"))
	_, err := client.Grant(context.Background(), "acct-1", GrantParams{KeyID: "agent-1"})
	if err == nil {
		t.Fatal("Grant() error = nil, want error for missing limits")
	}
}

func TestClientAuthorizeAllowed(t *testing.T) {
	_, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/accounts/acct-1/keys/agent-1/authorize" {
			t.Errorf("path = %q", r.URL.Path)
		}
		var body checkBody
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body.Value != "250" {
			t.Errorf("wire value = %q, want 250", body.Value)
		}
		_ = json.NewEncoder(w).Encode(decisionBody{
			Allowed:        true,
			RemainingDaily: "4750",
		})
	})

	dec, err := client.Authorize(context.Background(), "acct-1", "agent-1", "0xabc", big.NewInt(250))
	if err != nil {
		t.Fatalf("Authorize() error = %v", err)
	}
	if !dec.Allowed {
		t.Error("Allowed = false, want true")
	}
	if dec.RemainingDaily.Cmp(big.NewInt(4750)) != 0 {
		t.Errorf("RemainingDaily = %s, want 4750", dec.RemainingDaily)
	}
}

func TestClientAuthorizeDenied(t *testing.T) {
	_, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(decisionBody{
			Allowed:        false,
			Reason:         ReasonSpendingLimit,
			Limit:          "1000",
			Attempted:      "2000",
			RemainingDaily: "5000",
		})
	})

	_, err := client.Authorize(context.Background(), "acct-1", "agent-1", "0xabc", big.NewInt(2000))
	if err == nil {
		t.Fatal("Authorize() error = nil, want DeniedError")
	}
	if !errors.Is(err, ErrDenied) {
		t.Errorf("errors.Is(err, ErrDenied) = false for %v", err)
	}
	var denied *DeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("errors.As DeniedError = false for %T", err)
	}
	if denied.Reason != ReasonSpendingLimit {
		t.Errorf("Reason = %q, want %q", denied.Reason, ReasonSpendingLimit)
	}
	if denied.Limit.Cmp(big.NewInt(1000)) != 0 || denied.Attempted.Cmp(big.NewInt(2000)) != 0 {
		t.Errorf("Limit/Attempted = %s/%s, want 1000/2000", denied.Limit, denied.Attempted)
	}
}

func TestClientCheckDenialIsNotError(t *testing.T) {
	_, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/accounts/acct-1/keys/agent-1/check" {
			t.Errorf("path = %q", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(decisionBody{
			Allowed: false,
			Reason:  ReasonExpired,
		})
	})

	dec, err := client.Check(context.Background(), "acct-1", "agent-1", "0xabc", big.NewInt(1))
	if err != nil {
		t.Fatalf("Check() error = %v, want decision data", err)
	}
	if dec.Allowed || dec.Reason != ReasonExpired {
		t.Errorf("decision = %+v, want denied with %q", dec, ReasonExpired)
	}
}

func TestClientNotFound(t *testing.T) {
	_, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(errorBody{Error: "session key not found"})
	})

	_, err := client.Key(context.Background(), "acct-1", "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("errors.Is(err, ErrNotFound) = false for %v", err)
	}
}

func TestClientAPIError(t *testing.T) {
	_, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(errorBody{Error: "session key already exists"})
	})

	_, err := client.Grant(context.Background(), "acct-1", GrantParams{
		KeyID:         "agent-1",
		SpendingLimit: big.NewInt(1),
		DailyLimit:    big.NewInt(1),
		ExpiresAt:     time.Now().Add(time.Hour),
	})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("errors.As APIError = false for %v", err)
	}
	if apiErr.StatusCode != http.StatusConflict {
		t.Errorf("StatusCode = %d, want 409", apiErr.StatusCode)
	}
	if apiErr.Message != "session key already exists" {
		t.Errorf("Message = %q", apiErr.Message)
	}
}

func TestClientServerUnreachable(t *testing.T) {
	// Port 1 is never listening.
	client := NewClient(WithServerAddr("http://127.0.0.1:1"), WithTimeout(200*time.Millisecond))
	_, err := client.Key(context.Background(), "acct-1", "agent-1")
	if !errors.Is(err, ErrServerUnreachable) {
		t.Errorf("errors.Is(err, ErrServerUnreachable) = false for %v", err)
	}
}

func TestClientRevokeAll(t *testing.T) {
	_, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/v1/accounts/acct-1/revoke-all" {
			t.Errorf("request = %s %s", r.Method, r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(map[string]int{"revoked": 3})
	})

	n, err := client.RevokeAll(context.Background(), "acct-1")
	if err != nil {
		t.Fatalf("RevokeAll() error = %v", err)
	}
	if n != 3 {
		t.Errorf("revoked = %d, want 3", n)
	}
}

func TestClientUsage(t *testing.T) {
	_, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(usageBody{
			UsedToday:              "250",
			RemainingDaily:         "4750",
			RemainingPerTx:         "1000",
			TimeUntilExpirySeconds: 86400,
		})
	})

	usage, err := client.Usage(context.Background(), "acct-1", "agent-1")
	if err != nil {
		t.Fatalf("Usage() error = %v", err)
	}
	if usage.UsedToday.Cmp(big.NewInt(250)) != 0 {
		t.Errorf("UsedToday = %s, want 250", usage.UsedToday)
	}
	if usage.TimeUntilExpiry != 24*time.Hour {
		t.Errorf("TimeUntilExpiry = %v, want 24h", usage.TimeUntilExpiry)
	}
}

func TestClientRecentEvents(t *testing.T) {
	_, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.RawQuery; got != "n=2" {
			t.Errorf("query = %q, want n=2", got)
		}
		_ = json.NewEncoder(w).Encode(map[string][]Event{
			"events": {
				{ID: "evt-2", Type: "key.authorized", AccountID: "acct-1", Value: big.NewInt(250)},
				{ID: "evt-1", Type: "key.granted", AccountID: "acct-1"},
			},
		})
	})

	events, err := client.RecentEvents(context.Background(), 2)
	if err != nil {
		t.Fatalf("RecentEvents() error = %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("len(events) = %d, want 2", len(events))
	}
	if events[0].Type != "key.authorized" || events[0].Value.Cmp(big.NewInt(250)) != 0 {
		t.Errorf("events[0] = %+v", events[0])
	}
}

func TestClientListActive(t *testing.T) {
	_, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string][]string{"key_ids": {"agent-1", "agent-2"}})
	})

	ids, err := client.ListActive(context.Background(), "acct-1")
	if err != nil {
		t.Fatalf("ListActive() error = %v", err)
	}
	if len(ids) != 2 || ids[0] != "agent-1" {
		t.Errorf("ids = %v, want [agent-1 agent-2]", ids)
	}
}

func TestClientPathEscaping(t *testing.T) {
	var gotPath string
	_, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.EscapedPath()
		w.WriteHeader(http.StatusNoContent)
	})

	if err := client.Revoke(context.Background(), "acct/1", "agent 1"); err != nil {
		t.Fatalf("Revoke() error = %v", err)
	}
	want := "/api/v1/accounts/acct%2F1/keys/agent%201"
	if gotPath != want {
		t.Errorf("path = %q, want %q", gotPath, want)
	}
}
