package keywarden

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Client is the keywarden SDK client. It communicates with the
// keywarden authorization API to manage session keys and authorize
// agent actions against them.
type Client struct {
	serverAddr string
	adminKey   string
	timeout    time.Duration
	httpClient *http.Client
}

// NewClient creates a new keywarden SDK client.
// It reads configuration from KEYWARDEN_* environment variables by
// default. Options can be used to override the defaults.
func NewClient(opts ...Option) *Client {
	c := &Client{
		serverAddr: os.Getenv("KEYWARDEN_SERVER_ADDR"),
		adminKey:   os.Getenv("KEYWARDEN_ADMIN_KEY"),
		timeout:    5 * time.Second,
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.httpClient == nil {
		c.httpClient = &http.Client{
			Timeout: c.timeout,
		}
	}

	return c
}

// Wire types. Money values travel as decimal strings; JSON numbers
// cannot carry 256-bit integers.

type grantBody struct {
	KeyID          string   `json:"key_id"`
	SpendingLimit  string   `json:"spending_limit"`
	DailyLimit     string   `json:"daily_limit"`
	ExpiresAt      string   `json:"expires_at"`
	AllowedTargets []string `json:"allowed_targets,omitempty"`
	Condition      string   `json:"condition,omitempty"`
}

type checkBody struct {
	Target string `json:"target"`
	Value  string `json:"value"`
}

type limitsBody struct {
	SpendingLimit string `json:"spending_limit"`
	DailyLimit    string `json:"daily_limit"`
}

type expiryBody struct {
	ExpiresAt string `json:"expires_at"`
}

type keyBody struct {
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

type decisionBody struct {
	Allowed        bool   `json:"allowed"`
	Reason         string `json:"reason,omitempty"`
	Limit          string `json:"limit,omitempty"`
	Attempted      string `json:"attempted,omitempty"`
	RemainingDaily string `json:"remaining_daily,omitempty"`
}

type usageBody struct {
	UsedToday              string `json:"used_today"`
	RemainingDaily         string `json:"remaining_daily"`
	RemainingPerTx         string `json:"remaining_per_tx"`
	TimeUntilExpirySeconds int64  `json:"time_until_expiry_seconds"`
}

type errorBody struct {
	Error string `json:"error"`
}

// Grant creates a new session key under the account.
func (c *Client) Grant(ctx context.Context, account string, params GrantParams) (*Key, error) {
	if params.SpendingLimit == nil || params.DailyLimit == nil {
		return nil, fmt.Errorf("keywarden: spending and daily limits are required")
	}
	body := grantBody{
		KeyID:          params.KeyID,
		SpendingLimit:  params.SpendingLimit.String(),
		DailyLimit:     params.DailyLimit.String(),
		ExpiresAt:      params.ExpiresAt.Format(time.RFC3339),
		AllowedTargets: params.AllowedTargets,
		Condition:      params.Condition,
	}

	var resp keyBody
	path := fmt.Sprintf("/api/v1/accounts/%s/keys", url.PathEscape(account))
	if err := c.doRequest(ctx, http.MethodPost, path, body, &resp); err != nil {
		return nil, err
	}
	return toKey(resp)
}

// Key fetches one session key record.
func (c *Client) Key(ctx context.Context, account, keyID string) (*Key, error) {
	var resp keyBody
	if err := c.doRequest(ctx, http.MethodGet, keyPath(account, keyID, ""), nil, &resp); err != nil {
		return nil, err
	}
	return toKey(resp)
}

// ListActive returns the IDs of the account's active keys.
func (c *Client) ListActive(ctx context.Context, account string) ([]string, error) {
	var resp struct {
		KeyIDs []string `json:"key_ids"`
	}
	path := fmt.Sprintf("/api/v1/accounts/%s/keys", url.PathEscape(account))
	if err := c.doRequest(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.KeyIDs, nil
}

// Revoke permanently deactivates one session key. Revocation is
// final; revoking an already revoked key is a no-op.
func (c *Client) Revoke(ctx context.Context, account, keyID string) error {
	return c.doRequest(ctx, http.MethodDelete, keyPath(account, keyID, ""), nil, nil)
}

// RevokeAll revokes every active key under the account and returns
// how many were revoked.
func (c *Client) RevokeAll(ctx context.Context, account string) (int, error) {
	var resp struct {
		Revoked int `json:"revoked"`
	}
	path := fmt.Sprintf("/api/v1/accounts/%s/revoke-all", url.PathEscape(account))
	if err := c.doRequest(ctx, http.MethodPost, path, struct{}{}, &resp); err != nil {
		return 0, err
	}
	return resp.Revoked, nil
}

// UpdateLimits replaces the key's spending and daily limits.
func (c *Client) UpdateLimits(ctx context.Context, account, keyID string, spendingLimit, dailyLimit *big.Int) error {
	if spendingLimit == nil || dailyLimit == nil {
		return fmt.Errorf("keywarden: spending and daily limits are required")
	}
	body := limitsBody{
		SpendingLimit: spendingLimit.String(),
		DailyLimit:    dailyLimit.String(),
	}
	return c.doRequest(ctx, http.MethodPut, keyPath(account, keyID, "limits"), body, nil)
}

// ExtendExpiry moves the key's expiry to a strictly later time.
func (c *Client) ExtendExpiry(ctx context.Context, account, keyID string, expiresAt time.Time) error {
	body := expiryBody{ExpiresAt: expiresAt.Format(time.RFC3339)}
	return c.doRequest(ctx, http.MethodPut, keyPath(account, keyID, "expiry"), body, nil)
}

// Check evaluates whether the key would authorize the action, without
// consuming budget. The decision is returned as data; a denial is not
// an error.
func (c *Client) Check(ctx context.Context, account, keyID, target string, value *big.Int) (*Decision, error) {
	return c.decide(ctx, keyPath(account, keyID, "check"), target, value)
}

// Authorize authorizes the action and meters its value against the
// key's daily budget. On denial it returns a *DeniedError carrying
// the decision details; errors.Is(err, ErrDenied) matches it.
func (c *Client) Authorize(ctx context.Context, account, keyID, target string, value *big.Int) (*Decision, error) {
	dec, err := c.decide(ctx, keyPath(account, keyID, "authorize"), target, value)
	if err != nil {
		return nil, err
	}
	if !dec.Allowed {
		return nil, &DeniedError{
			Reason:         dec.Reason,
			Limit:          dec.Limit,
			Attempted:      dec.Attempted,
			RemainingDaily: dec.RemainingDaily,
		}
	}
	return dec, nil
}

// Usage fetches the key's current consumption stats.
func (c *Client) Usage(ctx context.Context, account, keyID string) (*Usage, error) {
	var resp usageBody
	if err := c.doRequest(ctx, http.MethodGet, keyPath(account, keyID, "usage"), nil, &resp); err != nil {
		return nil, err
	}

	usedToday, err := parseWireInt(resp.UsedToday, "used_today")
	if err != nil {
		return nil, err
	}
	remainingDaily, err := parseWireInt(resp.RemainingDaily, "remaining_daily")
	if err != nil {
		return nil, err
	}
	remainingPerTx, err := parseWireInt(resp.RemainingPerTx, "remaining_per_tx")
	if err != nil {
		return nil, err
	}
	return &Usage{
		UsedToday:       usedToday,
		RemainingDaily:  remainingDaily,
		RemainingPerTx:  remainingPerTx,
		TimeUntilExpiry: time.Duration(resp.TimeUntilExpirySeconds) * time.Second,
	}, nil
}

// RecentEvents returns the newest n audit events, newest first.
// n <= 0 uses the server default.
func (c *Client) RecentEvents(ctx context.Context, n int) ([]Event, error) {
	path := "/api/v1/events/recent"
	if n > 0 {
		path += "?n=" + strconv.Itoa(n)
	}
	var resp struct {
		Events []Event `json:"events"`
	}
	if err := c.doRequest(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Events, nil
}

// decide is the shared body of Check and Authorize.
func (c *Client) decide(ctx context.Context, path, target string, value *big.Int) (*Decision, error) {
	if value == nil {
		return nil, fmt.Errorf("keywarden: value is required")
	}
	body := checkBody{Target: target, Value: value.String()}

	var resp decisionBody
	if err := c.doRequest(ctx, http.MethodPost, path, body, &resp); err != nil {
		return nil, err
	}

	dec := &Decision{
		Allowed: resp.Allowed,
		Reason:  resp.Reason,
	}
	var err error
	if dec.Limit, err = parseOptionalWireInt(resp.Limit, "limit"); err != nil {
		return nil, err
	}
	if dec.Attempted, err = parseOptionalWireInt(resp.Attempted, "attempted"); err != nil {
		return nil, err
	}
	if dec.RemainingDaily, err = parseOptionalWireInt(resp.RemainingDaily, "remaining_daily"); err != nil {
		return nil, err
	}
	return dec, nil
}

// doRequest performs an HTTP request to the keywarden server.
func (c *Client) doRequest(ctx context.Context, method, path string, body any, result any) error {
	reqURL := strings.TrimRight(c.serverAddr, "/") + path

	var bodyReader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("keywarden: failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, reqURL, bodyReader)
	if err != nil {
		return fmt.Errorf("keywarden: failed to create request: %w", err)
	}

	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if c.adminKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.adminKey)
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return &ServerUnreachableError{Cause: err}
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return fmt.Errorf("keywarden: failed to read response body: %w", err)
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		msg := string(respBody)
		var envelope errorBody
		if json.Unmarshal(respBody, &envelope) == nil && envelope.Error != "" {
			msg = envelope.Error
		}
		if httpResp.StatusCode == http.StatusNotFound {
			return &NotFoundError{Message: msg}
		}
		return &APIError{StatusCode: httpResp.StatusCode, Message: msg}
	}

	if result != nil {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("keywarden: failed to unmarshal response: %w", err)
		}
	}

	return nil
}

// keyPath builds a key-scoped API path. sub is the trailing operation
// segment, empty for the key resource itself.
func keyPath(account, keyID, sub string) string {
	path := fmt.Sprintf("/api/v1/accounts/%s/keys/%s", url.PathEscape(account), url.PathEscape(keyID))
	if sub != "" {
		path += "/" + sub
	}
	return path
}

func toKey(body keyBody) (*Key, error) {
	spending, err := parseWireInt(body.SpendingLimit, "spending_limit")
	if err != nil {
		return nil, err
	}
	daily, err := parseWireInt(body.DailyLimit, "daily_limit")
	if err != nil {
		return nil, err
	}
	usedToday, err := parseWireInt(body.UsedToday, "used_today")
	if err != nil {
		return nil, err
	}
	expiresAt, err := time.Parse(time.RFC3339, body.ExpiresAt)
	if err != nil {
		return nil, fmt.Errorf("keywarden: invalid expires_at in response: %w", err)
	}
	createdAt, err := time.Parse(time.RFC3339, body.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("keywarden: invalid created_at in response: %w", err)
	}
	updatedAt, err := time.Parse(time.RFC3339, body.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("keywarden: invalid updated_at in response: %w", err)
	}

	return &Key{
		AccountID:      body.AccountID,
		KeyID:          body.KeyID,
		SpendingLimit:  spending,
		DailyLimit:     daily,
		UsedToday:      usedToday,
		ExpiresAt:      expiresAt,
		AllowedTargets: body.AllowedTargets,
		Condition:      body.Condition,
		Active:         body.Active,
		CreatedAt:      createdAt,
		UpdatedAt:      updatedAt,
		Version:        body.Version,
	}, nil
}

// parseWireInt parses a required decimal-string money field.
func parseWireInt(s, field string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("keywarden: invalid %s in response: %q", field, s)
	}
	return v, nil
}

// parseOptionalWireInt parses a money field that may be absent.
func parseOptionalWireInt(s, field string) (*big.Int, error) {
	if s == "" {
		return nil, nil
	}
	return parseWireInt(s, field)
}
