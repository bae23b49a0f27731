package http

import (
	"context"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/keywarden/keywarden/internal/domain/audit"
	"github.com/keywarden/keywarden/internal/domain/sessionkey"
)

// HealthResponse is the JSON response from the /healthz endpoint.
type HealthResponse struct {
	Status  string            `json:"status"` // "healthy" or "unhealthy"
	Checks  map[string]string `json:"checks"`
	Version string            `json:"version,omitempty"`
}

// HealthChecker verifies component health.
type HealthChecker struct {
	store   sessionkey.Store
	events  audit.EventReader
	version string
}

// NewHealthChecker creates a HealthChecker. Pass nil for components
// that aren't wired.
func NewHealthChecker(store sessionkey.Store, events audit.EventReader, version string) *HealthChecker {
	return &HealthChecker{store: store, events: events, version: version}
}

// Check probes each component. The store probe is a real read against
// a reserved account so a wedged backend shows up as unhealthy, not as
// a silent hang at authorization time.
func (h *HealthChecker) Check(ctx context.Context) HealthResponse {
	checks := make(map[string]string)
	healthy := true

	if h.store != nil {
		probeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		_, err := h.store.ListByAccount(probeCtx, "healthz-probe")
		cancel()
		if err != nil {
			checks["store"] = "error: " + err.Error()
			healthy = false
		} else {
			checks["store"] = "ok"
		}
	} else {
		checks["store"] = "not configured"
	}

	if h.events != nil {
		checks["events"] = fmt.Sprintf("ok: %d cached", len(h.events.Recent(0)))
	} else {
		checks["events"] = "not configured"
	}

	checks["goroutines"] = fmt.Sprintf("%d", runtime.NumGoroutine())

	status := "healthy"
	if !healthy {
		status = "unhealthy"
	}
	return HealthResponse{Status: status, Checks: checks, Version: h.version}
}

// Handler returns the /healthz HTTP handler. Unhealthy is 503 so load
// balancer probes fail fast.
func (h *HealthChecker) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		health := h.Check(r.Context())
		status := http.StatusOK
		if health.Status != "healthy" {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, health)
	})
}
