// health.go — liveness/readiness probes, grounded in storage-element's
// health.go: two endpoints, the readiness one checking downstream
// reachability (here: the repository only) rather than just the
// process being alive.
package handlers

import (
	"context"
	"net/http"
	"time"
)

// Pinger checks reachability of a dependency.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Health exposes /healthz and /readyz.
type Health struct {
	repo    Pinger
	version string
}

// NewHealth constructs a Health handler.
func NewHealth(repo Pinger, version string) *Health {
	return &Health{repo: repo, version: version}
}

// Healthz handles GET /v1/healthz: the process is alive, no
// dependency checks.
func (h *Health) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"version":   h.version,
	})
}

// Readyz handles GET /v1/readyz: reports the repository's reachability.
func (h *Health) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	checks := map[string]string{"repository": "ok"}
	status := "ok"
	httpStatus := http.StatusOK

	if err := h.repo.Ping(ctx); err != nil {
		checks["repository"] = "fail: " + err.Error()
		status = "fail"
		httpStatus = http.StatusServiceUnavailable
	}

	writeJSON(w, httpStatus, map[string]any{
		"status":    status,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"version":   h.version,
		"checks":    checks,
	})
}
