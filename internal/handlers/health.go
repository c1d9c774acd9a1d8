package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/vietcart/api/internal/platform/httpx"
)

// ReadinessProbe reports whether a named dependency is ready to serve.
type ReadinessProbe func(ctx context.Context) error

// HealthHandlers serves liveness and readiness endpoints.
type HealthHandlers struct {
	startedAt time.Time
	probes    map[string]ReadinessProbe
}

// NewHealthHandlers constructs health handlers with optional readiness probes
// keyed by dependency name.
func NewHealthHandlers(probes map[string]ReadinessProbe) *HealthHandlers {
	return &HealthHandlers{
		startedAt: time.Now(),
		probes:    probes,
	}
}

// Healthz reports process liveness.
func (h *HealthHandlers) Healthz(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"uptime":    time.Since(h.startedAt).String(),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// Readyz runs every registered probe and reports per-dependency status.
func (h *HealthHandlers) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	status := http.StatusOK
	checks := make(map[string]string, len(h.probes))
	for name, probe := range h.probes {
		if probe == nil {
			continue
		}
		if err := probe(ctx); err != nil {
			checks[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}

	payload := map[string]any{"status": "ok"}
	if status != http.StatusOK {
		payload["status"] = "degraded"
	}
	if len(checks) > 0 {
		payload["checks"] = checks
	}
	httpx.WriteJSON(w, status, payload)
}
