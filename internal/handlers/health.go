package handlers

import (
	"net/http"
	"time"

	"github.com/skillforge/api/internal/services"
)

var startTime = time.Now()

// HealthHandlers serves liveness and readiness probes. Readiness consults the
// system service when one is configured; liveness never touches dependencies.
type HealthHandlers struct {
	system services.SystemService
}

// NewHealthHandlers constructs probe handlers. A nil system service keeps
// /readyz permissive, which suits local development and tests.
func NewHealthHandlers(system services.SystemService) *HealthHandlers {
	return &HealthHandlers{system: system}
}

// Healthz reports process liveness.
func (h *HealthHandlers) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"uptime":    time.Since(startTime).String(),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// Readyz reports whether backing dependencies are reachable.
func (h *HealthHandlers) Readyz(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.system == nil {
		writeJSONResponse(w, http.StatusOK, map[string]any{"status": "ok"})
		return
	}

	report, err := h.system.Health(r.Context())
	if err != nil {
		writeJSONResponse(w, http.StatusServiceUnavailable, map[string]any{
			"status":  "unavailable",
			"message": "health check failed",
		})
		return
	}

	statuses := make([]map[string]any, 0, len(report.Statuses))
	for _, status := range report.Statuses {
		entry := map[string]any{
			"name":    status.Name,
			"healthy": status.Healthy,
		}
		if status.Detail != "" {
			entry["detail"] = status.Detail
		}
		statuses = append(statuses, entry)
	}

	payload := map[string]any{
		"status":       "ok",
		"dependencies": statuses,
	}
	code := http.StatusOK
	if !report.Healthy {
		payload["status"] = "degraded"
		code = http.StatusServiceUnavailable
	}
	writeJSONResponse(w, code, payload)
}
