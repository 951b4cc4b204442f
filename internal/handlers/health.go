package handlers

import (
	"context"
	"net/http"
	"time"

	pkghttp "github.com/BradenHooton/bastion/pkg/http"
)

// HealthCheck checks one dependency
type HealthCheck func(ctx context.Context) error

// HealthHandler reports process and dependency health
type HealthHandler struct {
	checks  map[string]HealthCheck
	timeout time.Duration
}

// NewHealthHandler creates a new HealthHandler. checks may be empty when
// everything runs in memory.
func NewHealthHandler(checks map[string]HealthCheck) *HealthHandler {
	return &HealthHandler{checks: checks, timeout: 2 * time.Second}
}

// Health GET /health
// Responds 503 if any dependency is down. The limiter fails open without
// Redis, so a down dependency degrades rather than stops admission.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	status := "healthy"
	code := http.StatusOK
	results := make(map[string]string, len(h.checks))

	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			results[name] = "down"
			status = "unhealthy"
			code = http.StatusServiceUnavailable
			continue
		}
		results[name] = "up"
	}

	pkghttp.WriteJSON(w, code, map[string]interface{}{
		"status": status,
		"checks": results,
	})
}
