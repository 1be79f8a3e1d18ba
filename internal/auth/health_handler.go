// health_handler.go -- Health check handler for GET /health.
package auth

import (
	"context"
	"net/http"
	"time"
)

// HealthCheck is one dependency pinged by CheckHealth.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// healthTimeout bounds each individual check.
const healthTimeout = 2 * time.Second

// CheckHealth handles GET /health: pings every configured dependency and
// returns per-dependency status. 200 if all are healthy, 503 otherwise.
func (h *AuthHandler) CheckHealth(w http.ResponseWriter, r *http.Request) {
	status := make(map[string]string, len(h.Health))
	healthy := true
	for _, hc := range h.Health {
		ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
		err := hc.Check(ctx)
		cancel()
		if err != nil {
			logError(r, "health check failed", "dependency", hc.Name, "error", err)
			status[hc.Name] = "error"
			healthy = false
			continue
		}
		status[hc.Name] = "ok"
	}

	code := http.StatusOK
	if !healthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}
