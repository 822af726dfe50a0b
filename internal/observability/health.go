package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
)

type HealthChecker interface {
	Ping(ctx context.Context) error
}

// HealthHandler serves liveness and readiness probes. Readiness covers
// the app flag plus every registered dependency check; backends the
// service degrades around, like the distributed counter, go in as
// informational checks so an outage there never pulls the instance from
// rotation.
type HealthHandler struct {
	checks     map[string]HealthChecker
	infoChecks map[string]HealthChecker
	ready      atomic.Bool
}

func NewHealthHandler() *HealthHandler {
	h := &HealthHandler{
		checks:     make(map[string]HealthChecker),
		infoChecks: make(map[string]HealthChecker),
	}
	h.ready.Store(false)
	return h
}

// AddCheck registers a named dependency probe. Not safe to call after
// the handler starts serving.
func (h *HealthHandler) AddCheck(name string, c HealthChecker) {
	if c != nil {
		h.checks[name] = c
	}
}

// AddInfoCheck registers a probe whose result is reported in the
// readiness body without affecting the status code. For backends the
// limiter falls back around rather than depends on.
func (h *HealthHandler) AddInfoCheck(name string, c HealthChecker) {
	if c != nil {
		h.infoChecks[name] = c
	}
}

func (h *HealthHandler) SetReady(ready bool) {
	h.ready.Store(ready)
}

type HealthResponse struct {
	Status string `json:"status"`
}

type ReadyResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(HealthResponse{Status: "ok"})
}

func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	checks := make(map[string]string)
	allHealthy := true

	if !h.ready.Load() {
		checks["app"] = "not ready"
		allHealthy = false
	} else {
		checks["app"] = "ok"
	}

	for name, c := range h.checks {
		if err := c.Ping(r.Context()); err != nil {
			checks[name] = err.Error()
			allHealthy = false
		} else {
			checks[name] = "ok"
		}
	}

	for name, c := range h.infoChecks {
		if err := c.Ping(r.Context()); err != nil {
			checks[name] = err.Error()
		} else {
			checks[name] = "ok"
		}
	}

	status := "ok"
	statusCode := http.StatusOK
	if !allHealthy {
		status = "degraded"
		statusCode = http.StatusServiceUnavailable
	}

	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(ReadyResponse{
		Status: status,
		Checks: checks,
	})
}
