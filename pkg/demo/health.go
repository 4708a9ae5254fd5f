package demo

import (
	"net/http"
	"sync/atomic"
)

// HealthCheck serves liveness and readiness probes
type HealthCheck struct {
	ready atomic.Bool
}

// NewHealthCheck returns a HealthCheck that is alive but not yet ready
func NewHealthCheck() *HealthCheck {
	return &HealthCheck{}
}

func (h *HealthCheck) HealthHandler(w http.ResponseWriter, r *http.Request) {
	sendJSONResponse(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (h *HealthCheck) ReadyHandler(w http.ResponseWriter, r *http.Request) {
	if !h.ready.Load() {
		sendJSONResponse(w, http.StatusServiceUnavailable, map[string]string{"status": "starting"})
		return
	}
	sendJSONResponse(w, http.StatusOK, map[string]string{"status": "ready"})
}

// SetReady marks the service as ready to receive traffic
func (h *HealthCheck) SetReady(ready bool) {
	h.ready.Store(ready)
}
