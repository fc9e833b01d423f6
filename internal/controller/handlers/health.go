package handlers

import "net/http"

// Healthz reports liveness.
// It returns 200 OK if the server is running.
func (h *Handlers) Healthz(w http.ResponseWriter, r *http.Request) {
	h.respondJson(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// Readyz reports readiness.
// It checks if the service is ready to accept traffic (the ledger store is
// reachable). Sidecar health never affects readiness.
func (h *Handlers) Readyz(w http.ResponseWriter, r *http.Request) {
	if err := h.pinger.Ping(r.Context()); err != nil {
		h.httpError(w, "Database unavailable", http.StatusServiceUnavailable)
		return
	}
	h.respondJson(w, http.StatusOK, map[string]string{"status": "ready"})
}
