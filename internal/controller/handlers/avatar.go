package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"genplane/internal/controller/middleware"
	"genplane/internal/keypool"
	"genplane/internal/logger"
	"genplane/internal/supervisor"
	"genplane/pkg/api"

	"github.com/google/uuid"
)

// CreateAvatarSession handles POST /avatar/sessions.
// It leases an upstream key for the realtime avatar session. The key itself
// is only ever handed to the sidecar.
func (h *Handlers) CreateAvatarSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID, ok := middleware.UserIDFromContext(ctx)
	if !ok {
		h.httpError(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	if h.sidecar == nil {
		h.httpErrorCode(w, "Avatar service is not enabled", api.CodeProcessDisabled, http.StatusServiceUnavailable)
		return
	}
	if !h.sidecar.Running() {
		status := h.sidecar.Status(ctx)
		if status.Disabled {
			h.httpErrorCode(w, "Avatar service is disabled: "+status.DisabledReason, api.CodeProcessDisabled, http.StatusServiceUnavailable)
			return
		}
		h.httpError(w, "Avatar service unavailable", http.StatusServiceUnavailable)
		return
	}

	var req api.AvatarSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		h.httpError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}

	index, err := h.keys.LeaseFor(userID.String(), req.SessionID)
	switch {
	case errors.Is(err, keypool.ErrSessionNotFound):
		h.httpError(w, "Session not found", http.StatusNotFound)
		return
	case err != nil:
		h.httpErrorCode(w, "No upstream keys available", api.CodeKeyPoolExhausted, http.StatusServiceUnavailable)
		return
	}

	logger.FromContext(ctx, h.logger).Info("avatar session opened", "session_id", req.SessionID, "key_index", index)
	h.respondJson(w, http.StatusCreated, api.AvatarSessionResponse{SessionID: req.SessionID, KeyIndex: index})
}

// DeleteAvatarSession handles DELETE /avatar/sessions/{id}.
// Only the user who opened the session can release it.
func (h *Handlers) DeleteAvatarSession(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		h.httpError(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	if err := h.keys.ReleaseFor(userID.String(), r.PathValue("id")); err != nil {
		h.httpError(w, "Session not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// AdminSessionKey handles GET /admin/avatar/sessions/{id}/key.
// Called by the sidecar to fetch the credential leased to a session.
func (h *Handlers) AdminSessionKey(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")

	index, ok := h.keys.Held(sessionID)
	if !ok {
		h.httpError(w, "Session not found", http.StatusNotFound)
		return
	}
	h.respondJson(w, http.StatusOK, api.SessionKeyResponse{
		SessionID: sessionID,
		KeyIndex:  index,
		ApiKey:    h.keys.Key(index),
	})
}

// AdminKeyPoolStatus handles GET /admin/keys.
func (h *Handlers) AdminKeyPoolStatus(w http.ResponseWriter, r *http.Request) {
	st := h.keys.Status()
	h.respondJson(w, http.StatusOK, api.KeyPoolStatusResponse{
		Configured:   st.Configured,
		ActiveLeases: st.ActiveLeases,
		PerKey:       st.PerKey,
	})
}

// AdminSidecarStatus handles GET /admin/avatar.
func (h *Handlers) AdminSidecarStatus(w http.ResponseWriter, r *http.Request) {
	if h.sidecar == nil {
		h.respondJson(w, http.StatusOK, api.SidecarStatusResponse{Enabled: false, State: string(supervisor.StateStopped)})
		return
	}
	h.respondJson(w, http.StatusOK, toSidecarResponse(h.sidecar.Status(r.Context())))
}

// AdminSidecarStart handles POST /admin/avatar/start.
func (h *Handlers) AdminSidecarStart(w http.ResponseWriter, r *http.Request) {
	if h.sidecar == nil {
		h.httpErrorCode(w, "Avatar service is not enabled", api.CodeProcessDisabled, http.StatusServiceUnavailable)
		return
	}

	wasRunning := h.sidecar.Running()
	if err := h.sidecar.Start(); err != nil {
		if errors.Is(err, supervisor.ErrProcessDisabled) {
			h.httpErrorCode(w, "Sidecar is disabled; use restart", api.CodeProcessDisabled, http.StatusServiceUnavailable)
			return
		}
		h.httpError(w, "Failed to start sidecar", http.StatusInternalServerError)
		return
	}
	h.respondJson(w, http.StatusOK, api.SidecarCommandResponse{Action: "start", WasRunning: wasRunning, Running: h.sidecar.Running()})
}

// AdminSidecarStop handles POST /admin/avatar/stop.
func (h *Handlers) AdminSidecarStop(w http.ResponseWriter, r *http.Request) {
	if h.sidecar == nil {
		h.httpErrorCode(w, "Avatar service is not enabled", api.CodeProcessDisabled, http.StatusServiceUnavailable)
		return
	}

	wasRunning := h.sidecar.Stop()
	h.respondJson(w, http.StatusOK, api.SidecarCommandResponse{Action: "stop", WasRunning: wasRunning, Running: false})
}

// AdminSidecarRestart handles POST /admin/avatar/restart.
func (h *Handlers) AdminSidecarRestart(w http.ResponseWriter, r *http.Request) {
	if h.sidecar == nil {
		h.httpErrorCode(w, "Avatar service is not enabled", api.CodeProcessDisabled, http.StatusServiceUnavailable)
		return
	}

	wasRunning := h.sidecar.Running()
	if err := h.sidecar.Restart(r.Context()); err != nil {
		logger.FromContext(r.Context(), h.logger).Error("sidecar restart failed", "error", err)
		h.httpError(w, "Failed to restart sidecar", http.StatusInternalServerError)
		return
	}
	h.respondJson(w, http.StatusOK, api.SidecarCommandResponse{Action: "restart", WasRunning: wasRunning, Running: h.sidecar.Running()})
}

func toSidecarResponse(st supervisor.Status) api.SidecarStatusResponse {
	return api.SidecarStatusResponse{
		Name:            st.Name,
		Enabled:         true,
		State:           string(st.State),
		Running:         st.Running,
		PID:             st.PID,
		StartedAt:       st.StartedAt,
		Crashes:         st.Crashes,
		LastCrash:       st.LastCrash,
		Disabled:        st.Disabled,
		DisabledReason:  st.DisabledReason,
		IntentionalStop: st.IntentionalStop,
		Unmanaged:       st.Unmanaged,
		DiscoverError:   st.DiscoverError,
	}
}
