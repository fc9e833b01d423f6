package handlers

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"genplane/internal/auth"
	"genplane/internal/logger"
	"genplane/internal/store"
	"genplane/pkg/api"

	"github.com/google/uuid"
)

// AdminCreateUser handles POST /admin/users.
// It generates a new API key, stores only its hash, optionally seeds the
// primary credit pool and returns the raw key ONCE.
func (h *Handlers) AdminCreateUser(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req api.CreateUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.httpError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		h.httpError(w, "Name is required", http.StatusBadRequest)
		return
	}
	if req.Credits < 0 {
		h.httpError(w, "Credits must not be negative", http.StatusBadRequest)
		return
	}

	apiKey, keyHash, err := auth.NewAPIKey()
	if err != nil {
		h.httpError(w, "Entropy failure", http.StatusInternalServerError)
		return
	}

	user := &store.User{
		ID:        uuid.New(),
		Name:      req.Name,
		CreatedAt: time.Now().UTC(),
	}
	if err := h.users.CreateUser(ctx, user, keyHash); err != nil {
		h.httpError(w, "Failed to create user", http.StatusInternalServerError)
		return
	}

	if req.Credits > 0 {
		if _, err := h.ledger.SetBalance(ctx, user.ID, req.Credits, 0, "initial grant"); err != nil {
			logger.FromContext(ctx, h.logger).Error("failed to seed credits", "user_id", user.ID, "error", err)
			h.httpError(w, "User created but credits could not be granted", http.StatusInternalServerError)
			return
		}
	}

	h.respondJson(w, http.StatusCreated, api.CreateUserResponse{
		ID:     user.ID.String(),
		Name:   user.Name,
		ApiKey: apiKey,
	})
}
