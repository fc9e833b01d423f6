package handlers

import (
	"encoding/json"
	"io"
	"net/http"

	"genplane/internal/controller/middleware"
	"genplane/internal/logger"
	"genplane/internal/progress"
	"genplane/pkg/api"
)

const maxGenerateBody = 64 << 10

// GenerateImageToVideo handles POST /generate/image-to-video.
// Requests are validated and pre-checked against the balance as plain JSON
// errors; once accepted the response becomes a progress stream that always
// ends with a complete or error event.
func (h *Handlers) GenerateImageToVideo(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID, ok := middleware.UserIDFromContext(ctx)
	if !ok {
		h.httpError(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	raw, err := io.ReadAll(io.LimitReader(r.Body, maxGenerateBody))
	if err != nil {
		h.httpError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if err := validateAgainstSchema(h.generateSchema, raw); err != nil {
		h.respondJson(w, http.StatusBadRequest, api.ErrorResponse{
			Error:   "Invalid request body",
			Code:    api.CodeInvalidRequest,
			Details: err.Error(),
		})
		return
	}

	var req api.GenerateRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		h.httpError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	// Fast rejection only; the atomic deduction inside the job is authoritative.
	if h.generationCost > 0 {
		balance, err := h.ledger.Balance(ctx, userID)
		if err != nil {
			h.httpError(w, "Failed to read balance", http.StatusInternalServerError)
			return
		}
		if balance.Total() < h.generationCost {
			h.httpErrorCode(w, "Insufficient credits", api.CodeInsufficientCredits, http.StatusPaymentRequired)
			return
		}
	}

	stream, err := progress.NewSSEWriter(w)
	if err != nil {
		h.httpError(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	res := h.jobs.Run(ctx, userID, req, stream)
	if len(res.Events) > 0 && h.notifier != nil {
		h.notifier.Dispatch(res.Events...)
	}
	logger.FromContext(ctx, h.logger).Info("generation stream closed",
		"job_id", res.Job.ID, "stage", res.Job.Stage)
}
