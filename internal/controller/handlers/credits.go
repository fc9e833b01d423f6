package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"genplane/internal/controller/middleware"
	"genplane/internal/credits"
	"genplane/pkg/api"

	"github.com/google/uuid"
)

// GetBalance handles GET /credits.
func (h *Handlers) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		h.httpError(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	balance, err := h.ledger.Balance(r.Context(), userID)
	if err != nil {
		h.httpError(w, "Failed to read balance", http.StatusInternalServerError)
		return
	}
	h.respondJson(w, http.StatusOK, toBalanceResponse(balance))
}

// GetHistory handles GET /credits/history?page=&page_size=.
func (h *Handlers) GetHistory(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		h.httpError(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	page, err := intParam(r, "page", 1)
	if err != nil {
		h.httpError(w, "Invalid page parameter", http.StatusBadRequest)
		return
	}
	pageSize, err := intParam(r, "page_size", 20)
	if err != nil {
		h.httpError(w, "Invalid page_size parameter", http.StatusBadRequest)
		return
	}

	result, err := h.ledger.History(r.Context(), userID, page, pageSize)
	if errors.Is(err, credits.ErrPageOutOfRange) {
		h.httpError(w, "Invalid page parameter", http.StatusBadRequest)
		return
	}
	if err != nil {
		h.httpError(w, "Failed to read history", http.StatusInternalServerError)
		return
	}

	resp := api.HistoryResponse{
		Transactions: make([]api.TransactionResponse, 0, len(result.Transactions)),
		Page:         result.Page,
		PageSize:     result.PageSize,
	}
	for _, tx := range result.Transactions {
		resp.Transactions = append(resp.Transactions, api.TransactionResponse{
			ID:             tx.ID.String(),
			Type:           string(tx.Type),
			Amount:         tx.Amount,
			PrimaryDelta:   tx.PrimaryDelta,
			SecondaryDelta: tx.SecondaryDelta,
			BalanceAfter:   tx.BalanceAfter,
			Feature:        tx.Feature,
			Description:    tx.Description,
			CreatedAt:      tx.CreatedAt,
		})
	}
	h.respondJson(w, http.StatusOK, resp)
}

// GetUsage handles GET /credits/usage.
func (h *Handlers) GetUsage(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		h.httpError(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	usage, err := h.ledger.UsageByFeature(r.Context(), userID)
	if err != nil {
		h.httpError(w, "Failed to read usage", http.StatusInternalServerError)
		return
	}

	resp := api.UsageResponse{Usage: make([]api.FeatureUsage, 0, len(usage))}
	for _, u := range usage {
		resp.Usage = append(resp.Usage, api.FeatureUsage{Feature: u.Feature, Credits: u.Credits, Count: u.Count})
	}
	h.respondJson(w, http.StatusOK, resp)
}

// AdminSetBalance handles PUT /admin/credits/{user}.
func (h *Handlers) AdminSetBalance(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(r.PathValue("user"))
	if err != nil {
		h.httpError(w, "Invalid user ID", http.StatusBadRequest)
		return
	}

	var req api.SetBalanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.httpError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Reason == "" {
		req.Reason = "admin reset"
	}

	balance, err := h.ledger.SetBalance(r.Context(), userID, req.Primary, req.Secondary, req.Reason)
	if errors.Is(err, credits.ErrInvalidAmount) {
		h.httpError(w, "Balances must not be negative", http.StatusBadRequest)
		return
	}
	if err != nil {
		h.httpError(w, "Failed to set balance", http.StatusInternalServerError)
		return
	}
	h.respondJson(w, http.StatusOK, toBalanceResponse(balance))
}

func toBalanceResponse(b credits.Balance) api.BalanceResponse {
	return api.BalanceResponse{Primary: b.Primary, Secondary: b.Secondary, Total: b.Total()}
}

func intParam(r *http.Request, name string, fallback int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback, nil
	}
	return strconv.Atoi(raw)
}
