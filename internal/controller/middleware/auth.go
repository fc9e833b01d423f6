// Package middleware contains HTTP middleware for the controller.
package middleware

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"genplane/internal/auth"
	"genplane/internal/logger"
	"genplane/internal/store"
	"genplane/pkg/api"

	"github.com/google/uuid"
)

// userKey is the context key for the authenticated user.
type userKey struct{}

// AuthMiddleware resolves the bearer API key to a user and stores it in the
// request context. Every user-facing operation is scoped by that user.
func AuthMiddleware(s store.UserStore) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				writeError(w, http.StatusUnauthorized, "Missing authorization header", "")
				return
			}

			parts := strings.Split(authHeader, " ")
			if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
				writeError(w, http.StatusUnauthorized, "Invalid authorization header", "")
				return
			}

			user, err := s.GetUserByAPIKeyHash(r.Context(), auth.HashKey(parts[1]))
			if err != nil && !errors.Is(err, sql.ErrNoRows) {
				writeError(w, http.StatusInternalServerError, "Internal server error", api.CodeInternal)
				return
			}
			if user == nil {
				writeError(w, http.StatusUnauthorized, "Invalid API key", "")
				return
			}

			ctx := NewContextWithUser(r.Context(), user)
			ctx = logger.WithUserID(ctx, user.ID.String())
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// NewContextWithUser returns a context carrying the authenticated user.
func NewContextWithUser(ctx context.Context, user *store.User) context.Context {
	return context.WithValue(ctx, userKey{}, user)
}

// UserFromContext returns the authenticated user, if any.
func UserFromContext(ctx context.Context) (*store.User, bool) {
	user, ok := ctx.Value(userKey{}).(*store.User)
	return user, ok && user != nil
}

// UserIDFromContext returns the authenticated user's ID.
func UserIDFromContext(ctx context.Context) (uuid.UUID, bool) {
	user, ok := UserFromContext(ctx)
	if !ok {
		return uuid.Nil, false
	}
	return user.ID, true
}

func writeError(w http.ResponseWriter, status int, message, code string) {
	if code == "" {
		code = http.StatusText(status)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(api.ErrorResponse{Error: message, Code: code})
}
