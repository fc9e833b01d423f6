package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// RequireInternalAuth guards the admin surface with the shared system secret.
// An empty secret rejects every request.
func RequireInternalAuth(systemSecret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				writeError(w, http.StatusUnauthorized, "Missing authorization header", "")
				return
			}

			parts := strings.Split(authHeader, " ")
			if len(parts) != 2 || parts[0] != "Bearer" {
				writeError(w, http.StatusUnauthorized, "Invalid authorization header", "")
				return
			}

			if systemSecret == "" || subtle.ConstantTimeCompare([]byte(parts[1]), []byte(systemSecret)) != 1 {
				writeError(w, http.StatusUnauthorized, "Invalid authorization token", "")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
