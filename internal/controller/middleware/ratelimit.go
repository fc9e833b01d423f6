package middleware

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"genplane/pkg/api"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// ErrRateLimited is reported when a user exceeds the request rate.
var ErrRateLimited = errors.New("rate limited")

// RateLimiter enforces a per-user token bucket on expensive endpoints.
type RateLimiter struct {
	limit    rate.Limit
	burst    int
	ttl      time.Duration
	now      func() time.Time
	limiters sync.Map // user ID -> *cachedLimiter
}

type RateLimitOption func(*RateLimiter)

// WithTTL sets how long an idle user's bucket is kept.
func WithTTL(ttl time.Duration) RateLimitOption {
	return func(l *RateLimiter) { l.ttl = ttl }
}

// NewRateLimiter allows perSecond requests per user with the given burst.
// perSecond <= 0 disables limiting.
func NewRateLimiter(perSecond float64, burst int, opts ...RateLimitOption) *RateLimiter {
	if burst < 1 {
		burst = 1
	}
	l := &RateLimiter{
		limit: rate.Limit(perSecond),
		burst: burst,
		ttl:   5 * time.Minute,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Middleware must run after AuthMiddleware.
func (l *RateLimiter) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, ok := UserIDFromContext(r.Context())
			if !ok {
				writeError(w, http.StatusUnauthorized, "Unauthorized", "")
				return
			}

			if err := l.Allow(userID); err != nil {
				w.Header().Set("Retry-After", "1")
				writeError(w, http.StatusTooManyRequests, "Too Many Requests", api.CodeRateLimited)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Allow takes one token from the user's bucket or returns ErrRateLimited.
func (l *RateLimiter) Allow(userID uuid.UUID) error {
	if l.limit <= 0 {
		return nil
	}
	if !l.limiterFor(userID).Allow() {
		return ErrRateLimited
	}
	return nil
}

type cachedLimiter struct {
	limiter   *rate.Limiter
	expiresAt time.Time
}

func (l *RateLimiter) limiterFor(userID uuid.UUID) *rate.Limiter {
	now := l.now()
	if v, ok := l.limiters.Load(userID); ok {
		cached := v.(*cachedLimiter)
		if now.Before(cached.expiresAt) {
			return cached.limiter
		}
		// expired, start a fresh bucket
	}

	limiter := rate.NewLimiter(l.limit, l.burst)
	l.limiters.Store(userID, &cachedLimiter{
		limiter:   limiter,
		expiresAt: now.Add(l.ttl),
	})
	return limiter
}
