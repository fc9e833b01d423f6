// Package controller contains the controller-specific logic for the HTTP API.
package controller

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"genplane/internal/controller/handlers"
	"genplane/internal/controller/middleware"
	"genplane/internal/store"
)

// Options carries the optional parts of the router.
type Options struct {
	InternalSecret string
	// RateLimiter guards the generation and session endpoints. Nil disables it.
	RateLimiter *middleware.RateLimiter
	// Metrics serves /metrics when set.
	Metrics http.Handler
	// Blobs serves locally stored artifacts under /blobs/ when set.
	Blobs  http.Handler
	Logger *slog.Logger
}

// Server is the HTTP server for the controller API.
type Server struct {
	httpServer *http.Server
}

// New creates a new controller server.
func New(addr string, h *handlers.Handlers, users store.UserStore, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &Server{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           middleware.RequestID(opts.Logger)(routes(h, users, opts)),
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       10 * time.Second,
			// Generation streams stay open for minutes; SSE writes are bounded
			// by the poller instead.
			WriteTimeout: 0,
			IdleTimeout:  2 * time.Minute,
		},
	}
}

func routes(h *handlers.Handlers, users store.UserStore, opts Options) http.Handler {
	authMW := middleware.AuthMiddleware(users)
	adminMW := middleware.RequireInternalAuth(opts.InternalSecret)

	limited := func(next http.HandlerFunc) http.Handler {
		if opts.RateLimiter == nil {
			return authMW(next)
		}
		return authMW(opts.RateLimiter.Middleware()(next))
	}
	authed := func(next http.HandlerFunc) http.Handler { return authMW(next) }
	admin := func(next http.HandlerFunc) http.Handler { return adminMW(next) }

	mux := http.NewServeMux()

	// Health
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
	if opts.Metrics != nil {
		mux.Handle("GET /metrics", opts.Metrics)
	}
	if opts.Blobs != nil {
		mux.Handle("GET /blobs/", http.StripPrefix("/blobs/", opts.Blobs))
	}

	// Public authenticated apis
	mux.Handle("POST /generate/image-to-video", limited(h.GenerateImageToVideo))
	mux.Handle("GET /credits", authed(h.GetBalance))
	mux.Handle("GET /credits/history", authed(h.GetHistory))
	mux.Handle("GET /credits/usage", authed(h.GetUsage))
	mux.Handle("POST /avatar/sessions", limited(h.CreateAvatarSession))
	mux.Handle("DELETE /avatar/sessions/{id}", authed(h.DeleteAvatarSession))

	// Admin endpoints
	// These are called by operators via genctl and by the avatar sidecar.
	mux.Handle("POST /admin/users", admin(h.AdminCreateUser))
	mux.Handle("PUT /admin/credits/{user}", admin(h.AdminSetBalance))
	mux.Handle("GET /admin/keys", admin(h.AdminKeyPoolStatus))
	mux.Handle("GET /admin/avatar", admin(h.AdminSidecarStatus))
	mux.Handle("POST /admin/avatar/start", admin(h.AdminSidecarStart))
	mux.Handle("POST /admin/avatar/stop", admin(h.AdminSidecarStop))
	mux.Handle("POST /admin/avatar/restart", admin(h.AdminSidecarRestart))
	mux.Handle("GET /admin/avatar/sessions/{id}/key", admin(h.AdminSessionKey))

	return mux
}

// Run starts the HTTP server. It blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	serverErr := make(chan error, 1)

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return err
	case <-ctx.Done():
		shutDownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		return s.Shutdown(shutDownCtx)
	}
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
