// Package handlers contains HTTP handlers for the controller API.
package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"genplane/internal/credits"
	"genplane/internal/events"
	"genplane/internal/keypool"
	"genplane/internal/pipeline"
	"genplane/internal/progress"
	"genplane/internal/store"
	"genplane/internal/supervisor"
	"genplane/pkg/api"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Pinger reports storage readiness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// JobRunner runs one generation job against a progress stream.
type JobRunner interface {
	Run(ctx context.Context, userID uuid.UUID, req api.GenerateRequest, em progress.Emitter) pipeline.Result
}

// Dispatcher hands post-commit events to the notifier.
type Dispatcher interface {
	Dispatch(evs ...events.Event)
}

// Ledger is the read and admin side of the credit ledger.
type Ledger interface {
	Balance(ctx context.Context, userID uuid.UUID) (credits.Balance, error)
	History(ctx context.Context, userID uuid.UUID, page, pageSize int) (credits.Page, error)
	UsageByFeature(ctx context.Context, userID uuid.UUID) ([]store.FeatureUsage, error)
	SetBalance(ctx context.Context, userID uuid.UUID, primary, secondary int64, reason string) (credits.Balance, error)
}

// KeyPool leases upstream keys to avatar sessions.
type KeyPool interface {
	LeaseFor(owner, sessionID string) (int, error)
	Held(sessionID string) (int, bool)
	Key(index int) string
	ReleaseFor(owner, sessionID string) error
	Status() keypool.Status
}

// Sidecar is the supervised avatar process.
type Sidecar interface {
	Start() error
	Stop() bool
	Restart(ctx context.Context) error
	Status(ctx context.Context) supervisor.Status
	Running() bool
}

// Deps are the handler collaborators. Sidecar is nil when the avatar
// feature is disabled.
type Deps struct {
	Users    store.UserStore
	Pinger   Pinger
	Ledger   Ledger
	Jobs     JobRunner
	Notifier Dispatcher
	Keys     KeyPool
	Sidecar  Sidecar
	Logger   *slog.Logger
	// GenerationCost gates the stream: callers below it get a 402 up front.
	GenerationCost int64
}

// Handlers holds all HTTP handlers and their dependencies.
type Handlers struct {
	users          store.UserStore
	pinger         Pinger
	ledger         Ledger
	jobs           JobRunner
	notifier       Dispatcher
	keys           KeyPool
	sidecar        Sidecar
	logger         *slog.Logger
	generationCost int64
	generateSchema *jsonschema.Schema
}

// New creates a new Handlers instance with the given dependencies.
func New(d Deps) *Handlers {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return &Handlers{
		users:          d.Users,
		pinger:         d.Pinger,
		ledger:         d.Ledger,
		jobs:           d.Jobs,
		notifier:       d.Notifier,
		keys:           d.Keys,
		sidecar:        d.Sidecar,
		logger:         d.Logger,
		generationCost: d.GenerationCost,
		generateSchema: mustCompileSchema("generate.json"),
	}
}

// A helper function to write standard JSON responses.
func (h *Handlers) respondJson(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}

// A helper function to return consistent error messages.
func (h *Handlers) httpError(w http.ResponseWriter, message string, code int) {
	h.respondJson(w, code, api.ErrorResponse{
		Error: message,
		Code:  strconv.Itoa(code),
	})
}

// httpErrorCode is httpError with a domain error code instead of the status.
func (h *Handlers) httpErrorCode(w http.ResponseWriter, message, code string, status int) {
	h.respondJson(w, status, api.ErrorResponse{
		Error: message,
		Code:  code,
	})
}
