package handlers

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"genplane/internal/controller/middleware"
	"genplane/internal/credits"
	"genplane/internal/events"
	"genplane/internal/keypool"
	"genplane/internal/pipeline"
	"genplane/internal/progress"
	"genplane/internal/store"
	"genplane/internal/store/memory"
	"genplane/internal/supervisor"
	"genplane/pkg/api"

	"github.com/google/uuid"
)

// Mock Store
type mockStore struct {
	createUserErr error
	pingErr       error

	// Spies (to verify arguments passed by handlers)
	createdUser *store.User
	createdHash string
}

func (m *mockStore) CreateUser(ctx context.Context, user *store.User, hashedKey string) error {
	m.createdUser = user
	m.createdHash = hashedKey
	return m.createUserErr
}

func (m *mockStore) GetUserByAPIKeyHash(ctx context.Context, hash string) (*store.User, error) {
	return nil, nil // Handled by Auth Middleware, not Handlers
}

func (m *mockStore) Ping(ctx context.Context) error {
	return m.pingErr
}

// mockJobs emits a canned event sequence instead of running a real job.
type mockJobs struct {
	events  []progress.Recorded
	result  pipeline.Result
	gotUser uuid.UUID
	gotReq  api.GenerateRequest
}

func (m *mockJobs) Run(ctx context.Context, userID uuid.UUID, req api.GenerateRequest, em progress.Emitter) pipeline.Result {
	m.gotUser = userID
	m.gotReq = req
	for _, e := range m.events {
		em.Emit(e.Event, e.Payload)
	}
	em.Close()
	if m.result.Job == nil {
		m.result.Job = &pipeline.Job{ID: "job-1", Stage: pipeline.StageComplete}
	}
	return m.result
}

type mockNotifier struct {
	mu         sync.Mutex
	dispatched []events.Event
}

func (m *mockNotifier) Dispatch(evs ...events.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dispatched = append(m.dispatched, evs...)
}

type mockSidecar struct {
	running    bool
	status     supervisor.Status
	startErr   error
	restartErr error
	restarted  bool
}

func (m *mockSidecar) Start() error {
	if m.startErr != nil {
		return m.startErr
	}
	m.running = true
	return nil
}

func (m *mockSidecar) Stop() bool {
	was := m.running
	m.running = false
	return was
}

func (m *mockSidecar) Restart(ctx context.Context) error {
	if m.restartErr != nil {
		return m.restartErr
	}
	m.restarted = true
	m.running = true
	return nil
}

func (m *mockSidecar) Status(ctx context.Context) supervisor.Status {
	st := m.status
	st.Running = m.running
	return st
}

func (m *mockSidecar) Running() bool { return m.running }

type testEnv struct {
	h        *Handlers
	store    *mockStore
	ledger   *credits.Ledger
	keys     *keypool.Pool
	jobs     *mockJobs
	notifier *mockNotifier
	sidecar  *mockSidecar
	user     *store.User
}

func newTestEnv(withSidecar bool) *testEnv {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	env := &testEnv{
		store:    &mockStore{},
		ledger:   credits.NewLedger(memory.New(), credits.RefundPrimary),
		keys:     keypool.New([]string{"key-a", "key-b"}, logger),
		jobs:     &mockJobs{},
		notifier: &mockNotifier{},
		user:     &store.User{ID: uuid.New(), Name: "studio-a", CreatedAt: time.Now()},
	}
	deps := Deps{
		Users:          env.store,
		Pinger:         env.store,
		Ledger:         env.ledger,
		Jobs:           env.jobs,
		Notifier:       env.notifier,
		Keys:           env.keys,
		Logger:         logger,
		GenerationCost: 160,
	}
	if withSidecar {
		env.sidecar = &mockSidecar{running: true, status: supervisor.Status{Name: "avatar", State: supervisor.StateRunning}}
		deps.Sidecar = env.sidecar
	}
	env.h = New(deps)
	return env
}

// userContext injects the authenticated user the way AuthMiddleware does.
func (e *testEnv) userContext(ctx context.Context) context.Context {
	return middleware.NewContextWithUser(ctx, e.user)
}
