// Package supervisor keeps one long-running sidecar process alive.
//
// Exits shortly after start count as crashes and are restarted with
// exponential backoff; too many crashes inside a window open a circuit
// breaker that disables automatic restarts until an explicit Restart.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"genplane/internal/observability"
)

// ErrProcessDisabled is returned by Start while the circuit breaker is open.
var ErrProcessDisabled = errors.New("sidecar disabled after repeated crashes")

type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateExited   State = "exited"
	StateDisabled State = "disabled"
)

type Config struct {
	Name   string
	Binary string
	Args   []string
	// Identity is matched against OS command lines by Discover and Restart.
	// Defaults to Binary.
	Identity string

	Env          map[string]string
	EnvAllowList []string

	CrashThreshold     time.Duration
	CrashWindow        time.Duration
	MaxCrashes         int
	BaseBackoff        time.Duration
	MaxBackoff         time.Duration
	NormalRestartDelay time.Duration
	TerminationGrace   time.Duration
}

// Status separates the process this supervisor owns from matching
// processes it merely observed on the host.
type Status struct {
	Name            string
	State           State
	Running         bool
	PID             int
	StartedAt       *time.Time
	Crashes         int
	LastCrash       *time.Time
	Disabled        bool
	DisabledReason  string
	IntentionalStop bool
	Unmanaged       []int32
	DiscoverError   string
}

// Clock abstracts time for the restart scheduler.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type Timer interface {
	Stop() bool
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

type Supervisor struct {
	cfg     Config
	spawner Spawner
	finder  ProcessFinder
	clock   Clock
	logger  *slog.Logger
	metrics *observability.Instruments

	// restartMu serializes Restart calls; mu guards everything below.
	restartMu sync.Mutex
	mu        sync.Mutex

	state           State
	proc            Process
	startedAt       time.Time
	crashes         int
	lastCrash       time.Time
	disabled        bool
	disabledReason  string
	intentionalStop bool
	timer           Timer
}

type Option func(*Supervisor)

func WithClock(c Clock) Option {
	return func(s *Supervisor) { s.clock = c }
}

func WithMetrics(m *observability.Instruments) Option {
	return func(s *Supervisor) { s.metrics = m }
}

func New(cfg Config, spawner Spawner, finder ProcessFinder, logger *slog.Logger, opts ...Option) *Supervisor {
	if cfg.Identity == "" {
		cfg.Identity = cfg.Binary
	}
	if cfg.Name == "" {
		cfg.Name = "sidecar"
	}
	if cfg.MaxCrashes < 1 {
		cfg.MaxCrashes = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Supervisor{
		cfg:     cfg,
		spawner: spawner,
		finder:  finder,
		clock:   realClock{},
		logger:  logger.With("sidecar", cfg.Name),
		state:   StateStopped,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Backoff returns min(base * 2^(n-1), ceiling) for the nth crash.
func Backoff(n int, base, ceiling time.Duration) time.Duration {
	if n < 1 {
		n = 1
	}
	d := base
	for i := 1; i < n; i++ {
		d *= 2
		if d >= ceiling {
			return ceiling
		}
	}
	return min(d, ceiling)
}

// Start spawns the sidecar unless it is already running or disabled.
func (s *Supervisor) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.disabled {
		return ErrProcessDisabled
	}
	if s.proc != nil {
		return nil
	}
	s.intentionalStop = false
	s.stopTimerLocked()
	return s.spawnLocked()
}

// Stop kills the managed process and suppresses automatic restarts.
// It reports whether a process was running.
func (s *Supervisor) Stop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.intentionalStop = true
	s.stopTimerLocked()
	if !s.disabled {
		s.state = StateStopped
	}

	if s.proc == nil {
		return false
	}
	proc := s.proc
	s.proc = nil
	if err := proc.Kill(); err != nil {
		s.logger.Warn("failed to kill sidecar", "pid", proc.Pid(), "error", err)
	}
	s.logger.Info("sidecar stopped", "pid", proc.Pid())
	return true
}

// Restart clears the circuit breaker, kills every process matching the
// sidecar identity (managed or not), waits for the termination grace and
// starts a fresh process.
func (s *Supervisor) Restart(ctx context.Context) error {
	s.restartMu.Lock()
	defer s.restartMu.Unlock()

	s.mu.Lock()
	s.disabled = false
	s.disabledReason = ""
	s.crashes = 0
	s.lastCrash = time.Time{}
	s.intentionalStop = true
	s.stopTimerLocked()
	if s.proc != nil {
		proc := s.proc
		s.proc = nil
		if err := proc.Kill(); err != nil {
			s.logger.Warn("failed to kill sidecar", "pid", proc.Pid(), "error", err)
		}
	}
	s.state = StateStopped
	s.mu.Unlock()

	if s.finder != nil {
		pids, err := s.finder.Find(ctx, s.cfg.Identity)
		if err != nil {
			s.logger.Warn("failed to list sidecar processes", "error", err)
		}
		for _, pid := range pids {
			if err := s.finder.Kill(ctx, pid); err != nil {
				s.logger.Warn("failed to kill orphaned sidecar", "pid", pid, "error", err)
				continue
			}
			s.logger.Info("killed orphaned sidecar", "pid", pid)
		}
	}

	if s.cfg.TerminationGrace > 0 {
		t := time.NewTimer(s.cfg.TerminationGrace)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}

	s.metrics.SidecarRestart(ctx, "manual")

	s.mu.Lock()
	defer s.mu.Unlock()
	s.intentionalStop = false
	if s.proc != nil {
		return nil
	}
	return s.spawnLocked()
}

// Status reports the managed process and, separately, any unmanaged
// processes on the host matching the sidecar identity.
func (s *Supervisor) Status(ctx context.Context) Status {
	st := s.managedStatus()

	unmanaged, err := s.Discover(ctx)
	if err != nil {
		st.DiscoverError = err.Error()
	}
	st.Unmanaged = unmanaged
	return st
}

// Running reports whether the managed process is up. It never consults the
// OS process table.
func (s *Supervisor) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.proc != nil
}

// Discover lists host processes matching the sidecar identity, excluding
// the one this supervisor manages.
func (s *Supervisor) Discover(ctx context.Context) ([]int32, error) {
	if s.finder == nil {
		return nil, nil
	}
	pids, err := s.finder.Find(ctx, s.cfg.Identity)
	if err != nil {
		return nil, fmt.Errorf("discover %s processes: %w", s.cfg.Name, err)
	}

	s.mu.Lock()
	managed := int32(-1)
	if s.proc != nil {
		managed = int32(s.proc.Pid())
	}
	s.mu.Unlock()

	return slices.DeleteFunc(pids, func(pid int32) bool { return pid == managed }), nil
}

func (s *Supervisor) managedStatus() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		Name:            s.cfg.Name,
		State:           s.state,
		Running:         s.proc != nil,
		Crashes:         s.crashes,
		Disabled:        s.disabled,
		DisabledReason:  s.disabledReason,
		IntentionalStop: s.intentionalStop,
	}
	if s.proc != nil {
		st.PID = s.proc.Pid()
		started := s.startedAt
		st.StartedAt = &started
	}
	if !s.lastCrash.IsZero() {
		lc := s.lastCrash
		st.LastCrash = &lc
	}
	return st
}

func (s *Supervisor) spawnLocked() error {
	s.state = StateStarting
	env := FilterEnv(environ(), s.cfg.Env, s.cfg.EnvAllowList)

	proc, err := s.spawner.Spawn(Command{
		Path:   s.cfg.Binary,
		Args:   s.cfg.Args,
		Env:    env,
		Stdout: newLineLogger(s.logger, "stdout"),
		Stderr: newLineLogger(s.logger, "stderr"),
	})
	if err != nil {
		s.state = StateExited
		s.logger.Error("failed to spawn sidecar", "binary", s.cfg.Binary, "error", err)
		s.crashLocked(0)
		return fmt.Errorf("spawn %s: %w", s.cfg.Name, err)
	}

	s.proc = proc
	s.startedAt = s.clock.Now()
	s.state = StateRunning
	s.logger.Info("sidecar started", "pid", proc.Pid(), "binary", s.cfg.Binary)

	go s.watch(proc)
	return nil
}

// watch is the single exit watcher for one process lifetime.
func (s *Supervisor) watch(proc Process) {
	err := proc.Wait()
	s.handleExit(proc, err)
}

func (s *Supervisor) handleExit(proc Process, waitErr error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Stop and Restart detach the process before killing it.
	if s.proc != proc {
		return
	}
	s.proc = nil
	uptime := s.clock.Now().Sub(s.startedAt)

	if s.intentionalStop {
		s.state = StateStopped
		return
	}

	if uptime < s.cfg.CrashThreshold {
		s.state = StateExited
		s.logger.Warn("sidecar crashed", "pid", proc.Pid(), "uptime", uptime, "error", waitErr)
		s.crashLocked(uptime)
		return
	}

	s.state = StateExited
	s.crashes = 0
	s.logger.Info("sidecar exited", "pid", proc.Pid(), "uptime", uptime, "error", waitErr,
		"restart_in", s.cfg.NormalRestartDelay)
	s.scheduleLocked(s.cfg.NormalRestartDelay, "normal")
}

// crashLocked counts a crash and either schedules a backoff restart or
// opens the circuit breaker.
func (s *Supervisor) crashLocked(uptime time.Duration) {
	now := s.clock.Now()
	if !s.lastCrash.IsZero() && now.Sub(s.lastCrash) > s.cfg.CrashWindow {
		s.crashes = 0
	}
	s.crashes++
	s.lastCrash = now

	if s.crashes >= s.cfg.MaxCrashes {
		s.disabled = true
		s.disabledReason = fmt.Sprintf("crashed %d times within %s (last uptime %s)",
			s.crashes, s.cfg.CrashWindow, uptime.Round(time.Millisecond))
		s.state = StateDisabled
		s.stopTimerLocked()
		s.logger.Error("sidecar disabled", "reason", s.disabledReason)
		return
	}

	delay := Backoff(s.crashes, s.cfg.BaseBackoff, s.cfg.MaxBackoff)
	s.logger.Info("scheduling sidecar restart", "crashes", s.crashes, "delay", delay)
	s.scheduleLocked(delay, "crash")
}

func (s *Supervisor) scheduleLocked(delay time.Duration, cause string) {
	s.stopTimerLocked()

	var t Timer
	t = s.clock.AfterFunc(delay, func() {
		s.mu.Lock()
		defer s.mu.Unlock()

		// superseded by Stop, Restart or a newer schedule
		if s.timer != t {
			return
		}
		s.timer = nil
		if s.disabled || s.intentionalStop || s.proc != nil {
			return
		}
		s.metrics.SidecarRestart(context.Background(), cause)
		_ = s.spawnLocked()
	})
	s.timer = t
}

func (s *Supervisor) stopTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}
