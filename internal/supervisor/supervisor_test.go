package supervisor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProcess struct {
	pid      int
	exitOnce sync.Once
	exited   chan struct{}
	err      error
	killed   bool
}

func (p *fakeProcess) Pid() int { return p.pid }

func (p *fakeProcess) Wait() error {
	<-p.exited
	return p.err
}

func (p *fakeProcess) Kill() error {
	p.killed = true
	p.exit(errors.New("signal: killed"))
	return nil
}

func (p *fakeProcess) exit(err error) {
	p.exitOnce.Do(func() {
		p.err = err
		close(p.exited)
	})
}

type fakeSpawner struct {
	mu       sync.Mutex
	procs    []*fakeProcess
	commands []Command
	err      error
}

func (s *fakeSpawner) Spawn(c Command) (Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	p := &fakeProcess{pid: 1000 + len(s.procs), exited: make(chan struct{})}
	s.procs = append(s.procs, p)
	s.commands = append(s.commands, c)
	return p, nil
}

func (s *fakeSpawner) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.procs)
}

func (s *fakeSpawner) last() *fakeProcess {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.procs[len(s.procs)-1]
}

type fakeTimer struct {
	clock   *fakeClock
	delay   time.Duration
	fn      func()
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	was := !t.stopped
	t.stopped = true
	return was
}

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, delay: d, fn: f}
	c.timers = append(c.timers, t)
	return t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// pending returns timers that were neither stopped nor fired.
func (c *fakeClock) pending() []*fakeTimer {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped {
			out = append(out, t)
		}
	}
	return out
}

// fire runs the single pending timer and returns its delay.
func (c *fakeClock) fire(t *testing.T) time.Duration {
	t.Helper()
	var timer *fakeTimer
	require.Eventually(t, func() bool {
		p := c.pending()
		if len(p) != 1 {
			return false
		}
		timer = p[0]
		return true
	}, time.Second, time.Millisecond)

	timer.Stop()
	timer.fn()
	return timer.delay
}

type fakeFinder struct {
	mu     sync.Mutex
	pids   []int32
	killed []int32
}

func (f *fakeFinder) Find(ctx context.Context, identity string) ([]int32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int32(nil), f.pids...), nil
}

func (f *fakeFinder) Kill(ctx context.Context, pid int32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed = append(f.killed, pid)
	return nil
}

func testConfig() Config {
	return Config{
		Name:               "avatar",
		Binary:             "/opt/avatar/agent",
		Args:               []string{"start"},
		CrashThreshold:     60 * time.Second,
		CrashWindow:        10 * time.Minute,
		MaxCrashes:         3,
		BaseBackoff:        time.Second,
		MaxBackoff:         30 * time.Second,
		NormalRestartDelay: 2 * time.Second,
	}
}

func newTestSupervisor(cfg Config) (*Supervisor, *fakeSpawner, *fakeClock, *fakeFinder) {
	spawner := &fakeSpawner{}
	clock := newFakeClock()
	finder := &fakeFinder{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(cfg, spawner, finder, logger, WithClock(clock)), spawner, clock, finder
}

func waitState(t *testing.T, s *Supervisor, want State) {
	t.Helper()
	require.Eventually(t, func() bool {
		return s.managedStatus().State == want
	}, time.Second, time.Millisecond, "state never became %s", want)
}

func TestBackoff(t *testing.T) {
	cases := map[int]time.Duration{
		1: time.Second,
		2: 2 * time.Second,
		3: 4 * time.Second,
		5: 16 * time.Second,
		6: 30 * time.Second,
		20: 30 * time.Second,
	}
	for n, want := range cases {
		assert.Equal(t, want, Backoff(n, time.Second, 30*time.Second), "n=%d", n)
	}
}

func TestCrashLoop_OpensCircuitBreaker(t *testing.T) {
	s, spawner, clock, _ := newTestSupervisor(testConfig())

	require.NoError(t, s.Start())
	require.Equal(t, 1, spawner.count())

	// first crash: restart after 1s
	clock.advance(5 * time.Second)
	spawner.last().exit(errors.New("exit status 1"))
	waitState(t, s, StateExited)
	assert.Equal(t, time.Second, clock.fire(t))
	require.Equal(t, 2, spawner.count())

	// second crash: restart after 2s
	clock.advance(5 * time.Second)
	spawner.last().exit(errors.New("exit status 1"))
	waitState(t, s, StateExited)
	assert.Equal(t, 2*time.Second, clock.fire(t))
	require.Equal(t, 3, spawner.count())

	// third crash trips the breaker
	clock.advance(5 * time.Second)
	spawner.last().exit(errors.New("exit status 1"))
	waitState(t, s, StateDisabled)

	st := s.Status(context.Background())
	assert.True(t, st.Disabled)
	assert.NotEmpty(t, st.DisabledReason)
	assert.Equal(t, 3, st.Crashes)
	assert.False(t, st.Running)
	assert.Empty(t, clock.pending())
	assert.Equal(t, 3, spawner.count())

	assert.ErrorIs(t, s.Start(), ErrProcessDisabled)
	assert.Equal(t, 3, spawner.count())

	// manual restart clears the breaker
	require.NoError(t, s.Restart(context.Background()))
	st = s.Status(context.Background())
	assert.False(t, st.Disabled)
	assert.Equal(t, 0, st.Crashes)
	assert.True(t, st.Running)
	assert.Equal(t, 4, spawner.count())
}

func TestNormalExit_RestartsAndResetsCounter(t *testing.T) {
	s, spawner, clock, _ := newTestSupervisor(testConfig())

	require.NoError(t, s.Start())
	clock.advance(5 * time.Second)
	spawner.last().exit(errors.New("exit status 1"))
	waitState(t, s, StateExited)
	clock.fire(t)
	require.Equal(t, 1, s.managedStatus().Crashes)

	// long-lived run before exiting is not a crash
	clock.advance(2 * time.Hour)
	spawner.last().exit(nil)
	waitState(t, s, StateExited)
	assert.Equal(t, 0, s.managedStatus().Crashes)
	assert.Equal(t, 2*time.Second, clock.fire(t))
	assert.Equal(t, 3, spawner.count())
	assert.True(t, s.Running())
}

func TestCrashWindow_ResetsCounter(t *testing.T) {
	s, spawner, clock, _ := newTestSupervisor(testConfig())

	require.NoError(t, s.Start())
	clock.advance(5 * time.Second)
	spawner.last().exit(errors.New("boom"))
	waitState(t, s, StateExited)
	clock.advance(5 * time.Second)
	clock.fire(t)

	clock.advance(5 * time.Second)
	spawner.last().exit(errors.New("boom"))
	waitState(t, s, StateExited)
	require.Equal(t, 2, s.managedStatus().Crashes)

	// next start happens long after the window closed
	clock.advance(11 * time.Minute)
	clock.fire(t)
	clock.advance(5 * time.Second)
	spawner.last().exit(errors.New("boom"))
	waitState(t, s, StateExited)

	st := s.managedStatus()
	assert.Equal(t, 1, st.Crashes)
	assert.False(t, st.Disabled)
}

func TestStop_IsIntentional(t *testing.T) {
	s, spawner, clock, _ := newTestSupervisor(testConfig())

	assert.False(t, s.Stop(), "nothing running yet")

	require.NoError(t, s.Start())
	proc := spawner.last()
	assert.True(t, s.Stop())
	assert.True(t, proc.killed)

	st := s.managedStatus()
	assert.Equal(t, StateStopped, st.State)
	assert.True(t, st.IntentionalStop)
	assert.False(t, st.Running)

	// give the exit watcher time to run; it must not schedule a restart
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, clock.pending())
	assert.Equal(t, 0, s.managedStatus().Crashes)
	assert.Equal(t, 1, spawner.count())

	// explicit start clears the flag
	require.NoError(t, s.Start())
	assert.False(t, s.managedStatus().IntentionalStop)
	assert.Equal(t, 2, spawner.count())
}

func TestStop_CancelsPendingRestart(t *testing.T) {
	s, spawner, clock, _ := newTestSupervisor(testConfig())

	require.NoError(t, s.Start())
	clock.advance(time.Second)
	spawner.last().exit(errors.New("boom"))
	require.Eventually(t, func() bool { return len(clock.pending()) == 1 }, time.Second, time.Millisecond)

	assert.False(t, s.Stop())
	assert.Empty(t, clock.pending())
}

func TestStart_AlreadyRunningIsNoop(t *testing.T) {
	s, spawner, _, _ := newTestSupervisor(testConfig())
	require.NoError(t, s.Start())
	require.NoError(t, s.Start())
	assert.Equal(t, 1, spawner.count())
}

func TestStart_SpawnFailureCountsAsCrash(t *testing.T) {
	s, spawner, clock, _ := newTestSupervisor(testConfig())
	spawner.err = errors.New("no such file")

	require.Error(t, s.Start())
	st := s.managedStatus()
	assert.Equal(t, 1, st.Crashes)
	assert.Len(t, clock.pending(), 1)
}

func TestStatus_SeparatesUnmanaged(t *testing.T) {
	s, spawner, _, finder := newTestSupervisor(testConfig())
	require.NoError(t, s.Start())

	managed := int32(spawner.last().Pid())
	finder.pids = []int32{managed, 4242}

	st := s.Status(context.Background())
	assert.Equal(t, int(managed), st.PID)
	assert.True(t, st.Running)
	assert.Equal(t, []int32{4242}, st.Unmanaged)

	require.True(t, s.Stop())
	finder.pids = []int32{4242}
	st = s.Status(context.Background())
	assert.False(t, st.Running)
	assert.Equal(t, []int32{4242}, st.Unmanaged)
}

func TestRestart_KillsOrphans(t *testing.T) {
	s, spawner, _, finder := newTestSupervisor(testConfig())
	finder.pids = []int32{4242, 4343}

	require.NoError(t, s.Restart(context.Background()))
	assert.Equal(t, []int32{4242, 4343}, finder.killed)
	assert.Equal(t, 1, spawner.count())
	assert.True(t, s.Running())
}

func TestSpawn_EnvIsAllowListed(t *testing.T) {
	orig := environ
	environ = func() []string {
		return []string{"PATH=/usr/bin", "DATABASE_URL=postgres://secret", "HOME=/root"}
	}
	defer func() { environ = orig }()

	cfg := testConfig()
	cfg.EnvAllowList = []string{"PATH", "AVATAR_API_KEY"}
	cfg.Env = map[string]string{"AVATAR_API_KEY": "k", "UNLISTED": "x"}

	s, spawner, _, _ := newTestSupervisor(cfg)
	require.NoError(t, s.Start())

	assert.Equal(t, []string{"AVATAR_API_KEY=k", "PATH=/usr/bin"}, spawner.commands[0].Env)
	assert.Equal(t, "/opt/avatar/agent", spawner.commands[0].Path)
	assert.Equal(t, []string{"start"}, spawner.commands[0].Args)
}
