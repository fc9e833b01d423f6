package supervisor

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"

	"github.com/shirou/gopsutil/v3/process"
)

// Command describes one sidecar launch.
type Command struct {
	Path   string
	Args   []string
	Env    []string
	Stdout io.Writer
	Stderr io.Writer
}

// Process is a running sidecar.
type Process interface {
	Pid() int
	// Wait blocks until the process exits.
	Wait() error
	Kill() error
}

type Spawner interface {
	Spawn(cmd Command) (Process, error)
}

// ExecSpawner starts sidecars as child processes.
type ExecSpawner struct{}

func (ExecSpawner) Spawn(c Command) (Process, error) {
	cmd := exec.Command(c.Path, c.Args...)
	cmd.Env = c.Env
	cmd.Stdout = c.Stdout
	cmd.Stderr = c.Stderr
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &execProcess{cmd: cmd}, nil
}

type execProcess struct {
	cmd *exec.Cmd
}

func (p *execProcess) Pid() int    { return p.cmd.Process.Pid }
func (p *execProcess) Wait() error { return p.cmd.Wait() }
func (p *execProcess) Kill() error { return p.cmd.Process.Kill() }

// ProcessFinder locates host processes by command line.
type ProcessFinder interface {
	Find(ctx context.Context, identity string) ([]int32, error)
	Kill(ctx context.Context, pid int32) error
}

// HostProcessFinder reads the OS process table through gopsutil.
type HostProcessFinder struct{}

func (HostProcessFinder) Find(ctx context.Context, identity string) ([]int32, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}

	self := int32(os.Getpid())
	var pids []int32
	for _, p := range procs {
		if p.Pid == self {
			continue
		}
		cmdline, err := p.CmdlineWithContext(ctx)
		if err != nil || cmdline == "" {
			// exited while listing, or no permission
			continue
		}
		if strings.Contains(cmdline, identity) {
			pids = append(pids, p.Pid)
		}
	}
	return pids, nil
}

func (HostProcessFinder) Kill(ctx context.Context, pid int32) error {
	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return err
	}
	return p.KillWithContext(ctx)
}

var environ = os.Environ

// FilterEnv builds the sidecar environment: the inherited environment
// overlaid with extra, keeping only allow-listed names.
func FilterEnv(inherited []string, extra map[string]string, allow []string) []string {
	allowed := make(map[string]bool, len(allow))
	for _, name := range allow {
		allowed[name] = true
	}

	merged := make(map[string]string)
	for _, kv := range inherited {
		name, value, ok := strings.Cut(kv, "=")
		if ok && allowed[name] {
			merged[name] = value
		}
	}
	for name, value := range extra {
		if allowed[name] {
			merged[name] = value
		}
	}

	env := make([]string, 0, len(merged))
	for name, value := range merged {
		env = append(env, name+"="+value)
	}
	sort.Strings(env)
	return env
}

// lineLogger turns sidecar output into one log record per line.
type lineLogger struct {
	mu     sync.Mutex
	logger *slog.Logger
	stream string
	buf    bytes.Buffer
}

func newLineLogger(logger *slog.Logger, stream string) *lineLogger {
	return &lineLogger{logger: logger, stream: stream}
}

func (w *lineLogger) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf.Write(p)
	for {
		line, err := w.buf.ReadString('\n')
		if err != nil {
			// keep the partial line for the next write
			w.buf.Reset()
			w.buf.WriteString(line)
			break
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			continue
		}
		if w.stream == "stderr" {
			w.logger.Warn(line, "stream", w.stream)
		} else {
			w.logger.Info(line, "stream", w.stream)
		}
	}
	return len(p), nil
}
