package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// Stdio carries the standard streams handed to a backend. Stdout and Stderr
// are the write ends of the engine's pipes.
type Stdio struct {
	Stdin  io.Reader
	Stdout *os.File
	Stderr *os.File
}

// Backend normalizes one process-creation mechanism.
// OnTerminate must be registered before Start; the callback fires exactly
// once, after the OS has reaped the child.
type Backend interface {
	Name() string
	Configure(spec LaunchSpec, stdio Stdio)
	Start(ctx context.Context) error
	Running() bool
	Pid() int
	Status() Status
	Interrupt() error
	Terminate() error
	Kill() error
	OnTerminate(fn func(Status))
}

// Strategy selects a Backend implementation.
type Strategy int

// Backend strategies.
const (
	StrategyDirect Strategy = iota
	StrategyElevated
	StrategyScriptHosted
)

func (s Strategy) String() string {
	switch s {
	case StrategyElevated:
		return "elevated"
	case StrategyScriptHosted:
		return "script"
	default:
		return "direct"
	}
}

// ParseStrategy parses the String form of a Strategy. Empty means direct.
func ParseStrategy(s string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "direct":
		return StrategyDirect, nil
	case "elevated", "sudo", "privileged":
		return StrategyElevated, nil
	case "script", "script-hosted", "osascript":
		return StrategyScriptHosted, nil
	default:
		return StrategyDirect, fmt.Errorf("unknown backend %q", s)
	}
}

// BackendDeps are the shared services a backend may need.
type BackendDeps struct {
	Authority  *Authority
	ScriptHost ScriptHost
	Logger     *slog.Logger
}

// NewBackend builds the backend for strategy.
func NewBackend(strategy Strategy, deps BackendDeps) (Backend, error) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	switch strategy {
	case StrategyDirect:
		return NewDirectBackend(logger), nil
	case StrategyElevated:
		if deps.Authority == nil {
			return nil, errors.New("elevated backend requires an Authority")
		}
		return NewElevatedBackend(deps.Authority, logger), nil
	case StrategyScriptHosted:
		return NewScriptHostedBackend(deps.ScriptHost, logger), nil
	default:
		return nil, fmt.Errorf("unknown backend strategy %d", strategy)
	}
}

// execBackend is the exec.Cmd machinery shared by every strategy; the
// strategies differ only in how the LaunchSpec is turned into a command line.
type execBackend struct {
	name   string
	logger *slog.Logger

	mu          sync.Mutex
	spec        LaunchSpec
	stdio       Stdio
	cmd         *exec.Cmd
	running     bool
	status      Status
	onTerminate func(Status)
}

func (b *execBackend) Name() string { return b.name }

func (b *execBackend) Configure(spec LaunchSpec, stdio Stdio) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.spec = spec
	b.stdio = stdio
}

func (b *execBackend) OnTerminate(fn func(Status)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onTerminate = fn
}

func (b *execBackend) Running() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.running
}

func (b *execBackend) Pid() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cmd == nil || b.cmd.Process == nil {
		return 0
	}
	return b.cmd.Process.Pid
}

func (b *execBackend) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status
}

func (b *execBackend) Interrupt() error { return b.signal(unix.SIGINT) }
func (b *execBackend) Terminate() error { return b.signal(unix.SIGTERM) }
func (b *execBackend) Kill() error      { return b.signal(unix.SIGKILL) }

func (b *execBackend) configured() (LaunchSpec, Stdio) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.spec, b.stdio
}

// launch starts the already-translated command line.
func (b *execBackend) launch(spec LaunchSpec, env []string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.cmd != nil {
		return errors.New("backend already started")
	}
	if spec.Path == "" {
		return ErrEmptyCommand
	}

	cmd := exec.Command(spec.Path, spec.Args...)
	cmd.Env = env
	cmd.Dir = spec.Dir
	cmd.Stdout = b.stdio.Stdout
	cmd.Stderr = b.stdio.Stderr
	if stdin := spec.Stdin; stdin != nil {
		cmd.Stdin = stdin
		// a non-file stdin is copied by exec; don't let a blocked reader hold Wait
		cmd.WaitDelay = 2 * time.Second
	} else if b.stdio.Stdin != nil {
		cmd.Stdin = b.stdio.Stdin
		cmd.WaitDelay = 2 * time.Second
	}
	configureSysProcAttr(cmd)

	if err := cmd.Start(); err != nil {
		return err
	}
	b.cmd = cmd
	b.running = true
	b.logger.Debug("Backend started process", "backend", b.name, "pid", cmd.Process.Pid, "command", spec.String())

	go b.wait(cmd)
	return nil
}

func (b *execBackend) wait(cmd *exec.Cmd) {
	err := cmd.Wait()
	status := statusFromWait(cmd.ProcessState, err)

	b.mu.Lock()
	b.status = status
	b.running = false
	fn := b.onTerminate
	b.mu.Unlock()

	if fn != nil {
		fn(status)
	}
}

// signal delivers sig to the child's process group. A group that is already
// gone is not an error.
func (b *execBackend) signal(sig syscall.Signal) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cmd == nil || b.cmd.Process == nil {
		return ErrNotStarted
	}
	if !b.running {
		return nil
	}
	if err := signalGroup(b.cmd.Process.Pid, sig); err != nil {
		if errors.Is(err, unix.ESRCH) || errors.Is(err, os.ErrProcessDone) {
			return nil
		}
		return fmt.Errorf("signal %s to %d: %w", signalName(sig), b.cmd.Process.Pid, err)
	}
	b.logger.Debug("Signalled process group", "backend", b.name, "pid", b.cmd.Process.Pid, "signal", signalName(sig))
	return nil
}
