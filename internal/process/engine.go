package process

import (
	"context"
	"log/slog"
	"maps"
	"time"

	"github.com/google/uuid"
	"github.com/smazurov/procexec/internal/events"
)

// Defaults for EngineOptions.
const (
	DefaultGracePeriod = 5 * time.Second
	DefaultKillTimeout = 5 * time.Second
)

// EngineOptions configures an Engine. The zero value is usable: direct
// backend, no stall watchdog, private registry, slog.Default logger.
type EngineOptions struct {
	// Env holds engine-wide environment defaults, layered over the
	// inherited environment and under per-call overrides.
	Env map[string]string
	// Dir is the default working directory.
	Dir string

	Strategy    Strategy
	StallWindow time.Duration
	GracePeriod time.Duration
	KillTimeout time.Duration

	Authority  *Authority
	ScriptHost ScriptHost
	Registry   *Registry
	Bus        *events.Bus
	Logger     *slog.Logger
}

// Engine creates managed processes that share defaults and services.
type Engine struct {
	opts     EngineOptions
	registry *Registry
	logger   *slog.Logger
}

// NewEngine creates an engine.
func NewEngine(opts EngineOptions) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	registry := opts.Registry
	if registry == nil {
		registry = NewRegistry(logger)
	}
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = DefaultGracePeriod
	}
	if opts.KillTimeout <= 0 {
		opts.KillTimeout = DefaultKillTimeout
	}
	return &Engine{opts: opts, registry: registry, logger: logger}
}

// Registry returns the registry of live processes.
func (e *Engine) Registry() *Registry { return e.registry }

// Option customizes a single ManagedProcess.
type Option func(*processOptions)

type processOptions struct {
	strategy    Strategy
	backend     Backend
	env         map[string]string
	dir         string
	stallWindow time.Duration
	gracePeriod time.Duration
	killTimeout time.Duration
	onStdout    LineHandler
	onStderr    LineHandler
}

// WithStrategy selects the backend strategy for this process.
func WithStrategy(s Strategy) Option {
	return func(o *processOptions) { o.strategy = s }
}

// WithBackend supplies a ready backend, bypassing strategy selection.
func WithBackend(b Backend) Option {
	return func(o *processOptions) { o.backend = b }
}

// WithEnv adds per-call environment overrides.
func WithEnv(env map[string]string) Option {
	return func(o *processOptions) {
		if o.env == nil {
			o.env = make(map[string]string, len(env))
		}
		maps.Copy(o.env, env)
	}
}

// WithDir sets the per-call working directory.
func WithDir(dir string) Option {
	return func(o *processOptions) { o.dir = dir }
}

// WithStallWindow sets the quiescence window after which a silent child is
// interrupted. Zero disables the watchdog.
func WithStallWindow(d time.Duration) Option {
	return func(o *processOptions) { o.stallWindow = d }
}

// WithGracePeriod sets how long Terminate waits before escalating to SIGKILL.
func WithGracePeriod(d time.Duration) Option {
	return func(o *processOptions) { o.gracePeriod = d }
}

// WithStdoutLine registers a progress callback for complete stdout lines.
func WithStdoutLine(fn LineHandler) Option {
	return func(o *processOptions) { o.onStdout = fn }
}

// WithStderrLine registers a progress callback for complete stderr lines.
func WithStderrLine(fn LineHandler) Option {
	return func(o *processOptions) { o.onStderr = fn }
}

// New creates a ManagedProcess for spec. Environment precedence is
// inherited < engine defaults < spec.Env < WithEnv.
func (e *Engine) New(spec LaunchSpec, opts ...Option) (*ManagedProcess, error) {
	po := processOptions{
		strategy:    e.opts.Strategy,
		stallWindow: e.opts.StallWindow,
		gracePeriod: e.opts.GracePeriod,
		killTimeout: e.opts.KillTimeout,
	}
	for _, opt := range opts {
		opt(&po)
	}
	if spec.Path == "" {
		return nil, ErrEmptyCommand
	}

	spec = spec.clone()
	env := make(map[string]string, len(e.opts.Env)+len(spec.Env)+len(po.env))
	maps.Copy(env, e.opts.Env)
	maps.Copy(env, spec.Env)
	maps.Copy(env, po.env)
	spec.Env = env
	spec.Dir = resolveDir(po.dir, spec.Dir, e.opts.Dir)

	backend := po.backend
	if backend == nil {
		var err error
		backend, err = NewBackend(po.strategy, BackendDeps{
			Authority:  e.opts.Authority,
			ScriptHost: e.opts.ScriptHost,
			Logger:     e.logger,
		})
		if err != nil {
			return nil, err
		}
	}

	id := uuid.NewString()
	m := &ManagedProcess{
		id:       id,
		spec:     spec,
		backend:  backend,
		opts:     po,
		logger:   e.logger.With("id", id, "backend", backend.Name()),
		bus:      e.opts.Bus,
		registry: e.registry,
		state:    StateNotStarted,
		done:     make(chan struct{}),
	}
	e.registry.Register(m)
	return m, nil
}

// Run spawns path with args and waits for the result. Non-zero exits are
// reported in the result, not as an error.
func (e *Engine) Run(ctx context.Context, path string, args ...string) (*Result, error) {
	return e.RunSpec(ctx, Command(path, args...))
}

// RunSpec runs spec to completion.
func (e *Engine) RunSpec(ctx context.Context, spec LaunchSpec, opts ...Option) (*Result, error) {
	m, err := e.New(spec, opts...)
	if err != nil {
		return nil, err
	}
	return m.Run(ctx)
}

// RunStrict runs path and fails with *ExitError on anything but a clean exit.
func (e *Engine) RunStrict(ctx context.Context, path string, args ...string) (*Result, error) {
	res, err := e.Run(ctx, path, args...)
	if err != nil {
		return nil, err
	}
	if err := res.Validate(); err != nil {
		return res, err
	}
	return res, nil
}
