package cmd

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/smazurov/procexec/internal/config"
	"github.com/smazurov/procexec/internal/events"
	"github.com/smazurov/procexec/internal/logging"
	"github.com/smazurov/procexec/internal/process"
	"github.com/smazurov/procexec/internal/shell"
)

// Options for the CLI - flat structure with toml mapping.
type Options struct {
	Config string `help:"Path to configuration file" short:"c" default:"procexec.toml"`

	// Engine settings
	Backend     string `help:"Default process backend (direct, elevated, script)" default:"direct" toml:"engine.backend" env:"ENGINE_BACKEND"`
	Shell       string `help:"Default shell family (none, sh, bash, zsh)" default:"none" toml:"engine.shell" env:"ENGINE_SHELL"`
	StallWindow string `help:"Interrupt children that stay quiet this long (0 disables)" default:"0s" toml:"engine.stall_window" env:"ENGINE_STALL_WINDOW"`
	GracePeriod string `help:"Time between interrupt and kill on cancellation" default:"5s" toml:"engine.grace_period" env:"ENGINE_GRACE_PERIOD"`
	WorkDir     string `help:"Default working directory for children" toml:"engine.dir" env:"ENGINE_DIR"`

	// Elevation settings
	SudoPath   string `help:"sudo executable (empty looks it up in PATH)" toml:"elevation.sudo" env:"ELEVATION_SUDO"`
	AskPass    string `help:"SUDO_ASKPASS helper used to obtain credentials" toml:"elevation.askpass" env:"ELEVATION_ASKPASS"`
	ScriptHost string `help:"Script host interpreter" default:"/usr/bin/osascript" toml:"elevation.script_host" env:"ELEVATION_SCRIPT_HOST"`

	// Jobs settings
	JobsFile string `help:"Jobs definition file" default:"jobs.toml" toml:"jobs.file" env:"JOBS_FILE"`

	// Metrics settings
	MetricsAddr string `help:"Address serving /metrics and /logs (empty disables)" toml:"metrics.addr" env:"METRICS_ADDR"`

	// Logging settings
	LoggingLevel   string `help:"Global logging level (debug, info, warn, error)" default:"info" toml:"logging.level" env:"LOGGING_LEVEL"`
	LoggingFormat  string `help:"Logging format (text, json)" default:"text" toml:"logging.format" env:"LOGGING_FORMAT"`
	LoggingProcess string `help:"Process engine logging level" toml:"logging.process" env:"LOGGING_PROCESS"`
	LoggingShell   string `help:"Shell resolver logging level" toml:"logging.shell" env:"LOGGING_SHELL"`
	LoggingJobs    string `help:"Jobs runner logging level" toml:"logging.jobs" env:"LOGGING_JOBS"`
}

// LoggingConfig merges the config file's [logging] table with the options.
func (o *Options) LoggingConfig() logging.Config {
	cfg := config.LoadLoggingConfig(o.Config)
	if o.LoggingLevel != "" {
		cfg.Level = o.LoggingLevel
	}
	if o.LoggingFormat != "" {
		cfg.Format = o.LoggingFormat
	}
	for module, level := range map[string]string{
		"process": o.LoggingProcess,
		"shell":   o.LoggingShell,
		"jobs":    o.LoggingJobs,
	} {
		if level != "" {
			cfg.Modules[module] = level
		}
	}
	return cfg
}

// Runtime holds the services shared by every command.
type Runtime struct {
	Bus      *events.Bus
	Engine   *process.Engine
	Resolver *shell.Resolver
	Logger   *slog.Logger
}

// NewRuntime builds the engine and resolver described by opts.
func NewRuntime(opts *Options) (*Runtime, error) {
	strategy, err := process.ParseStrategy(opts.Backend)
	if err != nil {
		return nil, err
	}
	family, err := shell.ParseFamily(opts.Shell)
	if err != nil {
		return nil, err
	}
	stall, err := parseDuration("stall window", opts.StallWindow)
	if err != nil {
		return nil, err
	}
	grace, err := parseDuration("grace period", opts.GracePeriod)
	if err != nil {
		return nil, err
	}

	logger := logging.GetLogger("process")
	bus := events.New()
	authority := process.NewAuthority(process.SudoProvider{
		Path:    opts.SudoPath,
		AskPass: opts.AskPass,
	}, logger)

	engine := process.NewEngine(process.EngineOptions{
		Dir:         opts.WorkDir,
		Strategy:    strategy,
		StallWindow: stall,
		GracePeriod: grace,
		Authority:   authority,
		ScriptHost:  process.ScriptHost{Interpreter: opts.ScriptHost},
		Registry:    process.NewRegistry(logger),
		Bus:         bus,
		Logger:      logger,
	})

	resolver := shell.NewResolver(engine, shell.Options{
		Family: family,
		Logger: logging.GetLogger("shell"),
	})

	return &Runtime{
		Bus:      bus,
		Engine:   engine,
		Resolver: resolver,
		Logger:   logger,
	}, nil
}

func parseDuration(name, s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", name, s, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("invalid %s %q: cannot be negative", name, s)
	}
	return d, nil
}
