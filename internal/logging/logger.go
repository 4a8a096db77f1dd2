package logging

import (
	"log/slog"
	"os"
	"strings"
	"sync"
)

// DefaultHistory is the number of entries kept for /logs when Config.History
// is not set.
const DefaultHistory = 500

// Config represents logging configuration.
type Config struct {
	Level   string            `toml:"level"`
	Format  string            `toml:"format"`
	Modules map[string]string `toml:"modules"`
	// History is the number of recent entries kept for the /logs endpoint.
	History int `toml:"history"`
}

// levelFor returns the configured level of module, falling back to the
// global level and then to info.
func (c Config) levelFor(module string) slog.Level {
	if level, ok := parseLevel(c.Modules[module]); ok {
		return level
	}
	if level, ok := parseLevel(c.Level); ok {
		return level
	}
	return slog.LevelInfo
}

// state is the process-wide logging setup. Module loggers are created once
// and keep their LevelVar, so Initialize can retune loggers handed out
// before it ran.
type state struct {
	mu      sync.RWMutex
	cfg     Config
	loggers map[string]*slog.Logger
	levels  map[string]*slog.LevelVar
	history *History
}

func newState() *state {
	return &state{
		cfg:     Config{Format: "text"},
		loggers: make(map[string]*slog.Logger),
		levels:  make(map[string]*slog.LevelVar),
	}
}

var std = newState()

// Initialize sets up the logging system. It may be called again to apply a
// new configuration; existing module loggers pick up the new levels.
func Initialize(config Config) {
	std.mu.Lock()
	defer std.mu.Unlock()

	size := config.History
	if size <= 0 {
		size = DefaultHistory
	}
	std.cfg = config
	std.history = NewHistory(size)

	// Loggers built before Initialize write only to stderr; rebuild them so
	// they reach the journal and history as well.
	for module, levelVar := range std.levels {
		levelVar.Set(config.levelFor(module))
		std.loggers[module] = slog.New(newHandler(config.Format, levelVar, std.history)).With("module", module)
	}

	defaultLevel := &slog.LevelVar{}
	defaultLevel.Set(config.levelFor(""))
	slog.SetDefault(slog.New(newHandler(config.Format, defaultLevel, std.history)))
}

// GetHistory returns the recent log entries kept for /logs, or nil before
// Initialize.
func GetHistory() *History {
	std.mu.RLock()
	defer std.mu.RUnlock()
	return std.history
}

// GetLogger returns the logger of module, creating it on first use.
func GetLogger(module string) *slog.Logger {
	std.mu.RLock()
	logger, ok := std.loggers[module]
	std.mu.RUnlock()
	if ok {
		return logger
	}

	std.mu.Lock()
	defer std.mu.Unlock()
	if logger, ok := std.loggers[module]; ok {
		return logger
	}

	levelVar := &slog.LevelVar{}
	levelVar.Set(std.cfg.levelFor(module))
	logger = slog.New(newHandler(std.cfg.Format, levelVar, std.history)).With("module", module)
	std.loggers[module] = logger
	std.levels[module] = levelVar
	return logger
}

// newHandler builds the handler chain for one logger. Records go to stderr
// when it is writable, to journald when reachable, and to history when set.
// stdout is never used; it carries the output of the commands being run.
func newHandler(format string, level slog.Leveler, history *History) slog.Handler {
	opts := &slog.HandlerOptions{Level: level}

	var stderr slog.Handler
	if format == "json" {
		stderr = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		stderr = slog.NewTextHandler(os.Stderr, opts)
	}

	var handlers fanout
	if writable(os.Stderr) {
		handlers = append(handlers, stderr)
	}
	if JournalAvailable() {
		handlers = append(handlers, newJournalHandler(level))
	}
	if history != nil {
		handlers = append(handlers, newHistoryHandler(level, history))
	}

	switch len(handlers) {
	case 0:
		return stderr
	case 1:
		return handlers[0]
	default:
		return handlers
	}
}

// writable reports whether f is a terminal, pipe, socket or regular file,
// as opposed to /dev/null or a closed descriptor.
func writable(f *os.File) bool {
	fi, err := f.Stat()
	if err != nil {
		return false
	}
	mode := fi.Mode()
	return mode&(os.ModeCharDevice|os.ModeNamedPipe|os.ModeSocket) != 0 || mode.IsRegular()
}

// parseLevel converts a level name to slog.Level.
func parseLevel(level string) (slog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug, true
	case "info":
		return slog.LevelInfo, true
	case "warn", "warning":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	default:
		return slog.LevelInfo, false
	}
}
