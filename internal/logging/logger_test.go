package logging

import (
	"context"
	"log/slog"
	"strings"
	"testing"
)

// resetState gives the test a fresh logging state and restores the old one
// afterwards.
func resetState(t *testing.T) {
	t.Helper()
	old, oldDefault := std, slog.Default()
	std = newState()
	t.Cleanup(func() {
		std = old
		slog.SetDefault(oldDefault)
	})
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
		ok   bool
	}{
		{"debug", slog.LevelDebug, true},
		{"INFO", slog.LevelInfo, true},
		{" warn ", slog.LevelWarn, true},
		{"warning", slog.LevelWarn, true},
		{"error", slog.LevelError, true},
		{"", slog.LevelInfo, false},
		{"loud", slog.LevelInfo, false},
	}
	for _, tt := range tests {
		got, ok := parseLevel(tt.in)
		if got != tt.want || ok != tt.ok {
			t.Errorf("parseLevel(%q) = %v, %v; want %v, %v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

func TestConfigLevelFor(t *testing.T) {
	cfg := Config{Level: "warn", Modules: map[string]string{"process": "debug", "shell": "bogus"}}

	if got := cfg.levelFor("process"); got != slog.LevelDebug {
		t.Errorf("module override: got %v", got)
	}
	if got := cfg.levelFor("shell"); got != slog.LevelWarn {
		t.Errorf("invalid module level should fall back to global, got %v", got)
	}
	if got := cfg.levelFor("jobs"); got != slog.LevelWarn {
		t.Errorf("unconfigured module: got %v", got)
	}
	if got := (Config{}).levelFor("jobs"); got != slog.LevelInfo {
		t.Errorf("empty config: got %v", got)
	}
}

func TestGetLoggerCachesPerModule(t *testing.T) {
	resetState(t)
	Initialize(Config{Level: "info"})

	a := GetLogger("process")
	if GetLogger("process") != a {
		t.Error("expected the same logger for the same module")
	}
	if GetLogger("shell") == a {
		t.Error("expected different loggers for different modules")
	}
}

func TestInitializeRetunesExistingLoggers(t *testing.T) {
	resetState(t)

	logger := GetLogger("process")
	if logger.Enabled(context.Background(), slog.LevelDebug) {
		t.Fatal("debug should be off before Initialize")
	}

	Initialize(Config{Level: "error", Modules: map[string]string{"process": "debug"}, History: 10})
	logger = GetLogger("process")
	if !logger.Enabled(context.Background(), slog.LevelDebug) {
		t.Error("module override should enable debug")
	}
	if GetLogger("shell").Enabled(context.Background(), slog.LevelWarn) {
		t.Error("global error level should disable warn for other modules")
	}

	logger.Debug("Spawned", "pid", 7)
	entries := GetHistory().Tail(0)
	if len(entries) != 1 {
		t.Fatalf("expected 1 history entry, got %d", len(entries))
	}
	if e := entries[0]; e.Module != "process" || e.Message != "Spawned" || e.Attrs["pid"] != "7" {
		t.Errorf("unexpected entry %+v", e)
	}
}

func TestHistoryAbsentBeforeInitialize(t *testing.T) {
	resetState(t)
	if GetHistory() != nil {
		t.Error("expected no history before Initialize")
	}
	// must not panic without a history
	GetLogger("early").Info("before init")

	Initialize(Config{History: 3})
	if got := GetHistory(); got == nil || got.Len() != 0 {
		t.Errorf("expected an empty history, got %v", got)
	}
}

func TestFanout(t *testing.T) {
	debug := NewHistory(10)
	warn := NewHistory(10)
	h := fanout{
		newHistoryHandler(slog.LevelDebug, debug),
		newHistoryHandler(slog.LevelWarn, warn),
	}
	logger := slog.New(h).With("module", "fan")

	logger.Debug("quiet")
	logger.Warn("loud", "code", 3)

	if debug.Len() != 2 {
		t.Errorf("debug handler: expected 2 entries, got %d", debug.Len())
	}
	entries := warn.Tail(0)
	if len(entries) != 1 || entries[0].Message != "loud" || entries[0].Module != "fan" {
		t.Errorf("warn handler: unexpected entries %+v", entries)
	}
	if h.Enabled(context.Background(), slog.LevelDebug-1) {
		t.Error("fanout should be disabled below every handler's level")
	}
}

func TestEntryString(t *testing.T) {
	resetState(t)
	Initialize(Config{Level: "info", History: 5})
	GetLogger("process").With("backend", "direct").Warn("Process stalled", "pid", 812, "id", 3)

	line := GetHistory().Tail(1)[0].String()
	for _, want := range []string{"WARN [process] Process stalled", "backend=direct id=3 pid=812"} {
		if !strings.Contains(line, want) {
			t.Errorf("expected %q in %q", want, line)
		}
	}
}
