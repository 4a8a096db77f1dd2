package logging

import (
	"fmt"
	"log/slog"
	"sync"
	"testing"
)

func messages(entries []Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Message
	}
	return out
}

func TestHistoryWraps(t *testing.T) {
	h := NewHistory(3)
	for i := 1; i <= 5; i++ {
		h.Add(Entry{Message: fmt.Sprint(i)})
	}

	if h.Len() != 3 {
		t.Errorf("expected 3 entries, got %d", h.Len())
	}
	if got := fmt.Sprint(messages(h.Tail(0))); got != "[3 4 5]" {
		t.Errorf("Tail(0) = %s", got)
	}
	if got := fmt.Sprint(messages(h.Tail(2))); got != "[4 5]" {
		t.Errorf("Tail(2) = %s", got)
	}
	if got := fmt.Sprint(messages(h.Tail(10))); got != "[3 4 5]" {
		t.Errorf("Tail(10) = %s", got)
	}
}

func TestHistoryPartial(t *testing.T) {
	h := NewHistory(4)
	if len(h.Tail(0)) != 0 {
		t.Error("expected empty history")
	}
	h.Add(Entry{Message: "a"})
	h.Add(Entry{Message: "b"})
	if got := fmt.Sprint(messages(h.Tail(1))); got != "[b]" {
		t.Errorf("Tail(1) = %s", got)
	}
	if got := fmt.Sprint(messages(h.Tail(0))); got != "[a b]" {
		t.Errorf("Tail(0) = %s", got)
	}
}

func TestNewHistoryDefaultSize(t *testing.T) {
	h := NewHistory(0)
	for i := 0; i < DefaultHistory+10; i++ {
		h.Add(Entry{})
	}
	if h.Len() != DefaultHistory {
		t.Errorf("expected %d entries, got %d", DefaultHistory, h.Len())
	}
}

func TestHistoryConcurrentAdd(t *testing.T) {
	h := NewHistory(50)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				h.Add(Entry{Message: "x"})
				_ = h.Tail(5)
			}
		}()
	}
	wg.Wait()
	if h.Len() != 50 {
		t.Errorf("expected full history, got %d", h.Len())
	}
}

func TestHistoryHandlerGroups(t *testing.T) {
	h := NewHistory(5)
	logger := slog.New(newHistoryHandler(slog.LevelInfo, h)).
		With("module", "shell").
		WithGroup("spec").
		With("path", "/bin/sh")

	logger.Info("Resolved", slog.Group("args", "count", 2), "module", "inner")

	e := h.Tail(1)[0]
	if e.Module != "shell" {
		t.Errorf("expected module shell, got %q", e.Module)
	}
	want := map[string]string{"spec.path": "/bin/sh", "spec.args.count": "2", "spec.module": "inner"}
	for k, v := range want {
		if e.Attrs[k] != v {
			t.Errorf("attr %s = %q, want %q (all: %v)", k, e.Attrs[k], v, e.Attrs)
		}
	}
}

func TestHistoryHandlerIsolatesWith(t *testing.T) {
	h := NewHistory(5)
	base := slog.New(newHistoryHandler(slog.LevelInfo, h))
	base.With("job", "a").Info("one")
	base.Info("two")

	entries := h.Tail(0)
	if entries[0].Attrs["job"] != "a" {
		t.Errorf("expected job attr on first entry, got %v", entries[0].Attrs)
	}
	if _, ok := entries[1].Attrs["job"]; ok {
		t.Error("With must not leak attrs into the parent handler")
	}
}
