package logging

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Entry is one log record kept in History.
type Entry struct {
	Time    time.Time
	Level   string
	Module  string
	Message string
	Attrs   map[string]string
}

// String renders the entry as a single line:
//
//	15:04:05.000 WARN [process] Process stalled id=3 pid=812
//
// Attributes are sorted by key.
func (e Entry) String() string {
	var b strings.Builder
	b.WriteString(e.Time.Format("15:04:05.000"))
	b.WriteByte(' ')
	b.WriteString(e.Level)
	if e.Module != "" {
		fmt.Fprintf(&b, " [%s]", e.Module)
	}
	b.WriteByte(' ')
	b.WriteString(e.Message)

	keys := make([]string, 0, len(e.Attrs))
	for k := range e.Attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%s", k, e.Attrs[k])
	}
	return b.String()
}

// History is a fixed-size, concurrency-safe ring of recent entries.
type History struct {
	mu      sync.Mutex
	entries []Entry
	next    int
	full    bool
}

// NewHistory creates a history holding at most size entries.
func NewHistory(size int) *History {
	if size <= 0 {
		size = DefaultHistory
	}
	return &History{entries: make([]Entry, size)}
}

// Add records e, evicting the oldest entry when full.
func (h *History) Add(e Entry) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries[h.next] = e
	h.next = (h.next + 1) % len(h.entries)
	if h.next == 0 {
		h.full = true
	}
}

// Len returns the number of entries held.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.full {
		return len(h.entries)
	}
	return h.next
}

// Tail returns the newest n entries, oldest first. n <= 0 returns all.
func (h *History) Tail(n int) []Entry {
	h.mu.Lock()
	defer h.mu.Unlock()

	count, start := h.next, 0
	if h.full {
		count, start = len(h.entries), h.next
	}
	if n > 0 && n < count {
		start = (start + count - n) % len(h.entries)
		count = n
	}

	out := make([]Entry, count)
	for i := range out {
		out[i] = h.entries[(start+i)%len(h.entries)]
	}
	return out
}
