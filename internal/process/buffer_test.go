package process

import (
	"os"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestStreamBufferAppend(t *testing.T) {
	b := NewStreamBuffer(nil)
	b.Append([]byte("hello "))
	b.Append([]byte("world"))

	got := b.Bytes()
	if string(got) != "hello world" {
		t.Fatalf("expected %q, got %q", "hello world", got)
	}
	got[0] = 'X'
	if string(b.Bytes()) != "hello world" {
		t.Error("Bytes must return a copy")
	}
	if b.Len() != 11 {
		t.Errorf("expected length 11, got %d", b.Len())
	}
}

func TestStreamBufferConcurrentAppend(t *testing.T) {
	b := NewStreamBuffer(nil)
	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				b.Append([]byte("x"))
			}
		}()
	}
	wg.Wait()
	if b.Len() != 1000 {
		t.Errorf("expected 1000 bytes, got %d", b.Len())
	}
}

func TestStreamBufferDrainRemaining(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("Pipe: %v", err)
	}
	defer r.Close()

	b := NewStreamBuffer(r)
	b.Append([]byte("read-"))
	if _, err := w.WriteString("remaining"); err != nil {
		t.Fatalf("write: %v", err)
	}
	w.Close()

	// a deadline left behind by a cancelled drain must not cut the final read short
	_ = r.SetReadDeadline(time.Now())

	got, err := b.DrainRemaining()
	if err != nil {
		t.Fatalf("DrainRemaining failed: %v", err)
	}
	if string(got) != "read-remaining" {
		t.Errorf("expected %q, got %q", "read-remaining", got)
	}
}

func TestStreamBufferDrainClosedSource(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("Pipe: %v", err)
	}
	w.Close()
	r.Close()

	b := NewStreamBuffer(r)
	b.Append([]byte("kept"))
	got, err := b.DrainRemaining()
	if err != nil {
		t.Errorf("expected closed source to be ignored, got %v", err)
	}
	if string(got) != "kept" {
		t.Errorf("expected %q, got %q", "kept", got)
	}
}

func TestLineSplitter(t *testing.T) {
	tests := []struct {
		name   string
		chunks []string
		lines  []string
		rest   string
	}{
		{name: "single line", chunks: []string{"a\n"}, lines: []string{"a"}},
		{name: "split across chunks", chunks: []string{"ab", "c\nd", "e\n"}, lines: []string{"abc", "de"}},
		{name: "crlf", chunks: []string{"a\r\nb\r", "\n"}, lines: []string{"a", "b"}},
		{name: "empty lines", chunks: []string{"\n\n"}, lines: []string{"", ""}},
		{name: "partial tail", chunks: []string{"a\nb"}, lines: []string{"a"}, rest: "b"},
		{name: "no newline", chunks: []string{"abc", "def"}, rest: "abcdef"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var s lineSplitter
			var lines []string
			for _, c := range tt.chunks {
				lines = append(lines, s.Feed([]byte(c))...)
			}
			if strings.Join(lines, "|") != strings.Join(tt.lines, "|") || len(lines) != len(tt.lines) {
				t.Errorf("expected lines %q, got %q", tt.lines, lines)
			}

			rest, ok := s.Flush()
			if ok != (tt.rest != "") || rest != tt.rest {
				t.Errorf("expected flush %q, got %q (ok=%v)", tt.rest, rest, ok)
			}
			if _, ok := s.Flush(); ok {
				t.Error("second Flush must be empty")
			}
		})
	}
}
