package process

import (
	"bytes"
	"errors"
	"io"
	"os"
	"sync"
	"time"
)

// StreamBuffer accumulates bytes read from the read end of one pipe.
// No size bound is enforced.
type StreamBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
	src io.Reader
}

// NewStreamBuffer creates a buffer draining src. src may be nil for buffers
// fed exclusively through Append.
func NewStreamBuffer(src io.Reader) *StreamBuffer {
	return &StreamBuffer{src: src}
}

// Append adds p to the buffer. Safe for concurrent use.
func (b *StreamBuffer) Append(p []byte) {
	b.mu.Lock()
	b.buf.Write(p)
	b.mu.Unlock()
}

// DrainRemaining performs one final blocking read of whatever the OS still
// holds after the writer closed, appends it and returns the full contents.
func (b *StreamBuffer) DrainRemaining() ([]byte, error) {
	var readErr error
	if b.src != nil {
		if f, ok := b.src.(*os.File); ok {
			// clear any deadline left behind by a cancelled read
			_ = f.SetReadDeadline(time.Time{})
		}
		rest, err := io.ReadAll(b.src)
		if err != nil && !errors.Is(err, os.ErrClosed) {
			readErr = err
		}
		if len(rest) > 0 {
			b.Append(rest)
		}
	}
	return b.Bytes(), readErr
}

// Bytes returns a copy of the accumulated bytes.
func (b *StreamBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return bytes.Clone(b.buf.Bytes())
}

// Len returns the number of buffered bytes.
func (b *StreamBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Len()
}
