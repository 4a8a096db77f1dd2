package process

import (
	"bytes"
	"strings"
)

// LineHandler receives one complete line of child output, without the
// trailing newline.
type LineHandler func(line string)

// lineSplitter holds the incomplete trailing line between reads so that
// partial lines are never forwarded.
type lineSplitter struct {
	pending []byte
}

// Feed returns the complete lines contained in pending+p.
func (s *lineSplitter) Feed(p []byte) []string {
	s.pending = append(s.pending, p...)
	var lines []string
	for {
		i := bytes.IndexByte(s.pending, '\n')
		if i < 0 {
			break
		}
		lines = append(lines, strings.TrimSuffix(string(s.pending[:i]), "\r"))
		s.pending = s.pending[i+1:]
	}
	if len(s.pending) == 0 {
		s.pending = nil
	}
	return lines
}

// Flush returns the unterminated last line at end of stream, if any.
func (s *lineSplitter) Flush() (string, bool) {
	if len(s.pending) == 0 {
		return "", false
	}
	line := strings.TrimSuffix(string(s.pending), "\r")
	s.pending = nil
	return line, true
}
