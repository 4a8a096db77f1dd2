package process

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// Result is the immutable outcome of one completed run. Accessors return
// copies so callers cannot mutate the memoized value.
type Result struct {
	stdout   []byte
	stderr   []byte
	outcome  Outcome
	pid      int
	duration time.Duration
}

func newResult(stdout, stderr []byte, outcome Outcome, pid int, duration time.Duration) *Result {
	return &Result{
		stdout:   stdout,
		stderr:   stderr,
		outcome:  outcome,
		pid:      pid,
		duration: duration,
	}
}

// Stdout returns the captured standard output.
func (r *Result) Stdout() []byte { return bytes.Clone(r.stdout) }

// Stderr returns the captured standard error.
func (r *Result) Stderr() []byte { return bytes.Clone(r.stderr) }

// StdoutString returns standard output as text.
func (r *Result) StdoutString() string { return string(r.stdout) }

// StderrString returns standard error as text.
func (r *Result) StderrString() string { return string(r.stderr) }

// Outcome returns the classified termination.
func (r *Result) Outcome() Outcome { return r.outcome }

// Pid returns the OS process id the result belongs to.
func (r *Result) Pid() int { return r.pid }

// Duration is the wall-clock time from spawn to result assembly.
func (r *Result) Duration() time.Duration { return r.duration }

// Success reports a zero exit.
func (r *Result) Success() bool { return r.outcome.Clean() }

// TerminationError returns the structured termination error for a non-clean
// outcome, or nil. It is informational; Validate is the strict path.
func (r *Result) TerminationError() *ExitError {
	if r.outcome.Clean() {
		return nil
	}
	return &ExitError{Outcome: r.outcome, Stdout: r.Stdout(), Stderr: r.Stderr()}
}

// Validate promotes anything but a clean exit to an *ExitError.
func (r *Result) Validate() error {
	if exitErr := r.TerminationError(); exitErr != nil {
		return exitErr
	}
	return nil
}

// Lines splits standard output into lines without trailing newline characters.
func (r *Result) Lines() []string {
	out := strings.TrimRight(string(r.stdout), "\r\n")
	if out == "" {
		return nil
	}
	lines := strings.Split(out, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSuffix(l, "\r")
	}
	return lines
}

// JSON looks up a gjson path in standard output.
func (r *Result) JSON(path string) gjson.Result {
	return gjson.GetBytes(r.stdout, path)
}

// DecodeJSON unmarshals standard output into v.
func (r *Result) DecodeJSON(v any) error {
	if !gjson.ValidBytes(r.stdout) {
		return fmt.Errorf("stdout is not valid JSON (%d bytes)", len(r.stdout))
	}
	return json.Unmarshal(r.stdout, v)
}

func (r *Result) String() string {
	return fmt.Sprintf("Result(pid=%d, %s, stdout=%dB, stderr=%dB)", r.pid, r.outcome, len(r.stdout), len(r.stderr))
}
