package process

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors.
var (
	ErrInterruptUnsupported = errors.New("backend does not support interrupt")
	ErrNotStarted           = errors.New("process not started")
	ErrAuthorizationDenied  = errors.New("authorization denied")
	ErrTokenStale           = errors.New("authorization token is stale")
	ErrEmptyCommand         = errors.New("empty command")
)

// SpawnError reports that no OS process could be created.
type SpawnError struct {
	Path    string
	Backend string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %s (%s backend): %v", e.Path, e.Backend, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// ExitError is a non-clean termination outcome promoted to an error by
// Result.Validate. It carries the output captured up to exit.
type ExitError struct {
	Outcome Outcome
	Stdout  []byte
	Stderr  []byte
}

// ExitStatus returns the exit code, or -1 when the process was signaled.
func (e *ExitError) ExitStatus() int {
	if e.Outcome.Kind == OutcomeNormalExit {
		return e.Outcome.Code
	}
	return -1
}

// Signal returns the signal name for signaled terminations.
func (e *ExitError) Signal() string {
	return e.Outcome.Signal
}

func (e *ExitError) Error() string {
	msg := "process " + e.Outcome.String()
	if stderr := strings.TrimSpace(string(e.Stderr)); stderr != "" {
		msg += ": " + truncate(stderr, 512)
	}
	return msg
}

// AuthorizationError reports that privilege elevation failed.
type AuthorizationError struct {
	Op  string
	Err error
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("authorization %s: %v", e.Op, e.Err)
}

func (e *AuthorizationError) Unwrap() error { return e.Err }

// CancelledError reports that a run was cancelled before it produced a result.
type CancelledError struct {
	ID  string
	Err error
}

func (e *CancelledError) Error() string {
	return fmt.Sprintf("process %s cancelled: %v", e.ID, e.Err)
}

func (e *CancelledError) Unwrap() error { return e.Err }

// IsCancelled reports whether err stems from cooperative cancellation.
func IsCancelled(err error) bool {
	var ce *CancelledError
	return errors.As(err, &ce) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// StreamError reports a failed read on one of the child's output pipes.
// Partial holds what was captured before the failure.
type StreamError struct {
	Stream  string
	Partial []byte
	Err     error
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("read %s: %v", e.Stream, e.Err)
}

func (e *StreamError) Unwrap() error { return e.Err }
