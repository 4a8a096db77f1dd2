package process

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// Status is the raw termination status reported by a backend.
type Status struct {
	Exited   bool
	Code     int
	Signaled bool
	Signal   syscall.Signal
}

// statusFromWait converts the result of exec.Cmd.Wait into a Status.
// Errors that are not *exec.ExitError are reported as exit code 1, matching
// how a failed wait without process state is treated elsewhere.
func statusFromWait(state *os.ProcessState, err error) Status {
	if state == nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			state = exitErr.ProcessState
		}
	}
	if state == nil {
		if err == nil {
			return Status{Exited: true}
		}
		return Status{Exited: true, Code: 1}
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return Status{Signaled: true, Signal: ws.Signal(), Code: -1}
	}
	return Status{Exited: true, Code: state.ExitCode()}
}

// OutcomeKind tags the variant held by an Outcome.
type OutcomeKind int

// Outcome kinds.
const (
	OutcomeStillRunning OutcomeKind = iota
	OutcomeNormalExit
	OutcomeSignaled
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeNormalExit:
		return "exited"
	case OutcomeSignaled:
		return "signaled"
	default:
		return "running"
	}
}

// Outcome is the classified termination of a process.
type Outcome struct {
	Kind   OutcomeKind
	Code   int
	Signal string
}

// NormalExit returns an outcome for a process that exited with code.
func NormalExit(code int) Outcome { return Outcome{Kind: OutcomeNormalExit, Code: code} }

// Signaled returns an outcome for a process killed by a signal.
func Signaled(reason string) Outcome { return Outcome{Kind: OutcomeSignaled, Code: -1, Signal: reason} }

// StillRunning is the outcome before termination.
func StillRunning() Outcome { return Outcome{Kind: OutcomeStillRunning} }

// Clean reports whether the outcome is a zero exit.
func (o Outcome) Clean() bool {
	return o.Kind == OutcomeNormalExit && o.Code == 0
}

func (o Outcome) String() string {
	switch o.Kind {
	case OutcomeNormalExit:
		return fmt.Sprintf("exited with status %d", o.Code)
	case OutcomeSignaled:
		return "killed by " + o.Signal
	default:
		return "still running"
	}
}

// Label is a short low-cardinality form used for metrics.
func (o Outcome) Label() string {
	switch {
	case o.Clean():
		return "success"
	case o.Kind == OutcomeNormalExit:
		return "failure"
	default:
		return o.Kind.String()
	}
}

// Classify maps an OS-reported status onto an Outcome.
func Classify(s Status) Outcome {
	switch {
	case s.Signaled:
		return Signaled(signalName(s.Signal))
	case s.Exited:
		return NormalExit(s.Code)
	default:
		return StillRunning()
	}
}

func signalName(sig syscall.Signal) string {
	if name := unix.SignalName(sig); name != "" {
		return name
	}
	return sig.String()
}
