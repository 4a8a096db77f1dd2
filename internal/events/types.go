package events

import "time"

// Event type identifiers, one per event struct.
const (
	TypeProcessStarted uint32 = iota + 1
	TypeProcessSpawnFailed
	TypeProcessStalled
	TypeProcessExited
	TypeProcessCancelled
)

// Event is anything the bus can carry.
type Event interface {
	Type() uint32
}

// Run identifies the managed process an event is about. Pid is zero when
// no OS process was created.
type Run struct {
	ID      string    `json:"id"`
	Pid     int       `json:"pid,omitempty"`
	Backend string    `json:"backend"`
	At      time.Time `json:"at"`
}

// ProcessStartedEvent: the backend spawned the child.
type ProcessStartedEvent struct {
	Run
	Command string `json:"command"`
}

func (ProcessStartedEvent) Type() uint32 { return TypeProcessStarted }

// ProcessSpawnFailedEvent: no OS process could be created.
type ProcessSpawnFailedEvent struct {
	Run
	Command string `json:"command"`
	Error   string `json:"error"`
}

func (ProcessSpawnFailedEvent) Type() uint32 { return TypeProcessSpawnFailed }

// ProcessStalledEvent: the child produced no output for QuietWindow.
// Interrupted is false when the backend could not deliver the interrupt.
type ProcessStalledEvent struct {
	Run
	QuietWindow time.Duration `json:"quiet_window"`
	Interrupted bool          `json:"interrupted"`
}

func (ProcessStalledEvent) Type() uint32 { return TypeProcessStalled }

// ProcessExitedEvent: the run finished and its result is available.
type ProcessExitedEvent struct {
	Run
	Outcome  string        `json:"outcome"`
	ExitCode int           `json:"exit_code"`
	Signal   string        `json:"signal,omitempty"`
	Duration time.Duration `json:"duration"`
}

func (ProcessExitedEvent) Type() uint32 { return TypeProcessExited }

// ProcessCancelledEvent: the run was cancelled before it produced a result.
type ProcessCancelledEvent struct {
	Run
	Reason string `json:"reason"`
}

func (ProcessCancelledEvent) Type() uint32 { return TypeProcessCancelled }
