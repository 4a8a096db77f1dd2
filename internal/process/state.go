package process

import "time"

// State represents the lifecycle state of a ManagedProcess.
type State string

// Process states. Each transition happens at most once.
const (
	StateNotStarted State = "not_started" // Constructed, never spawned
	StateRunning    State = "running"     // Spawned, result not yet assembled
	StateTerminated State = "terminated"  // Result or terminal error memoized
)

// Info contains diagnostic information about a managed process.
type Info struct {
	ID        string
	State     State
	PID       int
	Backend   string
	Command   string
	StartedAt time.Time
	Outcome   Outcome
	LastError error
}
