// Package process runs external commands and captures their output.
//
// An Engine creates ManagedProcess values that share defaults (environment,
// working directory, stall window) and services (Registry, Authority,
// events bus). Each ManagedProcess spawns at most one OS process:
//   - stdout and stderr are drained concurrently into StreamBuffers, so a
//     child blocked on one full pipe never deadlocks the other
//   - complete lines are forwarded to optional progress callbacks
//   - a stall watchdog interrupts children that stay silent for too long
//   - the Result is assembled only after both pipes hit EOF and the
//     backend reported termination, then memoized for every caller
//
// Backends hide how the process is created: DirectBackend uses os/exec,
// ElevatedBackend goes through sudo with a cached Authority token, and
// ScriptHostedBackend wraps the command in an osascript "do shell script".
//
// Non-zero exits are not errors. Result.Validate promotes them to an
// *ExitError for callers that want strict behaviour:
//
//	engine := process.NewEngine(process.EngineOptions{
//	    StallWindow: 30 * time.Second,
//	})
//	res, err := engine.Run(ctx, "/bin/echo", "hello")
//	if err != nil {
//	    return err // spawn failure or cancellation
//	}
//	if err := res.Validate(); err != nil {
//	    return err // exited non-zero or was signaled
//	}
//	fmt.Print(res.StdoutString())
package process
