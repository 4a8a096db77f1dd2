package process

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/smazurov/procexec/internal/events"
	"github.com/smazurov/procexec/internal/metrics"
)

const readChunkSize = 32 * 1024

// ManagedProcess owns one backend and at most one OS process over its
// lifetime. Run is idempotent: concurrent callers share the in-flight run
// and later callers get the memoized result or error.
type ManagedProcess struct {
	id       string
	spec     LaunchSpec
	backend  Backend
	opts     processOptions
	logger   *slog.Logger
	bus      *events.Bus
	registry *Registry

	startOnce sync.Once
	spawnErr  error

	mu        sync.Mutex
	state     State
	pid       int
	startedAt time.Time
	done      chan struct{} // closed once result or err is memoized
	result    *Result
	err       error
}

// stream is one of the child's two output channels.
type stream struct {
	name   string
	file   *os.File
	buffer *StreamBuffer
	lines  lineSplitter
	onLine LineHandler
	err    error
}

func newStream(name string, r *os.File, onLine LineHandler) *stream {
	return &stream{name: name, file: r, buffer: NewStreamBuffer(r), onLine: onLine}
}

func (s *stream) emit(p []byte) {
	if s.onLine == nil {
		return
	}
	for _, line := range s.lines.Feed(p) {
		s.onLine(line)
	}
}

func (s *stream) flush() {
	if s.onLine == nil {
		return
	}
	if line, ok := s.lines.Flush(); ok {
		s.onLine(line)
	}
}

// ID returns the process's unique identifier.
func (m *ManagedProcess) ID() string { return m.id }

// Spec returns the launch spec with environment and directory resolved.
func (m *ManagedProcess) Spec() LaunchSpec { return m.spec.clone() }

// State returns the current lifecycle state.
func (m *ManagedProcess) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Pid returns the OS pid, or 0 before spawn.
func (m *ManagedProcess) Pid() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pid
}

// Info returns a diagnostic snapshot.
func (m *ManagedProcess) Info() Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	info := Info{
		ID:        m.id,
		State:     m.state,
		PID:       m.pid,
		Backend:   m.backend.Name(),
		Command:   m.spec.String(),
		StartedAt: m.startedAt,
		Outcome:   StillRunning(),
		LastError: m.err,
	}
	if m.result != nil {
		info.Outcome = m.result.Outcome()
	}
	return info
}

// Done is closed once the run has a memoized result or error.
func (m *ManagedProcess) Done() <-chan struct{} { return m.done }

// Start spawns the process without waiting for it. ctx governs the whole
// run: cancelling it stops the child and the run ends without a result.
// Calling Start again returns the first call's spawn error, if any.
func (m *ManagedProcess) Start(ctx context.Context) error {
	m.startOnce.Do(func() { m.spawnErr = m.spawn(ctx) })
	return m.spawnErr
}

// Run starts the process if needed and waits for its result. A caller that
// did not start the run stops waiting when its own ctx ends, without
// affecting the run.
func (m *ManagedProcess) Run(ctx context.Context) (*Result, error) {
	owner := false
	m.startOnce.Do(func() {
		owner = true
		m.spawnErr = m.spawn(ctx)
	})
	if m.spawnErr != nil {
		return nil, m.spawnErr
	}
	if owner {
		<-m.done
		return m.result, m.err
	}
	return m.Wait(ctx)
}

// Wait waits for a started run to finish.
func (m *ManagedProcess) Wait(ctx context.Context) (*Result, error) {
	if m.State() == StateNotStarted {
		select {
		case <-m.done:
		default:
			return nil, ErrNotStarted
		}
	}
	select {
	case <-m.done:
		return m.result, m.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Interrupt sends a non-lethal interrupt to a running process.
func (m *ManagedProcess) Interrupt() error {
	if m.State() != StateRunning {
		return ErrNotStarted
	}
	return m.backend.Interrupt()
}

// Terminate asks the process to exit, escalating to SIGKILL after the grace
// period, and waits until the run has finished. The run still produces a
// result, classified as signaled.
func (m *ManagedProcess) Terminate(ctx context.Context) error {
	switch m.State() {
	case StateNotStarted:
		return ErrNotStarted
	case StateTerminated:
		return nil
	}

	m.logger.Info("Terminating process", "pid", m.Pid())
	if err := m.backend.Terminate(); err != nil {
		return err
	}

	select {
	case <-m.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(m.opts.gracePeriod):
		m.logger.Warn("Graceful shutdown timeout, forcing kill", "timeout", m.opts.gracePeriod)
		if err := m.backend.Kill(); err != nil {
			m.logger.Error("Failed to kill process", "error", err)
		}
	}

	select {
	case <-m.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// spawn runs steps 3 and 4 of a run: pipes and drain loops first, then the
// backend. On success supervision continues in the background.
func (m *ManagedProcess) spawn(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		cerr := &CancelledError{ID: m.id, Err: err}
		m.finish(nil, cerr)
		return cerr
	}

	outR, outW, err := os.Pipe()
	if err != nil {
		return m.spawnFailed(err)
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		outR.Close()
		outW.Close()
		return m.spawnFailed(err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	stdout := newStream("stdout", outR, m.opts.onStdout)
	stderr := newStream("stderr", errR, m.opts.onStderr)
	wd := newWatchdog(m.opts.stallWindow, m.onStall)

	exited := make(chan Status, 1)
	m.backend.Configure(m.spec, Stdio{Stdin: m.spec.Stdin, Stdout: outW, Stderr: errW})
	m.backend.OnTerminate(func(s Status) { exited <- s })

	var drains sync.WaitGroup
	drains.Add(2)
	go func() {
		defer drains.Done()
		m.drain(runCtx, stdout, wd)
	}()
	go func() {
		defer drains.Done()
		m.drain(runCtx, stderr, wd)
	}()

	startErr := m.backend.Start(runCtx)
	// The child holds its own copies; ours must close so EOF follows exit.
	outW.Close()
	errW.Close()

	if startErr != nil {
		cancel()
		drains.Wait()
		wd.Stop()
		outR.Close()
		errR.Close()
		return m.spawnFailed(startErr)
	}

	now := time.Now()
	pid := m.backend.Pid()
	m.mu.Lock()
	m.state = StateRunning
	m.pid = pid
	m.startedAt = now
	m.mu.Unlock()

	metrics.RecordSpawn(m.backend.Name())
	events.Emit(m.bus, events.ProcessStartedEvent{
		Run:     m.eventRun(pid, now),
		Command: m.spec.String(),
	})
	m.logger.Info("Process started", "pid", pid, "command", m.spec.String())

	go m.supervise(runCtx, cancel, exited, &drains, wd, stdout, stderr)
	return nil
}

// supervise joins both drains and the termination callback, then assembles
// and memoizes the result. Cancellation of runCtx ends the run without one.
func (m *ManagedProcess) supervise(runCtx context.Context, cancel context.CancelFunc, exited <-chan Status, drains *sync.WaitGroup, wd *watchdog, stdout, stderr *stream) {
	defer cancel()

	drained := make(chan struct{})
	go func() {
		drains.Wait()
		close(drained)
	}()

	var (
		status     Status
		haveStatus bool
		haveEOF    bool
	)
	for !haveStatus || !haveEOF {
		select {
		case status = <-exited:
			haveStatus = true
			exited = nil
		case <-drained:
			haveEOF = true
			drained = nil
			wd.Stop()
		case <-runCtx.Done():
			m.cancelled(runCtx, haveStatus, exited, drains, wd, stdout, stderr)
			return
		}
	}

	m.mu.Lock()
	pid, startedAt := m.pid, m.startedAt
	m.mu.Unlock()

	var outBytes, errBytes []byte
	err := firstStreamError(stdout, stderr)
	if err == nil {
		var outErr, errErr error
		outBytes, outErr = stdout.buffer.DrainRemaining()
		errBytes, errErr = stderr.buffer.DrainRemaining()
		err = firstStreamError(stdout, stderr, outErr, errErr)
	}
	stdout.file.Close()
	stderr.file.Close()

	if err != nil {
		m.logger.Error("Failed reading process output", "error", err)
		metrics.RecordExit(m.backend.Name(), "error", time.Since(startedAt))
		m.finish(nil, err)
		return
	}

	outcome := Classify(status)
	duration := time.Since(startedAt)
	res := newResult(outBytes, errBytes, outcome, pid, duration)

	metrics.RecordExit(m.backend.Name(), outcome.Label(), duration)
	events.Emit(m.bus, events.ProcessExitedEvent{
		Run:      m.eventRun(pid, time.Now()),
		Outcome:  outcome.Label(),
		ExitCode: outcome.Code,
		Signal:   outcome.Signal,
		Duration: duration,
	})
	m.logger.Info("Process exited", "pid", pid, "outcome", outcome.String(), "duration", duration)

	m.finish(res, nil)
}

// cancelled stops a cancelled run: one best-effort interrupt (terminate
// where unsupported), SIGKILL after the grace period, then unwind.
func (m *ManagedProcess) cancelled(runCtx context.Context, haveStatus bool, exited <-chan Status, drains *sync.WaitGroup, wd *watchdog, stdout, stderr *stream) {
	wd.Stop()
	pid := m.Pid()
	m.logger.Info("Run cancelled, stopping process", "pid", pid, "reason", context.Cause(runCtx))

	if !haveStatus {
		err := m.backend.Interrupt()
		if errors.Is(err, ErrInterruptUnsupported) {
			err = m.backend.Terminate()
		}
		if err != nil {
			m.logger.Warn("Failed to signal cancelled process", "error", err)
		}

		select {
		case <-exited:
		case <-time.After(m.opts.gracePeriod):
			m.logger.Warn("Process ignored interrupt, forcing kill", "pid", pid, "timeout", m.opts.gracePeriod)
			if err := m.backend.Kill(); err != nil {
				m.logger.Error("Failed to kill process", "error", err)
			}
			select {
			case <-exited:
			case <-time.After(m.opts.killTimeout):
				m.logger.Error("Process did not exit after kill signal", "pid", pid)
			}
		}
	}

	drains.Wait()
	stdout.file.Close()
	stderr.file.Close()

	metrics.RecordCancel(m.backend.Name(), true)
	events.Emit(m.bus, events.ProcessCancelledEvent{
		Run:    m.eventRun(pid, time.Now()),
		Reason: runCtx.Err().Error(),
	})

	cause := context.Cause(runCtx)
	if cause == nil {
		cause = context.Canceled
	}
	m.finish(nil, &CancelledError{ID: m.id, Err: cause})
}

// drain reads one pipe until EOF or cancellation. The shared watchdog is
// re-armed before every blocking read.
func (m *ManagedProcess) drain(ctx context.Context, s *stream, wd *watchdog) {
	stop := context.AfterFunc(ctx, func() {
		// unblock a pending Read
		_ = s.file.SetReadDeadline(time.Now())
	})
	defer stop()

	buf := make([]byte, readChunkSize)
	for {
		if ctx.Err() != nil {
			return
		}
		wd.Arm()

		n, err := s.file.Read(buf)
		if n > 0 {
			s.buffer.Append(buf[:n])
			s.emit(buf[:n])
			metrics.AddOutputBytes(s.name, n)
		}
		if err == nil {
			continue
		}

		switch {
		case errors.Is(err, io.EOF):
			s.flush()
		case errors.Is(err, os.ErrDeadlineExceeded):
			if ctx.Err() == nil {
				continue
			}
		default:
			s.err = err
			m.logger.Warn("Error reading output", "stream", s.name, "error", err)
		}
		return
	}
}

// onStall runs on the watchdog timer goroutine.
func (m *ManagedProcess) onStall() {
	if m.State() != StateRunning || !m.backend.Running() {
		return
	}
	pid := m.Pid()

	err := m.backend.Interrupt()
	switch {
	case err == nil:
		m.logger.Warn("No output within stall window, interrupted process", "pid", pid, "window", m.opts.stallWindow)
	case errors.Is(err, ErrInterruptUnsupported):
		m.logger.Warn("No output within stall window, backend cannot interrupt", "pid", pid, "window", m.opts.stallWindow)
	default:
		m.logger.Warn("Failed to interrupt stalled process", "pid", pid, "error", err)
	}

	metrics.RecordStall(m.backend.Name())
	events.Emit(m.bus, events.ProcessStalledEvent{
		Run:         m.eventRun(pid, time.Now()),
		QuietWindow: m.opts.stallWindow,
		Interrupted: err == nil,
	})
}

func (m *ManagedProcess) spawnFailed(cause error) error {
	var err error
	var authErr *AuthorizationError
	if errors.As(cause, &authErr) {
		err = authErr
	} else {
		err = &SpawnError{Path: m.spec.Path, Backend: m.backend.Name(), Err: cause}
	}

	m.logger.Error("Failed to start process", "error", err, "command", m.spec.String())
	metrics.RecordSpawnFailure(m.backend.Name())
	events.Emit(m.bus, events.ProcessSpawnFailedEvent{
		Run:     m.eventRun(0, time.Now()),
		Command: m.spec.String(),
		Error:   err.Error(),
	})
	m.finish(nil, err)
	return err
}

// finish memoizes the terminal result or error exactly once.
func (m *ManagedProcess) finish(res *Result, err error) {
	m.mu.Lock()
	if m.state == StateTerminated {
		m.mu.Unlock()
		return
	}
	m.state = StateTerminated
	m.result = res
	m.err = err
	m.mu.Unlock()

	if m.registry != nil {
		m.registry.Remove(m.id)
	}
	close(m.done)
}

func (m *ManagedProcess) eventRun(pid int, at time.Time) events.Run {
	return events.Run{ID: m.id, Pid: pid, Backend: m.backend.Name(), At: at}
}

func firstStreamError(stdout, stderr *stream, drainErrs ...error) error {
	for _, s := range []*stream{stdout, stderr} {
		if s.err != nil {
			return &StreamError{Stream: s.name, Partial: s.buffer.Bytes(), Err: s.err}
		}
	}
	for i, err := range drainErrs {
		if err != nil {
			s := stdout
			if i == 1 {
				s = stderr
			}
			return &StreamError{Stream: s.name, Partial: s.buffer.Bytes(), Err: err}
		}
	}
	return nil
}
