package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/smazurov/procexec/internal/events"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestEngine creates an Engine with short timeouts for testing.
func newTestEngine(opts EngineOptions) *Engine {
	opts.Logger = testLogger()
	if opts.GracePeriod == 0 {
		opts.GracePeriod = 200 * time.Millisecond
	}
	if opts.KillTimeout == 0 {
		opts.KillTimeout = 200 * time.Millisecond
	}
	return NewEngine(opts)
}

func sh(script string) LaunchSpec {
	return Command("/bin/sh", "-c", script)
}

type runResult struct {
	res *Result
	err error
}

// runAsync runs m.Run in a goroutine.
func runAsync(ctx context.Context, m *ManagedProcess) <-chan runResult {
	done := make(chan runResult, 1)
	go func() {
		res, err := m.Run(ctx)
		done <- runResult{res, err}
	}()
	return done
}

// waitForRun waits for a run with timeout, fails test on timeout.
func waitForRun(t *testing.T, done <-chan runResult, timeout time.Duration) (*Result, error) {
	t.Helper()
	select {
	case r := <-done:
		return r.res, r.err
	case <-time.After(timeout):
		t.Fatal("timeout waiting for process to finish")
		return nil, nil
	}
}

func mustRun(t *testing.T, e *Engine, spec LaunchSpec, opts ...Option) *Result {
	t.Helper()
	m, err := e.New(spec, opts...)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	res, err := waitForRun(t, runAsync(context.Background(), m), 10*time.Second)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	return res
}

func TestRunEmptyOutput(t *testing.T) {
	e := newTestEngine(EngineOptions{})
	res := mustRun(t, e, Command("/bin/true"))

	if !res.Success() {
		t.Errorf("expected clean exit, got %s", res.Outcome())
	}
	if len(res.Stdout()) != 0 || len(res.Stderr()) != 0 {
		t.Errorf("expected no output, got stdout=%q stderr=%q", res.Stdout(), res.Stderr())
	}
	if res.Pid() <= 0 {
		t.Errorf("expected pid to be recorded, got %d", res.Pid())
	}
}

func TestRunCapturesStdout(t *testing.T) {
	e := newTestEngine(EngineOptions{})
	res, err := e.Run(context.Background(), "/bin/echo", "hello")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if got := res.StdoutString(); got != "hello\n" {
		t.Errorf("expected stdout %q, got %q", "hello\n", got)
	}
	if res.Outcome() != NormalExit(0) {
		t.Errorf("expected NormalExit(0), got %+v", res.Outcome())
	}
}

func TestRunCapturesStderrOnly(t *testing.T) {
	e := newTestEngine(EngineOptions{})
	res := mustRun(t, e, sh("echo err >&2"))

	if len(res.Stdout()) != 0 {
		t.Errorf("expected empty stdout, got %q", res.Stdout())
	}
	if got := res.StderrString(); got != "err\n" {
		t.Errorf("expected stderr %q, got %q", "err\n", got)
	}
}

func TestRunNonZeroExitIsNotAnError(t *testing.T) {
	e := newTestEngine(EngineOptions{})
	res := mustRun(t, e, sh("echo oops >&2; exit 42"))

	if res.Outcome() != NormalExit(42) {
		t.Fatalf("expected NormalExit(42), got %+v", res.Outcome())
	}
	if res.Success() {
		t.Error("expected Success to be false")
	}

	err := res.Validate()
	var exitErr *ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("expected *ExitError from Validate, got %T: %v", err, err)
	}
	if exitErr.ExitStatus() != 42 {
		t.Errorf("expected exit status 42, got %d", exitErr.ExitStatus())
	}
	if !strings.Contains(exitErr.Error(), "oops") {
		t.Errorf("expected error message to include stderr, got %q", exitErr.Error())
	}
}

func TestRunStrict(t *testing.T) {
	e := newTestEngine(EngineOptions{})

	if _, err := e.RunStrict(context.Background(), "/bin/true"); err != nil {
		t.Errorf("expected no error for clean exit, got %v", err)
	}

	res, err := e.RunStrict(context.Background(), "/bin/false")
	var exitErr *ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("expected *ExitError, got %v", err)
	}
	if res == nil || res.Outcome().Code != 1 {
		t.Errorf("expected result with exit code 1, got %v", res)
	}
}

func TestRunLargeStdout(t *testing.T) {
	const size = 1 << 20
	e := newTestEngine(EngineOptions{})
	res := mustRun(t, e, sh(fmt.Sprintf("yes abc | head -c %d", size)))

	want := bytes.Repeat([]byte("abc\n"), size/4)
	if !bytes.Equal(res.Stdout(), want) {
		t.Errorf("stdout mismatch: got %d bytes, want %d", len(res.Stdout()), len(want))
	}
	if n := len(res.Lines()); n != size/4 {
		t.Errorf("expected %d lines, got %d", size/4, n)
	}
}

func TestRunLargeStderrBeforeStdout(t *testing.T) {
	// stderr alone exceeds any pipe buffer; with sequential reads this deadlocks
	const size = 512 * 1024
	e := newTestEngine(EngineOptions{})
	res := mustRun(t, e, sh(fmt.Sprintf("head -c %d /dev/zero >&2; echo done", size)))

	if got := res.StdoutString(); got != "done\n" {
		t.Errorf("expected stdout %q, got %q", "done\n", got)
	}
	if n := len(res.Stderr()); n != size {
		t.Errorf("expected %d stderr bytes, got %d", size, n)
	}
}

func TestRunInterleavedStreams(t *testing.T) {
	e := newTestEngine(EngineOptions{})
	res := mustRun(t, e, sh("for i in 1 2 3 4 5; do echo out$i; echo err$i >&2; done"))

	if got := res.StdoutString(); got != "out1\nout2\nout3\nout4\nout5\n" {
		t.Errorf("unexpected stdout %q", got)
	}
	if got := res.StderrString(); got != "err1\nerr2\nerr3\nerr4\nerr5\n" {
		t.Errorf("unexpected stderr %q", got)
	}
}

func TestRunIsIdempotent(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "runs")
	e := newTestEngine(EngineOptions{})
	m, err := e.New(sh(`echo x >> "$MARKER"; echo ran`), WithEnv(map[string]string{"MARKER": marker}))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	const callers = 5
	results := make([]*Result, callers)
	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := m.Run(context.Background())
			if err != nil {
				t.Errorf("caller %d: Run failed: %v", i, err)
			}
			results[i] = res
		}()
	}
	wg.Wait()

	later, err := m.Run(context.Background())
	if err != nil {
		t.Fatalf("memoized Run failed: %v", err)
	}
	for i, res := range results {
		if res != later {
			t.Errorf("caller %d got a different result", i)
		}
	}

	data, err := os.ReadFile(marker)
	if err != nil {
		t.Fatalf("read marker: %v", err)
	}
	if string(data) != "x\n" {
		t.Errorf("expected the command to run once, marker contains %q", data)
	}
}

func TestRunsAreConcurrent(t *testing.T) {
	e := newTestEngine(EngineOptions{})

	start := time.Now()
	var wg sync.WaitGroup
	outputs := make([]string, 3)
	for i := range 3 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := e.RunSpec(context.Background(), sh(fmt.Sprintf("sleep 0.5; echo done-%d", i)))
			if err != nil {
				t.Errorf("run %d failed: %v", i, err)
				return
			}
			outputs[i] = res.StdoutString()
		}()
	}
	wg.Wait()
	elapsed := time.Since(start)

	if elapsed >= time.Second {
		t.Errorf("expected runs to overlap, took %v", elapsed)
	}
	for i, out := range outputs {
		if want := fmt.Sprintf("done-%d\n", i); out != want {
			t.Errorf("run %d: expected %q, got %q", i, want, out)
		}
	}
}

func TestCancellation(t *testing.T) {
	e := newTestEngine(EngineOptions{})
	m, err := e.New(Command("/bin/sleep", "10"))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	start := time.Now()
	done := runAsync(ctx, m)
	time.Sleep(100 * time.Millisecond)
	cancel()

	res, err := waitForRun(t, done, 3*time.Second)
	if res != nil {
		t.Errorf("expected no result after cancellation, got %v", res)
	}
	var cerr *CancelledError
	if !errors.As(err, &cerr) {
		t.Fatalf("expected *CancelledError, got %T: %v", err, err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected error to wrap context.Canceled, got %v", err)
	}
	if !IsCancelled(err) {
		t.Error("expected IsCancelled to be true")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("cancellation took too long: %v", elapsed)
	}
	if m.State() != StateTerminated {
		t.Errorf("expected state %s, got %s", StateTerminated, m.State())
	}

	// memoized
	if _, err := m.Run(context.Background()); !errors.As(err, &cerr) {
		t.Errorf("expected memoized *CancelledError, got %v", err)
	}
}

func TestCancellationEscalatesToKill(t *testing.T) {
	e := newTestEngine(EngineOptions{})
	ready := make(chan struct{})
	var once sync.Once
	m, err := e.New(sh("trap '' INT; echo ready; sleep 10"), WithStdoutLine(func(line string) {
		if line == "ready" {
			once.Do(func() { close(ready) })
		}
	}))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(ctx, m)
	select {
	case <-ready:
	case <-time.After(3 * time.Second):
		t.Fatal("process never became ready")
	}

	start := time.Now()
	cancel()
	_, err = waitForRun(t, done, 3*time.Second)
	if !IsCancelled(err) {
		t.Fatalf("expected cancellation error, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("kill escalation took too long: %v", elapsed)
	}
}

func TestCancelledBeforeStart(t *testing.T) {
	e := newTestEngine(EngineOptions{})
	m, err := e.New(Command("/bin/echo", "never"))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := m.Run(ctx); !IsCancelled(err) {
		t.Fatalf("expected cancellation error, got %v", err)
	}
	if m.Pid() != 0 {
		t.Errorf("expected no process to be spawned, got pid %d", m.Pid())
	}
}

func TestStallWatchdogInterrupts(t *testing.T) {
	bus := events.New()
	stalled := make(chan events.ProcessStalledEvent, 1)
	unsub := events.On(bus, func(ev events.ProcessStalledEvent) {
		select {
		case stalled <- ev:
		default:
		}
	})
	defer unsub()

	e := newTestEngine(EngineOptions{Bus: bus})
	start := time.Now()
	res := mustRun(t, e, Command("/bin/sleep", "10"), WithStallWindow(200*time.Millisecond))

	if res.Outcome() != Signaled("SIGINT") {
		t.Errorf("expected SIGINT outcome, got %+v", res.Outcome())
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("stalled process was not interrupted promptly: %v", elapsed)
	}

	select {
	case ev := <-stalled:
		if !ev.Interrupted {
			t.Error("expected stall event to report an interrupt")
		}
	case <-time.After(time.Second):
		t.Error("expected a stall event")
	}
}

func TestStallWatchdogQuietWithSteadyOutput(t *testing.T) {
	e := newTestEngine(EngineOptions{StallWindow: 500 * time.Millisecond})
	res := mustRun(t, e, sh("for i in 1 2 3 4 5 6; do echo $i; sleep 0.1; done"))

	if !res.Success() {
		t.Errorf("expected clean exit, got %s", res.Outcome())
	}
	if n := len(res.Lines()); n != 6 {
		t.Errorf("expected 6 lines, got %d", n)
	}
}

func TestStallWatchdogCountsStderr(t *testing.T) {
	e := newTestEngine(EngineOptions{StallWindow: 500 * time.Millisecond})
	res := mustRun(t, e, sh("for i in 1 2 3 4 5 6; do echo $i >&2; sleep 0.1; done"))

	if !res.Success() {
		t.Errorf("expected clean exit, got %s", res.Outcome())
	}
}

func TestTerminate(t *testing.T) {
	e := newTestEngine(EngineOptions{})
	m, err := e.New(Command("/bin/sleep", "10"))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if err := m.Terminate(context.Background()); !errors.Is(err, ErrNotStarted) {
		t.Errorf("expected ErrNotStarted before start, got %v", err)
	}
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if m.State() != StateRunning {
		t.Fatalf("expected state %s, got %s", StateRunning, m.State())
	}

	if err := m.Terminate(context.Background()); err != nil {
		t.Fatalf("Terminate failed: %v", err)
	}
	res, err := m.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if res.Outcome() != Signaled("SIGTERM") {
		t.Errorf("expected SIGTERM outcome, got %+v", res.Outcome())
	}

	// already terminated
	if err := m.Terminate(context.Background()); err != nil {
		t.Errorf("expected nil for terminated process, got %v", err)
	}
}

func TestTerminateEscalatesToKill(t *testing.T) {
	e := newTestEngine(EngineOptions{})
	ready := make(chan struct{})
	var once sync.Once
	m, err := e.New(sh("trap '' TERM; echo ready; sleep 10"), WithStdoutLine(func(line string) {
		if line == "ready" {
			once.Do(func() { close(ready) })
		}
	}))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	select {
	case <-ready:
	case <-time.After(3 * time.Second):
		t.Fatal("process never became ready")
	}

	if err := m.Terminate(context.Background()); err != nil {
		t.Fatalf("Terminate failed: %v", err)
	}
	res, err := m.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if res.Outcome() != Signaled("SIGKILL") {
		t.Errorf("expected SIGKILL outcome, got %+v", res.Outcome())
	}
}

func TestSpawnFailure(t *testing.T) {
	bus := events.New()
	failed := make(chan events.ProcessSpawnFailedEvent, 1)
	unsub := events.On(bus, func(ev events.ProcessSpawnFailedEvent) {
		select {
		case failed <- ev:
		default:
		}
	})
	defer unsub()

	e := newTestEngine(EngineOptions{Bus: bus})
	m, err := e.New(Command("/nonexistent/binary/path"))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	_, err = m.Run(context.Background())
	var spawnErr *SpawnError
	if !errors.As(err, &spawnErr) {
		t.Fatalf("expected *SpawnError, got %T: %v", err, err)
	}
	if spawnErr.Path != "/nonexistent/binary/path" {
		t.Errorf("expected path in error, got %q", spawnErr.Path)
	}
	if m.State() != StateTerminated {
		t.Errorf("expected state %s, got %s", StateTerminated, m.State())
	}
	if info := m.Info(); !info.StartedAt.IsZero() || info.PID != 0 {
		t.Errorf("expected process never to have run, got %+v", info)
	}
	if _, err := m.Run(context.Background()); !errors.As(err, &spawnErr) {
		t.Errorf("expected memoized *SpawnError, got %v", err)
	}
	if e.Registry().Len() != 0 {
		t.Errorf("expected failed process to leave the registry, got %d entries", e.Registry().Len())
	}

	select {
	case <-failed:
	case <-time.After(time.Second):
		t.Error("expected a spawn failure event")
	}
}

func TestNewRejectsEmptyCommand(t *testing.T) {
	e := newTestEngine(EngineOptions{})
	if _, err := e.New(LaunchSpec{}); !errors.Is(err, ErrEmptyCommand) {
		t.Errorf("expected ErrEmptyCommand, got %v", err)
	}
}

func TestWaitBeforeStart(t *testing.T) {
	e := newTestEngine(EngineOptions{})
	m, err := e.New(Command("/bin/true"))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if _, err := m.Wait(context.Background()); !errors.Is(err, ErrNotStarted) {
		t.Errorf("expected ErrNotStarted, got %v", err)
	}
	if err := m.Interrupt(); !errors.Is(err, ErrNotStarted) {
		t.Errorf("expected ErrNotStarted from Interrupt, got %v", err)
	}
}

func TestWaiterContextDoesNotCancelRun(t *testing.T) {
	e := newTestEngine(EngineOptions{})
	m, err := e.New(sh("sleep 0.3; echo finished"))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := m.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected waiter timeout, got %v", err)
	}

	res, err := m.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if res.StdoutString() != "finished\n" {
		t.Errorf("expected run to complete, got %q", res.StdoutString())
	}
}

func TestLineCallbacks(t *testing.T) {
	var mu sync.Mutex
	var outLines, errLines []string
	appendLine := func(dst *[]string) LineHandler {
		return func(line string) {
			mu.Lock()
			*dst = append(*dst, line)
			mu.Unlock()
		}
	}

	e := newTestEngine(EngineOptions{})
	res := mustRun(t, e, sh(`printf 'a\nb\r\nc'; printf 'x\ny\n' >&2`),
		WithStdoutLine(appendLine(&outLines)),
		WithStderrLine(appendLine(&errLines)),
	)

	if got := res.StdoutString(); got != "a\nb\r\nc" {
		t.Errorf("callbacks must not alter captured output, got %q", got)
	}

	mu.Lock()
	defer mu.Unlock()
	if strings.Join(outLines, ",") != "a,b,c" {
		t.Errorf("unexpected stdout lines %q", outLines)
	}
	if strings.Join(errLines, ",") != "x,y" {
		t.Errorf("unexpected stderr lines %q", errLines)
	}
}

func TestProcessEvents(t *testing.T) {
	bus := events.New()
	started := make(chan events.ProcessStartedEvent, 1)
	exited := make(chan events.ProcessExitedEvent, 1)
	defer events.On(bus, func(ev events.ProcessStartedEvent) { started <- ev })()
	defer events.On(bus, func(ev events.ProcessExitedEvent) { exited <- ev })()

	e := newTestEngine(EngineOptions{Bus: bus})
	res := mustRun(t, e, sh("exit 3"))

	select {
	case ev := <-started:
		if ev.Pid != res.Pid() {
			t.Errorf("expected started pid %d, got %d", res.Pid(), ev.Pid)
		}
	case <-time.After(time.Second):
		t.Error("expected a started event")
	}
	select {
	case ev := <-exited:
		if ev.ExitCode != 3 || ev.Outcome != "failure" {
			t.Errorf("unexpected exited event %+v", ev)
		}
	case <-time.After(time.Second):
		t.Error("expected an exited event")
	}
}

func TestInfo(t *testing.T) {
	e := newTestEngine(EngineOptions{})
	m, err := e.New(Command("/bin/echo", "hi"))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	info := m.Info()
	if info.State != StateNotStarted || info.Outcome.Kind != OutcomeStillRunning {
		t.Errorf("unexpected info before start: %+v", info)
	}
	if info.Backend != "direct" || info.Command != "/bin/echo hi" {
		t.Errorf("unexpected info fields: %+v", info)
	}

	if _, err := m.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	info = m.Info()
	if info.State != StateTerminated || info.Outcome != NormalExit(0) || info.PID == 0 {
		t.Errorf("unexpected info after run: %+v", info)
	}
}
