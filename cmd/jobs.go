package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2/humacli"
	"github.com/gofrs/flock"
	"github.com/smazurov/procexec/internal/config"
	"github.com/smazurov/procexec/internal/events"
	"github.com/smazurov/procexec/internal/logging"
	"github.com/smazurov/procexec/internal/metrics"
	"github.com/smazurov/procexec/internal/process"
	"github.com/smazurov/procexec/internal/shell"
	"github.com/smazurov/procexec/internal/systemd"
	"github.com/spf13/cobra"
)

// JobResult is the outcome of one job.
type JobResult struct {
	Name   string
	Result *process.Result
	Err    error
}

// Failed reports whether the job produced an error or a non-clean exit.
func (r JobResult) Failed() bool {
	return r.Err != nil || r.Result == nil || !r.Result.Success()
}

// prefixWriter serializes output lines from concurrent jobs.
type prefixWriter struct {
	mu  sync.Mutex
	out io.Writer
}

func (w *prefixWriter) handler(prefix string) process.LineHandler {
	return func(line string) {
		w.mu.Lock()
		defer w.mu.Unlock()
		fmt.Fprintf(w.out, "[%s] %s\n", prefix, line)
	}
}

// RunJobs runs every job concurrently and returns their results in file
// order. Job output is written to out, one prefixed line at a time.
func RunJobs(ctx context.Context, rt *Runtime, jobs []config.Job, out io.Writer) []JobResult {
	logger := logging.GetLogger("jobs")
	w := &prefixWriter{out: out}

	results := make([]JobResult, len(jobs))
	var wg sync.WaitGroup
	for i, job := range jobs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := runJob(ctx, rt, job, w)
			results[i] = JobResult{Name: job.Name, Result: res, Err: err}
			switch {
			case err != nil:
				logger.Error("Job failed", "job", job.Name, "error", err)
			case !res.Success():
				logger.Warn("Job finished", "job", job.Name, "outcome", res.Outcome().String(), "duration", res.Duration())
			default:
				logger.Info("Job finished", "job", job.Name, "duration", res.Duration())
			}
		}()
	}
	wg.Wait()
	return results
}

func runJob(ctx context.Context, rt *Runtime, job config.Job, w *prefixWriter) (*process.Result, error) {
	family := rt.Resolver.Family()
	if job.Shell != "" {
		f, err := shell.ParseFamily(job.Shell)
		if err != nil {
			return nil, err
		}
		family = f
	}
	spec, err := rt.Resolver.ResolveAs(ctx, family, job.Command)
	if err != nil {
		return nil, err
	}

	opts := []process.Option{
		process.WithStdoutLine(w.handler(job.Name)),
		process.WithStderrLine(w.handler(job.Name + ":err")),
	}
	if job.Backend != "" {
		strategy, err := process.ParseStrategy(job.Backend)
		if err != nil {
			return nil, err
		}
		opts = append(opts, process.WithStrategy(strategy))
	}
	if len(job.Env) > 0 {
		opts = append(opts, process.WithEnv(job.Env))
	}
	if job.Dir != "" {
		opts = append(opts, process.WithDir(job.Dir))
	}
	if job.StallWindow > 0 {
		opts = append(opts, process.WithStallWindow(time.Duration(job.StallWindow)))
	}

	if job.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(job.Timeout))
		defer cancel()
	}

	res, err := rt.Engine.RunSpec(ctx, spec, opts...)
	if err != nil {
		return nil, err
	}
	if job.Strict {
		if err := res.Validate(); err != nil {
			return res, err
		}
	}
	return res, nil
}

// watchJobs reruns the jobs file every time it changes until ctx ends.
// A change while jobs are running cancels them first.
func watchJobs(ctx context.Context, rt *Runtime, path string, out io.Writer, logger *slog.Logger, opts ...config.WatcherOption[*config.JobsFile]) error {
	opts = append([]config.WatcherOption[*config.JobsFile]{
		config.WithErrorHandler[*config.JobsFile](func(err error) {
			logger.Warn("Ignoring invalid jobs file", "path", path, "error", err)
		}),
	}, opts...)
	watcher := config.NewWatcher(path, config.LoadJobs, logger, opts...)

	current, err := watcher.Load()
	if err != nil {
		return err
	}
	reloads, err := watcher.Watch(ctx)
	if err != nil {
		return err
	}

	for {
		runCtx, cancel := context.WithCancel(ctx)
		done := make(chan []JobResult, 1)
		go func(jobs []config.Job) {
			done <- RunJobs(runCtx, rt, jobs, out)
		}(current.Jobs)

		select {
		case results := <-done:
			cancel()
			reportJobs(logger, results)
			next, ok := <-reloads
			if !ok {
				return nil
			}
			current = next
		case next, ok := <-reloads:
			cancel()
			<-done
			if !ok {
				return nil
			}
			logger.Info("Jobs file changed, restarting jobs", "path", path, "jobs", len(next.Jobs))
			current = next
		}
	}
}

func reportJobs(logger *slog.Logger, results []JobResult) (failed int) {
	for _, r := range results {
		if r.Failed() {
			failed++
		}
	}
	logger.Info("Jobs complete", "total", len(results), "failed", failed)
	for backend, sum := range metrics.GetAllSummaries() {
		logger.Debug("Backend totals", "backend", backend,
			"spawned", sum.Spawned, "spawn_failures", sum.SpawnFailures,
			"succeeded", sum.Succeeded, "failed", sum.Failed,
			"stalls", sum.Stalls, "cancelled", sum.Cancelled)
	}
	return failed
}

// lockJobs takes an exclusive lock on path without blocking.
func lockJobs(path string) (*flock.Flock, error) {
	lock := flock.New(path)
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to lock %s: %w", path, err)
	}
	if !locked {
		return nil, fmt.Errorf("another jobs run holds %s", path)
	}
	return lock, nil
}

// logStalls reports stall interrupts raised by the engine.
func logStalls(bus *events.Bus, logger *slog.Logger) func() {
	return events.On(bus, func(e events.ProcessStalledEvent) {
		logger.Warn("Process stalled", "id", e.ID, "pid", e.Pid, "quiet_for", e.QuietWindow, "interrupted", e.Interrupted)
	})
}

// ExecuteJobs loads the jobs file once and runs it. It returns the number of
// failed jobs.
func ExecuteJobs(ctx context.Context, rt *Runtime, path string, out io.Writer) (int, error) {
	logger := logging.GetLogger("jobs")
	file, err := config.LoadJobs(path)
	if err != nil {
		return 0, err
	}
	if len(file.Jobs) == 0 {
		logger.Info("No jobs defined", "path", path)
		return 0, nil
	}

	defer logStalls(rt.Bus, logger)()
	logger.Info("Running jobs", "path", path, "jobs", len(file.Jobs))
	return reportJobs(logger, RunJobs(ctx, rt, file.Jobs, out)), nil
}

// CreateJobsCmd creates the jobs command.
func CreateJobsCmd() *cobra.Command {
	var file string
	var lockPath string
	var watch bool

	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Run every job in the jobs file",
		Long: `Runs the jobs defined in the jobs file concurrently, prefixing each output line with the job name. ` +
			`With --watch the file is re-read on change and the jobs are restarted.`,
		Args: cobra.NoArgs,
		Run: humacli.WithOptions(func(_ *cobra.Command, _ []string, opts *Options) {
			logger := logging.GetLogger("jobs")
			if file == "" {
				file = opts.JobsFile
			}

			if lockPath != "" {
				lock, err := lockJobs(lockPath)
				if err != nil {
					logger.Error("Failed to acquire jobs lock", "error", err)
					os.Exit(1)
				}
				defer func() { _ = lock.Unlock() }()
			}

			rt, err := NewRuntime(opts)
			if err != nil {
				logger.Error("Invalid configuration", "error", err)
				os.Exit(1)
			}

			ctx, stop := signalContext()
			defer stop()

			if watch {
				defer logStalls(rt.Bus, logger)()
				notifier := systemd.NewNotifier(logger)
				notifier.Ready()
				defer notifier.Stopping()
				if err := watchJobs(ctx, rt, file, os.Stdout, logger); err != nil {
					logger.Error("Jobs watch failed", "error", err)
					os.Exit(1)
				}
				return
			}

			failed, err := ExecuteJobs(ctx, rt, file, os.Stdout)
			if err != nil {
				if errors.Is(err, config.ErrNoJobsFile) {
					logger.Error("Jobs file not found", "path", file)
				} else {
					logger.Error("Failed to run jobs", "error", err)
				}
				os.Exit(1)
			}
			if failed > 0 {
				os.Exit(1)
			}
		}),
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "Jobs file (defaults to the configured jobs file)")
	cmd.Flags().StringVar(&lockPath, "lock", "", "Lock file preventing concurrent runs of the same jobs")
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "Re-run the jobs whenever the jobs file changes")
	return cmd
}
