package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"time"

	"github.com/danielgtaylor/huma/v2/humacli"
	"github.com/smazurov/procexec/cmd"
	"github.com/smazurov/procexec/internal/config"
	"github.com/smazurov/procexec/internal/logging"
	"github.com/smazurov/procexec/internal/metrics/exporters"
	"github.com/smazurov/procexec/internal/systemd"
	"github.com/smazurov/procexec/internal/version"
)

// shutdownTimeout bounds how long children get to exit on stop.
const shutdownTimeout = 15 * time.Second

func main() {
	var cli humacli.CLI

	// Create Huma CLI
	cli = humacli.New(func(hooks humacli.Hooks, opts *cmd.Options) {
		// Load configuration automatically
		if loadErr := config.LoadConfig(opts, cli.Root()); loadErr != nil {
			slog.Warn("Failed to load config", "error", loadErr)
		}

		// Initialize logging system
		logging.Initialize(opts.LoggingConfig())
		logger := logging.GetLogger("main")

		rt, rtErr := cmd.NewRuntime(opts)
		ctx, cancel := context.WithCancel(context.Background())
		notifier := systemd.NewNotifier(logger)

		hooks.OnStart(func() {
			if rtErr != nil {
				logger.Error("Invalid configuration", "error", rtErr)
				os.Exit(1)
			}

			if opts.MetricsAddr != "" {
				go func() {
					if serveErr := exporters.Serve(ctx, opts.MetricsAddr, logger); serveErr != nil {
						logger.Error("Failed to start metrics server", "addr", opts.MetricsAddr, "error", serveErr)
					}
				}()
			}

			notifier.Ready()
			failed, err := cmd.ExecuteJobs(ctx, rt, opts.JobsFile, os.Stdout)
			notifier.Status("jobs finished, %d failed", failed)
			switch {
			case errors.Is(err, config.ErrNoJobsFile):
				logger.Warn("Jobs file not found, nothing to run", "path", opts.JobsFile)
			case err != nil:
				logger.Error("Failed to run jobs", "error", err)
				os.Exit(1)
			case failed > 0:
				os.Exit(1)
			}

			// keep /metrics and /logs up until stopped
			if opts.MetricsAddr != "" {
				logger.Info("Jobs finished, serving metrics until stopped", "addr", opts.MetricsAddr)
				<-ctx.Done()
			}
			cancel()
		})

		hooks.OnStop(func() {
			logger.Info("Shutting down")
			notifier.Stopping()
			defer cancel()
			if rt == nil {
				return
			}

			for _, info := range rt.Engine.Registry().List() {
				logger.Info("Stopping child process", "id", info.ID, "pid", info.PID, "command", info.Command)
			}
			stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer stopCancel()
			if stopErr := rt.Engine.Registry().TerminateAll(stopCtx); stopErr != nil {
				logger.Error("Failed to stop child processes", "error", stopErr)
			}
		})
	})

	cli.Root().Use = "procexec"
	cli.Root().Short = "Run and supervise external processes"
	cli.Root().Version = version.Get().String()

	cli.Root().AddCommand(cmd.CreateRunCmd())
	cli.Root().AddCommand(cmd.CreateJobsCmd())
	cli.Root().AddCommand(cmd.CreateResolveCmd())

	// Run the CLI
	cli.Run()
}
