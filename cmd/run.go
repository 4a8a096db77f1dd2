package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/danielgtaylor/huma/v2/humacli"
	"github.com/smazurov/procexec/internal/logging"
	"github.com/smazurov/procexec/internal/process"
	"github.com/smazurov/procexec/internal/shell"
	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"
)

// Exit codes used when the child did not exit normally.
const (
	exitFailure   = 1
	exitCancelled = 130
)

// runFlags are the per-invocation settings of the run command. Backend,
// shell and stall window come from the global options.
type runFlags struct {
	strict   bool
	jsonPath string
	env      []string
	dir      string
	stdin    bool
}

// parseEnvAssignments parses KEY=VALUE pairs.
func parseEnvAssignments(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	env := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid environment assignment %q, expected KEY=VALUE", pair)
		}
		env[key] = value
	}
	return env, nil
}

// buildSpec turns command line arguments into a launch spec. A single
// argument is a command string handled by the resolver; several arguments
// are an argument vector whose first word is looked up.
func buildSpec(ctx context.Context, r *shell.Resolver, args []string) (process.LaunchSpec, error) {
	if len(args) == 1 {
		return r.Resolve(ctx, args[0])
	}
	path, err := r.Lookup(ctx, args[0])
	if err != nil {
		return process.LaunchSpec{}, err
	}
	return process.Command(path, args[1:]...), nil
}

// runOnce executes one command and returns the exit code to report.
func runOnce(ctx context.Context, rt *Runtime, flags runFlags, args []string, stdout, stderr io.Writer) (int, error) {
	spec, err := buildSpec(ctx, rt.Resolver, args)
	if err != nil {
		return exitFailure, err
	}
	env, err := parseEnvAssignments(flags.env)
	if err != nil {
		return exitFailure, err
	}
	if flags.stdin {
		spec = spec.WithStdin(os.Stdin)
	}

	var opts []process.Option
	if env != nil {
		opts = append(opts, process.WithEnv(env))
	}
	if flags.dir != "" {
		opts = append(opts, process.WithDir(flags.dir))
	}
	if flags.jsonPath == "" {
		opts = append(opts,
			process.WithStdoutLine(func(line string) { fmt.Fprintln(stdout, line) }),
			process.WithStderrLine(func(line string) { fmt.Fprintln(stderr, line) }),
		)
	}

	res, err := rt.Engine.RunSpec(ctx, spec, opts...)
	if err != nil {
		if process.IsCancelled(err) {
			return exitCancelled, err
		}
		return exitFailure, err
	}

	if flags.strict {
		if err := res.Validate(); err != nil {
			return exitCode(res), err
		}
	}

	if flags.jsonPath != "" {
		value := res.JSON(flags.jsonPath)
		if !value.Exists() {
			return exitFailure, fmt.Errorf("no value at %q in command output", flags.jsonPath)
		}
		fmt.Fprintln(stdout, value.String())
	}
	return exitCode(res), nil
}

func exitCode(res *process.Result) int {
	outcome := res.Outcome()
	if outcome.Kind == process.OutcomeNormalExit {
		return outcome.Code
	}
	return exitFailure
}

// signalContext returns a context cancelled by SIGINT or SIGTERM. Children
// are then stopped by the engine's cancellation, which interrupts them and
// reports the run as cancelled.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), unix.SIGINT, unix.SIGTERM)
}

// CreateRunCmd creates the run command.
func CreateRunCmd() *cobra.Command {
	var flags runFlags

	cmd := &cobra.Command{
		Use:   "run [flags] -- command [args...]",
		Short: "Run a single command",
		Long: `Runs one command, streaming its output live and exiting with its exit status. ` +
			`A single argument is a command string, tokenized or passed to the --shell family; ` +
			`several arguments are executed directly. With --json the output is parsed and the value at the given path is printed.`,
		Args: cobra.MinimumNArgs(1),
		Run: humacli.WithOptions(func(_ *cobra.Command, args []string, opts *Options) {
			logger := logging.GetLogger("process")

			rt, err := NewRuntime(opts)
			if err != nil {
				logger.Error("Invalid configuration", "error", err)
				os.Exit(exitFailure)
			}

			ctx, stop := signalContext()
			defer stop()

			code, err := runOnce(ctx, rt, flags, args, os.Stdout, os.Stderr)
			if err != nil {
				var exitErr *process.ExitError
				switch {
				case errors.As(err, &exitErr):
					logger.Error("Command failed", "command", strings.Join(args, " "), "outcome", exitErr.Outcome.String())
				case process.IsCancelled(err):
					logger.Warn("Command cancelled", "command", strings.Join(args, " "))
				default:
					logger.Error("Failed to run command", "command", strings.Join(args, " "), "error", err)
				}
			}
			if code != 0 {
				os.Exit(code)
			}
		}),
	}

	cmd.Flags().BoolVar(&flags.strict, "strict", false, "Treat any non-zero exit as an error")
	cmd.Flags().StringVar(&flags.jsonPath, "json", "", "Parse output as JSON and print the value at this gjson path")
	cmd.Flags().StringArrayVarP(&flags.env, "env", "e", nil, "Environment override KEY=VALUE (repeatable)")
	cmd.Flags().StringVarP(&flags.dir, "dir", "C", "", "Working directory")
	cmd.Flags().BoolVar(&flags.stdin, "stdin", false, "Connect standard input to the command")
	return cmd
}
