package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/danielgtaylor/huma/v2/humacli"
	"github.com/smazurov/procexec/internal/logging"
	"github.com/smazurov/procexec/internal/process"
	"github.com/spf13/cobra"
)

// resolvedSpec is the printable form of a launch spec.
type resolvedSpec struct {
	Path string   `json:"path"`
	Args []string `json:"args"`
	Line string   `json:"line"`
}

func printSpec(w io.Writer, spec process.LaunchSpec, asJSON bool) error {
	line := process.ShellJoin(spec.Argv())
	if !asJSON {
		_, err := fmt.Fprintln(w, line)
		return err
	}
	args := spec.Args
	if args == nil {
		args = []string{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(resolvedSpec{Path: spec.Path, Args: args, Line: line})
}

// CreateResolveCmd creates the resolve command.
func CreateResolveCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "resolve [flags] -- command [args...]",
		Short: "Print the launch spec a command resolves to",
		Long:  `Resolves a command the same way run does and prints the resulting argument vector, quoted for a POSIX shell.`,
		Args:  cobra.MinimumNArgs(1),
		Run: humacli.WithOptions(func(_ *cobra.Command, args []string, opts *Options) {
			logger := logging.GetLogger("shell")

			rt, err := NewRuntime(opts)
			if err != nil {
				logger.Error("Invalid configuration", "error", err)
				os.Exit(1)
			}

			spec, err := buildSpec(context.Background(), rt.Resolver, args)
			if err != nil {
				logger.Error("Failed to resolve command", "error", err)
				os.Exit(1)
			}
			if err := printSpec(os.Stdout, spec, asJSON); err != nil {
				logger.Error("Failed to print launch spec", "error", err)
				os.Exit(1)
			}
		}),
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the launch spec as JSON")
	return cmd
}
