package process

import (
	"context"
	"log/slog"
	"strings"
)

// DefaultScriptInterpreter is the AppleScript host used on macOS.
const DefaultScriptInterpreter = "/usr/bin/osascript"

// ScriptHost describes the scripting engine that mediates the spawn.
type ScriptHost struct {
	// Interpreter is the host executable. Empty means DefaultScriptInterpreter.
	Interpreter string
}

// Script renders the host script that runs spec through the host's shell.
// The inner command is escaped twice: once for the shell and once for the
// AppleScript string literal that carries it.
func (h ScriptHost) Script(spec LaunchSpec) string {
	return "do shell script " + AppleScriptString(InnerCommand(spec)) + " without altering line endings"
}

// Wrap returns the launch spec that invokes the host interpreter.
func (h ScriptHost) Wrap(spec LaunchSpec) LaunchSpec {
	interp := h.Interpreter
	if interp == "" {
		interp = DefaultScriptInterpreter
	}
	return LaunchSpec{
		Path:  interp,
		Args:  []string{"-e", h.Script(spec)},
		Stdin: spec.Stdin,
	}
}

// InnerCommand renders spec as a POSIX shell command line, including the
// working directory and environment overrides.
func InnerCommand(spec LaunchSpec) string {
	var sb strings.Builder
	if spec.Dir != "" {
		sb.WriteString("cd ")
		sb.WriteString(ShellQuote(spec.Dir))
		sb.WriteString(" && ")
	}
	if len(spec.Env) > 0 {
		sb.WriteString("env ")
		for _, kv := range MergeEnv(nil, spec.Env) {
			sb.WriteString(ShellQuote(kv))
			sb.WriteByte(' ')
		}
	}
	sb.WriteString(ShellJoin(spec.Argv()))
	return sb.String()
}

// ScriptHostedBackend spawns through a host scripting engine for
// environments where direct spawn is not allowed.
type ScriptHostedBackend struct {
	execBackend
	host ScriptHost
}

// NewScriptHostedBackend creates a script-hosted backend.
func NewScriptHostedBackend(host ScriptHost, logger *slog.Logger) *ScriptHostedBackend {
	return &ScriptHostedBackend{
		execBackend: execBackend{name: StrategyScriptHosted.String(), logger: logger},
		host:        host,
	}
}

// Start spawns the host interpreter.
func (b *ScriptHostedBackend) Start(_ context.Context) error {
	spec, _ := b.configured()
	if spec.Path == "" {
		return ErrEmptyCommand
	}
	return b.launch(b.host.Wrap(spec), inheritedEnv())
}
