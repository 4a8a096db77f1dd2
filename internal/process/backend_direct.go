package process

import (
	"context"
	"log/slog"
)

// DirectBackend spawns the launch spec as-is through os/exec.
type DirectBackend struct {
	execBackend
}

// NewDirectBackend creates a direct backend.
func NewDirectBackend(logger *slog.Logger) *DirectBackend {
	return &DirectBackend{execBackend{name: StrategyDirect.String(), logger: logger}}
}

// Start spawns the process. The context is not bound to the child's lifetime.
func (b *DirectBackend) Start(_ context.Context) error {
	spec, _ := b.configured()
	return b.launch(spec, MergeEnv(inheritedEnv(), spec.Env))
}
