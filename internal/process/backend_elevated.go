package process

import (
	"context"
	"log/slog"
)

// ElevatedBackend runs the launch spec with elevated privileges obtained from
// an Authority. The child's output goes to the same pipes as any other
// backend.
//
// Interrupt is not supported: the elevated wrapper does not forward SIGINT
// reliably, so the method always returns ErrInterruptUnsupported.
type ElevatedBackend struct {
	execBackend
	authority *Authority
}

// NewElevatedBackend creates an elevated backend using authority.
func NewElevatedBackend(authority *Authority, logger *slog.Logger) *ElevatedBackend {
	return &ElevatedBackend{
		execBackend: execBackend{name: StrategyElevated.String(), logger: logger},
		authority:   authority,
	}
}

// Start verifies (and if needed re-acquires) the elevation token, then
// spawns the wrapped command.
func (b *ElevatedBackend) Start(ctx context.Context) error {
	spec, _ := b.configured()
	if spec.Path == "" {
		return ErrEmptyCommand
	}
	return b.authority.Use(ctx, func(tok *Token) error {
		return b.launch(tok.Wrap(spec), inheritedEnv())
	})
}

// Interrupt always fails for elevated processes.
func (b *ElevatedBackend) Interrupt() error {
	return ErrInterruptUnsupported
}
