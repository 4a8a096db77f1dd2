package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"slices"
	"strings"
	"sync"
	"time"
)

// Token is an elevation credential: a wrapper program and the arguments that
// precede the wrapped command.
type Token struct {
	Program    string
	Args       []string
	EnvPath    string
	AcquiredAt time.Time
}

// Wrap returns spec rewritten to run through the token's wrapper program.
// Environment overrides are applied with env(1) because the wrapper is
// expected to reset the environment.
func (t *Token) Wrap(spec LaunchSpec) LaunchSpec {
	args := slices.Clone(t.Args)
	if len(spec.Env) > 0 {
		envPath := t.EnvPath
		if envPath == "" {
			envPath = "/usr/bin/env"
		}
		args = append(args, envPath)
		args = append(args, MergeEnv(nil, spec.Env)...)
	}
	args = append(args, spec.Path)
	args = append(args, spec.Args...)
	return LaunchSpec{Path: t.Program, Args: args, Dir: spec.Dir, Stdin: spec.Stdin}
}

// ElevationProvider obtains and checks elevation tokens.
type ElevationProvider interface {
	// Acquire obtains a fresh token, possibly prompting the user.
	Acquire(ctx context.Context) (*Token, error)
	// Verify returns ErrTokenStale when tok can no longer be used.
	Verify(ctx context.Context, tok *Token) error
}

// Authority caches one elevation token for the lifetime of the engine.
type Authority struct {
	provider ElevationProvider
	logger   *slog.Logger

	mu    sync.Mutex
	token *Token
}

// NewAuthority creates an Authority backed by provider.
func NewAuthority(provider ElevationProvider, logger *slog.Logger) *Authority {
	if logger == nil {
		logger = slog.Default()
	}
	return &Authority{provider: provider, logger: logger}
}

// Token returns the cached token or acquires a new one. cached reports
// whether the token came from the cache.
func (a *Authority) Token(ctx context.Context) (tok *Token, cached bool, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.token != nil {
		return a.token, true, nil
	}
	tok, err = a.provider.Acquire(ctx)
	if err != nil {
		return nil, false, err
	}
	a.token = tok
	a.logger.Info("Authorization token acquired", "program", tok.Program)
	return tok, false, nil
}

// Invalidate drops tok from the cache if it is still the cached token.
func (a *Authority) Invalidate(tok *Token) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.token == tok {
		a.token = nil
	}
}

// Use verifies a token and passes it to fn. A stale cached token is
// invalidated and replaced exactly once; any other failure is returned as an
// *AuthorizationError. Errors from fn are returned unchanged.
func (a *Authority) Use(ctx context.Context, fn func(*Token) error) error {
	for attempt := 0; ; attempt++ {
		tok, cached, err := a.Token(ctx)
		if err != nil {
			return &AuthorizationError{Op: "acquire", Err: err}
		}

		err = a.provider.Verify(ctx, tok)
		if err == nil {
			return fn(tok)
		}
		if errors.Is(err, ErrTokenStale) && cached && attempt == 0 {
			a.logger.Info("Cached authorization token is stale, re-acquiring")
			a.Invalidate(tok)
			continue
		}
		if errors.Is(err, ErrTokenStale) {
			a.Invalidate(tok)
		}
		return &AuthorizationError{Op: "verify", Err: err}
	}
}

// SudoProvider elevates through sudo(8). The sudo timestamp is the token:
// Acquire validates credentials with "sudo -v" and Verify checks them
// non-interactively with "sudo -n -v".
type SudoProvider struct {
	// Path to sudo. Empty means "sudo" from PATH.
	Path string
	// AskPass is a SUDO_ASKPASS helper; when set Acquire runs "sudo -A -v".
	AskPass string
	// EnvPath is env(1) used to apply environment overrides.
	EnvPath string
}

func (p SudoProvider) sudo() (string, error) {
	if p.Path != "" {
		return p.Path, nil
	}
	return exec.LookPath("sudo")
}

// Acquire implements ElevationProvider.
func (p SudoProvider) Acquire(ctx context.Context) (*Token, error) {
	path, err := p.sudo()
	if err != nil {
		return nil, err
	}

	args := []string{"-v"}
	cmd := exec.CommandContext(ctx, path)
	cmd.Env = os.Environ()
	if p.AskPass != "" {
		args = []string{"-A", "-v"}
		cmd.Env = append(cmd.Env, "SUDO_ASKPASS="+p.AskPass)
	} else {
		cmd.Stdin = os.Stdin
	}
	cmd.Args = append([]string{path}, args...)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("%w: %s", ErrAuthorizationDenied, msg)
		}
		return nil, fmt.Errorf("%w: %w", ErrAuthorizationDenied, err)
	}

	return &Token{
		Program:    path,
		Args:       []string{"-n", "--"},
		EnvPath:    p.EnvPath,
		AcquiredAt: time.Now(),
	}, nil
}

// Verify implements ElevationProvider.
func (p SudoProvider) Verify(ctx context.Context, tok *Token) error {
	cmd := exec.CommandContext(ctx, tok.Program, "-n", "-v")
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return ErrTokenStale
		}
		return err
	}
	return nil
}
