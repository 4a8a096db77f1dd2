// Package shell turns command strings into launch specs, either by
// tokenizing them directly or by handing them to a shell.
package shell

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"

	"github.com/smazurov/procexec/internal/process"
	"golang.org/x/sync/singleflight"
)

// Family selects how a command string is interpreted.
type Family string

// Shell families.
const (
	FamilyNone Family = "none" // tokenize with Split, no shell
	FamilySh   Family = "sh"
	FamilyBash Family = "bash"
	FamilyZsh  Family = "zsh"
)

// ErrNotFound is returned when an executable cannot be located.
var ErrNotFound = errors.New("executable not found")

// DefaultShells maps each shell family to its interpreter.
var DefaultShells = map[Family]string{
	FamilySh:   "/bin/sh",
	FamilyBash: "/bin/bash",
	FamilyZsh:  "/bin/zsh",
}

// ParseFamily parses a family name. Empty means FamilyNone.
func ParseFamily(s string) (Family, error) {
	switch f := Family(strings.ToLower(strings.TrimSpace(s))); f {
	case "":
		return FamilyNone, nil
	case FamilyNone, FamilySh, FamilyBash, FamilyZsh:
		return f, nil
	default:
		return FamilyNone, fmt.Errorf("unknown shell family %q", s)
	}
}

// Options configures a Resolver.
type Options struct {
	// Family is used by Resolve.
	Family Family
	// Shells overrides interpreter paths per family. Bare names are looked up.
	Shells map[Family]string
	Logger *slog.Logger
}

// lookupScript prints the first executable file named $1 in an absolute
// $PATH directory. It searches $PATH itself rather than using "command -v",
// which reports builtins such as echo or true by bare name.
const lookupScript = `IFS=:
for d in $PATH; do
	case $d in /*) ;; *) continue ;; esac
	if [ -f "$d/$1" ] && [ -x "$d/$1" ]; then
		printf '%s\n' "$d/$1"
		exit 0
	fi
done
exit 1`

// Resolver builds launch specs from command strings. Executable lookups
// search $PATH through the engine and are cached for the resolver's
// lifetime.
type Resolver struct {
	engine *process.Engine
	family Family
	shells map[Family]string
	logger *slog.Logger

	mu       sync.Mutex
	cache    map[string]string
	inflight singleflight.Group
}

// NewResolver creates a resolver that runs lookups on engine.
func NewResolver(engine *process.Engine, opts Options) *Resolver {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	shells := make(map[Family]string, len(DefaultShells))
	for f, path := range DefaultShells {
		shells[f] = path
	}
	for f, path := range opts.Shells {
		if path != "" {
			shells[f] = path
		}
	}
	family := opts.Family
	if family == "" {
		family = FamilyNone
	}
	return &Resolver{
		engine: engine,
		family: family,
		shells: shells,
		logger: logger,
		cache:  make(map[string]string),
	}
}

// Family returns the resolver's default family.
func (r *Resolver) Family() Family { return r.family }

// Resolve builds a launch spec for command using the default family.
func (r *Resolver) Resolve(ctx context.Context, command string) (process.LaunchSpec, error) {
	return r.ResolveAs(ctx, r.family, command)
}

// ResolveAs builds a launch spec for command using family.
func (r *Resolver) ResolveAs(ctx context.Context, family Family, command string) (process.LaunchSpec, error) {
	if strings.TrimSpace(command) == "" {
		return process.LaunchSpec{}, process.ErrEmptyCommand
	}

	if family == FamilyNone || family == "" {
		words, err := Split(command)
		if err != nil {
			return process.LaunchSpec{}, err
		}
		path, err := r.Lookup(ctx, words[0])
		if err != nil {
			return process.LaunchSpec{}, err
		}
		return process.Command(path, words[1:]...), nil
	}

	shellPath, ok := r.shells[family]
	if !ok {
		return process.LaunchSpec{}, fmt.Errorf("unknown shell family %q", family)
	}
	path, err := r.Lookup(ctx, shellPath)
	if err != nil {
		return process.LaunchSpec{}, fmt.Errorf("shell %s: %w", family, err)
	}
	return process.Command(path, "-c", command), nil
}

// Lookup returns the absolute path of an executable. Names containing a
// slash are returned as-is.
func (r *Resolver) Lookup(ctx context.Context, name string) (string, error) {
	if strings.Contains(name, "/") {
		return name, nil
	}

	if path, ok := r.cached(name); ok {
		return path, nil
	}

	// concurrent misses for the same name share one lookup process; the
	// lock is not held while it runs
	v, err, _ := r.inflight.Do(name, func() (any, error) {
		if path, ok := r.cached(name); ok {
			return path, nil
		}
		path, err := r.search(ctx, name)
		if err != nil {
			return "", err
		}
		r.mu.Lock()
		r.cache[name] = path
		r.mu.Unlock()
		r.logger.Debug("Resolved executable", "name", name, "path", path)
		return path, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (r *Resolver) cached(name string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	path, ok := r.cache[name]
	return path, ok
}

// search runs lookupScript with name as $1, so name never needs quoting.
func (r *Resolver) search(ctx context.Context, name string) (string, error) {
	res, err := r.engine.RunSpec(ctx,
		process.Command("/bin/sh", "-c", lookupScript, "sh", name),
		process.WithStrategy(process.StrategyDirect),
		process.WithStallWindow(0),
	)
	if err != nil {
		return "", fmt.Errorf("lookup %s: %w", name, err)
	}

	path := strings.TrimSpace(res.StdoutString())
	if !res.Success() || !filepath.IsAbs(path) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return path, nil
}
