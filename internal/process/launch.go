package process

import (
	"io"
	"maps"
	"os"
	"slices"
	"sort"
	"strings"
)

// LaunchSpec describes what to execute. It is built before spawn and never
// mutated afterwards; use the With* helpers to derive modified copies.
type LaunchSpec struct {
	Path string
	Args []string
	Env  map[string]string
	Dir  string

	// Stdin is connected to the child's standard input. Nil means /dev/null.
	Stdin io.Reader
}

// Command returns a LaunchSpec for path with the given arguments.
func Command(path string, args ...string) LaunchSpec {
	return LaunchSpec{Path: path, Args: slices.Clone(args)}
}

// WithEnv returns a copy of the spec with env merged over its own environment.
func (s LaunchSpec) WithEnv(env map[string]string) LaunchSpec {
	s = s.clone()
	if s.Env == nil {
		s.Env = make(map[string]string, len(env))
	}
	maps.Copy(s.Env, env)
	return s
}

// WithDir returns a copy of the spec with the working directory set.
func (s LaunchSpec) WithDir(dir string) LaunchSpec {
	s = s.clone()
	s.Dir = dir
	return s
}

// WithStdin returns a copy of the spec reading standard input from r.
func (s LaunchSpec) WithStdin(r io.Reader) LaunchSpec {
	s = s.clone()
	s.Stdin = r
	return s
}

// Argv returns the full argument vector including the executable path.
func (s LaunchSpec) Argv() []string {
	return append([]string{s.Path}, s.Args...)
}

// String renders the spec as a single space-joined command line for logging.
func (s LaunchSpec) String() string {
	return strings.Join(s.Argv(), " ")
}

func (s LaunchSpec) clone() LaunchSpec {
	s.Args = slices.Clone(s.Args)
	if s.Env != nil {
		s.Env = maps.Clone(s.Env)
	}
	return s
}

// MergeEnv layers environment sources in increasing precedence. The base is
// in os.Environ form ("KEY=VALUE"); each override map replaces keys of the
// layers before it. The result is sorted for deterministic child environments.
func MergeEnv(base []string, overrides ...map[string]string) []string {
	merged := make(map[string]string, len(base))
	for _, kv := range base {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			continue
		}
		merged[k] = v
	}
	for _, layer := range overrides {
		maps.Copy(merged, layer)
	}

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	env := make([]string, 0, len(keys))
	for _, k := range keys {
		env = append(env, k+"="+merged[k])
	}
	return env
}

// resolveDir picks the first non-empty directory in precedence order.
func resolveDir(dirs ...string) string {
	for _, d := range dirs {
		if d != "" {
			return d
		}
	}
	return ""
}

// inheritedEnv is swapped in tests.
var inheritedEnv = os.Environ
