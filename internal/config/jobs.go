package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Duration is a time.Duration written as a string ("30s") in TOML.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Job is one command in a jobs file.
type Job struct {
	Name    string `toml:"name"`
	Command string `toml:"command"`
	// Shell is a shell family (none, sh, bash, zsh). Empty uses the default.
	Shell string `toml:"shell,omitempty"`
	// Backend is a process strategy (direct, elevated, script). Empty means direct.
	Backend     string            `toml:"backend,omitempty"`
	Env         map[string]string `toml:"env,omitempty"`
	Dir         string            `toml:"dir,omitempty"`
	StallWindow Duration          `toml:"stall_window,omitempty"`
	Timeout     Duration          `toml:"timeout,omitempty"`
	// Strict fails the job on any non-zero exit.
	Strict bool `toml:"strict"`
}

// JobsFile is the complete jobs configuration file.
type JobsFile struct {
	Version int   `toml:"version"`
	Jobs    []Job `toml:"job"`
}

// ErrNoJobsFile is returned by LoadJobs when the file does not exist.
var ErrNoJobsFile = errors.New("jobs file not found")

// LoadJobs reads and validates a jobs file.
func LoadJobs(path string) (*JobsFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNoJobsFile, path)
		}
		return nil, fmt.Errorf("failed to read jobs file: %w", err)
	}

	var jobs JobsFile
	if err := toml.Unmarshal(data, &jobs); err != nil {
		return nil, fmt.Errorf("failed to parse jobs file: %w", err)
	}
	if jobs.Version == 0 {
		jobs.Version = 1
	}
	if err := jobs.Validate(); err != nil {
		return nil, err
	}
	return &jobs, nil
}

// Validate checks that every job has a unique name and a command.
func (f *JobsFile) Validate() error {
	seen := make(map[string]bool, len(f.Jobs))
	for i, job := range f.Jobs {
		if job.Name == "" {
			return fmt.Errorf("job %d: name cannot be empty", i)
		}
		if seen[job.Name] {
			return fmt.Errorf("job %q: duplicate name", job.Name)
		}
		seen[job.Name] = true
		if job.Command == "" {
			return fmt.Errorf("job %q: command cannot be empty", job.Name)
		}
		if job.StallWindow < 0 || job.Timeout < 0 {
			return fmt.Errorf("job %q: durations cannot be negative", job.Name)
		}
	}
	return nil
}

// Job returns the job with name.
func (f *JobsFile) Job(name string) (Job, bool) {
	for _, job := range f.Jobs {
		if job.Name == name {
			return job, true
		}
	}
	return Job{}, false
}
