// Package version reports build metadata for --version.
//
// Release builds set the variables below with -ldflags "-X". Plain
// `go build` and `go install` builds fall back to the VCS stamp embedded by
// the toolchain.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
)

var (
	Version   = "dev"
	GitCommit = ""
	BuildDate = ""
)

// Info describes the running binary.
type Info struct {
	Version   string `json:"version"`
	GitCommit string `json:"git_commit,omitempty"`
	BuildDate string `json:"build_date,omitempty"`
	Modified  bool   `json:"modified,omitempty"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

// Get collects Info, preferring ldflags values over the embedded build info.
func Get() Info {
	info := Info{
		Version:   Version,
		GitCommit: GitCommit,
		BuildDate: BuildDate,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
	if bi, ok := debug.ReadBuildInfo(); ok {
		info.fill(bi)
	}
	return info
}

// fill copies the fields ldflags left empty from bi.
func (i *Info) fill(bi *debug.BuildInfo) {
	if i.Version == "dev" && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
		i.Version = bi.Main.Version
	}
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			if i.GitCommit == "" {
				i.GitCommit = s.Value
			}
		case "vcs.time":
			if i.BuildDate == "" {
				i.BuildDate = s.Value
			}
		case "vcs.modified":
			i.Modified = s.Value == "true"
		}
	}
}

// String renders i on one line, e.g.
//
//	v0.3.1 (3f2a9c1d0e7b, 2026-05-02T10:00:00Z) go1.24.11 linux/amd64
func (i Info) String() string {
	var meta []string
	if i.GitCommit != "" {
		commit := i.GitCommit
		if len(commit) > 12 {
			commit = commit[:12]
		}
		if i.Modified {
			commit += "-dirty"
		}
		meta = append(meta, commit)
	}
	if i.BuildDate != "" {
		meta = append(meta, i.BuildDate)
	}

	s := i.Version
	if len(meta) > 0 {
		s += " (" + strings.Join(meta, ", ") + ")"
	}
	return fmt.Sprintf("%s %s %s", s, i.GoVersion, i.Platform)
}
