// Package buildinfo reports the version of the running binary.
//
// Release builds stamp the variables below with -ldflags. Plain
// "go build" and "go install" binaries fall back to the VCS settings the
// Go toolchain embeds, so a dev build still names its commit.
package buildinfo

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
	"time"
)

// Set with -ldflags "-X github.com/nugget/parley/internal/buildinfo.Version=...".
var (
	Version   = "dev"
	GitCommit = "unknown"
	GitBranch = "unknown"
	BuildTime = "unknown"
)

var started = time.Now()

// vcs holds settings read from the embedded module build info.
type vcs struct {
	revision string
	time     string
	modified bool
}

var readVCS = sync.OnceValue(func() vcs {
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return vcs{}
	}
	return vcsFromSettings(bi.Settings)
})

func vcsFromSettings(settings []debug.BuildSetting) vcs {
	var v vcs
	for _, s := range settings {
		switch s.Key {
		case "vcs.revision":
			v.revision = s.Value
		case "vcs.time":
			v.time = s.Value
		case "vcs.modified":
			v.modified = s.Value == "true"
		}
	}
	return v
}

// Commit returns the stamped commit, or the short VCS revision with a
// "-dirty" suffix for modified trees.
func Commit() string {
	if GitCommit != "unknown" {
		return GitCommit
	}
	v := readVCS()
	if v.revision == "" {
		return GitCommit
	}
	rev := v.revision
	if len(rev) > 12 {
		rev = rev[:12]
	}
	if v.modified {
		rev += "-dirty"
	}
	return rev
}

// Built returns the stamped build time, or the commit time when only
// VCS info is available.
func Built() string {
	if BuildTime != "unknown" {
		return BuildTime
	}
	if t := readVCS().time; t != "" {
		return t
	}
	return BuildTime
}

// Info returns build and runtime metadata keyed for the version
// endpoint and the version command.
func Info() map[string]string {
	return map[string]string{
		"version":    Version,
		"git_commit": Commit(),
		"git_branch": GitBranch,
		"build_time": Built(),
		"go_version": runtime.Version(),
		"os":         runtime.GOOS,
		"arch":       runtime.GOARCH,
		"uptime":     Uptime().String(),
	}
}

// Uptime is the time since the process started, to the second.
func Uptime() time.Duration {
	return time.Since(started).Truncate(time.Second)
}

// String returns a one-line summary for logs and the version command.
func String() string {
	return fmt.Sprintf("Parley %s (%s@%s) built %s", Version, Commit(), GitBranch, Built())
}

// UserAgent is sent on outbound model requests.
func UserAgent() string {
	return "parley/" + Version + " (" + runtime.GOOS + "/" + runtime.GOARCH + ")"
}
