package buildinfo

import (
	"runtime/debug"
	"strings"
	"testing"
)

func TestInfo_Keys(t *testing.T) {
	info := Info()
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch", "uptime"} {
		if info[k] == "" {
			t.Errorf("Info()[%q] is empty", k)
		}
	}
}

func TestVCSFromSettings(t *testing.T) {
	got := vcsFromSettings([]debug.BuildSetting{
		{Key: "-compiler", Value: "gc"},
		{Key: "vcs", Value: "git"},
		{Key: "vcs.revision", Value: "0123456789abcdef0123"},
		{Key: "vcs.time", Value: "2026-10-01T12:00:00Z"},
		{Key: "vcs.modified", Value: "true"},
	})
	want := vcs{revision: "0123456789abcdef0123", time: "2026-10-01T12:00:00Z", modified: true}
	if got != want {
		t.Errorf("vcsFromSettings() = %+v, want %+v", got, want)
	}

	if empty := vcsFromSettings(nil); empty != (vcs{}) {
		t.Errorf("vcsFromSettings(nil) = %+v", empty)
	}
}

func TestCommit_PrefersStamp(t *testing.T) {
	orig := GitCommit
	t.Cleanup(func() { GitCommit = orig })

	GitCommit = "abc1234"
	if got := Commit(); got != "abc1234" {
		t.Errorf("Commit() = %q, want stamped value", got)
	}
	if !strings.Contains(String(), "abc1234@") {
		t.Errorf("String() = %q", String())
	}
}

func TestUserAgent(t *testing.T) {
	ua := UserAgent()
	if !strings.HasPrefix(ua, "parley/"+Version+" (") {
		t.Errorf("UserAgent() = %q, want prefix %q", ua, "parley/"+Version)
	}
}
