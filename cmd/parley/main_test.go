package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/nugget/parley/internal/agent"
	"github.com/nugget/parley/internal/persona"
)

func TestRun_Usage(t *testing.T) {
	for _, args := range [][]string{nil, {"-h"}, {"--help"}} {
		var out bytes.Buffer
		if err := run(context.Background(), &out, &out, args); err != nil {
			t.Fatalf("run(%v) error: %v", args, err)
		}
		if !strings.Contains(out.String(), "Usage: parley") {
			t.Errorf("run(%v) output missing usage:\n%s", args, out.String())
		}
	}
}

func TestRun_Errors(t *testing.T) {
	tests := []struct {
		args []string
		want string
	}{
		{[]string{"frobnicate"}, "unknown command"},
		{[]string{"-x", "serve"}, "unknown flag"},
		{[]string{"-o", "yaml", "version"}, "unknown output format"},
		{[]string{"-config", "/nonexistent/parley.yaml", "personas"}, "config file not found"},
	}
	for _, tt := range tests {
		t.Run(strings.Join(tt.args, " "), func(t *testing.T) {
			err := run(context.Background(), &bytes.Buffer{}, &bytes.Buffer{}, tt.args)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("run() error = %v, want %q", err, tt.want)
			}
		})
	}
}

func TestRun_Version(t *testing.T) {
	var text bytes.Buffer
	if err := run(context.Background(), &text, &text, []string{"version"}); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(text.String(), "go_version:") {
		t.Errorf("text version output:\n%s", text.String())
	}

	var js bytes.Buffer
	if err := run(context.Background(), &js, &js, []string{"-o", "json", "version"}); err != nil {
		t.Fatal(err)
	}
	var info map[string]string
	if err := json.Unmarshal(js.Bytes(), &info); err != nil {
		t.Fatalf("json version output: %v\n%s", err, js.String())
	}
	if info["version"] == "" {
		t.Errorf("version missing from %v", info)
	}
}

func TestParseAskArgs(t *testing.T) {
	opts, err := parseAskArgs([]string{"-persona", "travel", "Where", "should", "-session", "s9", "I", "go?"})
	if err != nil {
		t.Fatal(err)
	}
	if opts.persona != "travel" || opts.session != "s9" || opts.message != "Where should I go?" {
		t.Errorf("parseAskArgs() = %+v", opts)
	}

	if _, err := parseAskArgs([]string{"-persona", "tutor"}); err == nil {
		t.Error("missing message should fail")
	}
}

// writeTestConfig writes an ollama-backed config and returns its path.
func writeTestConfig(t *testing.T, ollamaURL, personasDir string) string {
	t.Helper()
	body := fmt.Sprintf(`
models:
  provider: ollama
  default: fake-model
  ollama_url: %s
personas_dir: %q
default_persona: tutor
log_level: debug
`, ollamaURL, personasDir)
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestRun_Personas(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "pirate.md"), []byte("---\ndescription: Arr\n---\nTalk like a pirate."), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg := writeTestConfig(t, "http://127.0.0.1:1", dir)

	var out bytes.Buffer
	if err := run(context.Background(), &out, &out, []string{"-config", cfg, "personas"}); err != nil {
		t.Fatalf("personas error: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 4 {
		t.Fatalf("personas output has %d lines, want 4:\n%s", len(lines), out.String())
	}
	if !strings.HasPrefix(lines[0], "  pirate") || !strings.Contains(lines[0], "Arr") {
		t.Errorf("first line = %q", lines[0])
	}
	if !strings.HasPrefix(lines[3], "* tutor") {
		t.Errorf("default marker line = %q", lines[3])
	}

	out.Reset()
	if err := run(context.Background(), &out, &out, []string{"-config", cfg, "-o", "json", "personas"}); err != nil {
		t.Fatal(err)
	}
	var ps []persona.Persona
	if err := json.Unmarshal(out.Bytes(), &ps); err != nil {
		t.Fatalf("json personas: %v", err)
	}
	if len(ps) != 4 {
		t.Errorf("json personas = %d, want 4", len(ps))
	}
}

// fakeOllama answers classification calls (no tools) with route and
// conversation calls with reply.
func fakeOllama(t *testing.T, route, reply string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			http.NotFound(w, r)
			return
		}
		calls.Add(1)
		var req struct {
			Tools []any `json:"tools"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		content := reply
		if len(req.Tools) == 0 {
			content = route
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"model":"fake-model","message":{"role":"assistant","content":%q},"done":true,"prompt_eval_count":10,"eval_count":2}`, content)
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func TestRun_Ask(t *testing.T) {
	srv, calls := fakeOllama(t, "support", "Happy to help.")
	cfg := writeTestConfig(t, srv.URL, "")

	var out bytes.Buffer
	if err := run(context.Background(), &out, &out, []string{"-config", cfg, "ask", "Hello"}); err != nil {
		t.Fatalf("ask error: %v", err)
	}
	if got, want := out.String(), "[support] Happy to help.\n"; got != want {
		t.Errorf("output = %q, want %q", got, want)
	}
	if calls.Load() != 2 {
		t.Errorf("model calls = %d, want 2 (route + reply)", calls.Load())
	}
}

func TestRun_AskExplicitPersonaJSON(t *testing.T) {
	srv, calls := fakeOllama(t, "support", "Pack light.")
	cfg := writeTestConfig(t, srv.URL, "")

	var out bytes.Buffer
	err := run(context.Background(), &out, &out, []string{"-config", cfg, "-o", "json", "ask", "-persona", "travel", "Any", "tips?"})
	if err != nil {
		t.Fatalf("ask error: %v", err)
	}
	var resp agent.Response
	if err := json.Unmarshal(out.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v\n%s", err, out.String())
	}
	if resp.PersonaID != "travel" || resp.Reply != "Pack light." {
		t.Errorf("response = %+v", resp)
	}
	if calls.Load() != 1 {
		t.Errorf("model calls = %d, want 1 (explicit persona skips routing)", calls.Load())
	}
}
