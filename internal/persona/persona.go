// Package persona loads the named system-instruction profiles that shape
// the model's behavior for a turn.
//
// Personas come from markdown files: the file name (without .md) is the
// persona ID, an optional YAML frontmatter block carries the description,
// and the body is the instruction text. The shipped defaults are embedded
// in the binary; files in an operator-supplied directory add to or
// override them.
package persona

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	defaultpersonas "github.com/nugget/parley/personas"
)

// Persona is an immutable named system instruction.
type Persona struct {
	ID          string `json:"id"`
	Description string `json:"description,omitempty"`
	Instruction string `json:"instruction"`
}

// ErrUnknownDefault is returned when the configured default persona is
// not among the loaded personas.
var ErrUnknownDefault = errors.New("default persona is not registered")

// Registry is the read-only set of personas available to the router and
// the orchestration loop.
type Registry struct {
	byID      map[string]Persona
	ids       []string
	defaultID string
}

// NewRegistry builds a registry from personas. Later entries with the
// same ID replace earlier ones. defaultID must name one of them.
func NewRegistry(personas []Persona, defaultID string) (*Registry, error) {
	r := &Registry{byID: make(map[string]Persona, len(personas)), defaultID: defaultID}
	for _, p := range personas {
		if p.ID == "" {
			return nil, fmt.Errorf("persona with empty id")
		}
		if strings.TrimSpace(p.Instruction) == "" {
			return nil, fmt.Errorf("persona %q has an empty instruction", p.ID)
		}
		r.byID[p.ID] = p
	}
	if _, ok := r.byID[defaultID]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownDefault, defaultID)
	}
	for id := range r.byID {
		r.ids = append(r.ids, id)
	}
	sort.Strings(r.ids)
	return r, nil
}

// Load builds a registry from the embedded defaults overlaid by the
// markdown files in dir. An empty or missing dir uses the defaults only.
func Load(dir, defaultID string) (*Registry, error) {
	personas, err := LoadFS(defaultpersonas.FS, ".")
	if err != nil {
		return nil, fmt.Errorf("load embedded personas: %w", err)
	}
	if dir != "" {
		overrides, err := LoadFS(os.DirFS(dir), ".")
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load personas from %s: %w", dir, err)
		}
		personas = append(personas, overrides...)
	}
	return NewRegistry(personas, defaultID)
}

// LoadFS parses every .md file directly under dir in fsys, in file name
// order.
func LoadFS(fsys fs.FS, dir string) ([]Persona, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, err
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".md") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	var personas []Persona
	for _, f := range files {
		data, err := fs.ReadFile(fsys, path.Join(dir, f))
		if err != nil {
			return nil, fmt.Errorf("read persona %s: %w", f, err)
		}
		p, err := Parse(strings.TrimSuffix(f, ".md"), string(data))
		if err != nil {
			return nil, fmt.Errorf("parse persona %s: %w", f, err)
		}
		personas = append(personas, p)
	}
	return personas, nil
}

type frontmatter struct {
	Description string `yaml:"description"`
}

// Parse builds a persona from the raw contents of a persona file.
func Parse(id, raw string) (Persona, error) {
	meta, body, err := splitFrontmatter(raw)
	if err != nil {
		return Persona{}, err
	}
	var fm frontmatter
	if meta != "" {
		if err := yaml.Unmarshal([]byte(meta), &fm); err != nil {
			return Persona{}, fmt.Errorf("frontmatter: %w", err)
		}
	}
	return Persona{
		ID:          id,
		Description: strings.TrimSpace(fm.Description),
		Instruction: strings.TrimSpace(body),
	}, nil
}

// splitFrontmatter separates a "---" delimited YAML block from the body.
// Input without an opening delimiter is all body.
func splitFrontmatter(raw string) (meta, body string, err error) {
	raw = strings.ReplaceAll(raw, "\r\n", "\n")
	if !strings.HasPrefix(raw, "---\n") {
		return "", raw, nil
	}
	rest := raw[len("---\n"):]
	if strings.HasPrefix(rest, "---\n") || rest == "---" {
		return "", strings.TrimPrefix(rest, "---"), nil
	}
	end := strings.Index(rest, "\n---")
	if end < 0 {
		return "", "", fmt.Errorf("frontmatter has no closing delimiter")
	}
	return rest[:end], rest[end+len("\n---"):], nil
}

// Get returns the persona with the given ID.
func (r *Registry) Get(id string) (Persona, bool) {
	p, ok := r.byID[id]
	return p, ok
}

// Has reports whether id is registered.
func (r *Registry) Has(id string) bool {
	_, ok := r.byID[id]
	return ok
}

// IDs returns the registered persona IDs in sorted order.
func (r *Registry) IDs() []string {
	return append([]string(nil), r.ids...)
}

// Default returns the fallback persona.
func (r *Registry) Default() Persona {
	return r.byID[r.defaultID]
}

// All returns every persona sorted by ID.
func (r *Registry) All() []Persona {
	out := make([]Persona, 0, len(r.ids))
	for _, id := range r.ids {
		out = append(out, r.byID[id])
	}
	return out
}
