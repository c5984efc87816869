package router

import (
	"strings"

	"github.com/nugget/parley/internal/persona"
)

// Label is the parsed outcome of a classification call: either a
// registered persona ID or Unrecognized. Raw model output is never used
// for branching directly.
type Label struct {
	id string
}

// Unrecognized is the label for output that names no registered persona.
var Unrecognized = Label{}

// ID returns the persona ID and whether the label was recognized.
func (l Label) ID() (string, bool) {
	return l.id, l.id != ""
}

// String implements fmt.Stringer.
func (l Label) String() string {
	if l.id == "" {
		return "unrecognized"
	}
	return l.id
}

// Parse trims surrounding whitespace from raw and accepts it only when
// it exactly matches a registered persona ID.
func Parse(raw string, reg *persona.Registry) Label {
	id := strings.TrimSpace(raw)
	if id == "" || !reg.Has(id) {
		return Unrecognized
	}
	return Label{id: id}
}
