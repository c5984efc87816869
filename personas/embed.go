// Package defaultpersonas provides embedded copies of the shipped persona
// files. They are the built-in personas at runtime and are written out by
// the init subcommand.
//
// The runtime persona registry lives in internal/persona.
package defaultpersonas

import "embed"

// FS contains the shipped persona markdown files.
//
//go:embed *.md
var FS embed.FS
