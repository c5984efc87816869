// Package tools defines the tools the model may call mid-turn and the
// registry that dispatches them.
package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/nugget/parley/internal/llm"
)

// Public failure texts fed back to the model in place of a tool result.
const (
	MsgToolNotFound   = "Tool not found."
	MsgInvalidExpr    = "Invalid mathematical expression."
	MsgExecutionError = "Tool execution failed."
)

// Handler executes a tool with already-decoded arguments.
type Handler func(ctx context.Context, args map[string]any) (string, error)

// Tool represents a callable tool.
type Tool struct {
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Parameters  llm.Schema `json:"parameters"`
	Handler     Handler    `json:"-"`
}

// Spec returns the declaration sent to the model.
func (t *Tool) Spec() llm.ToolSpec {
	return llm.ToolSpec{Name: t.Name, Description: t.Description, Parameters: t.Parameters}
}

// Registry holds available tools. It is populated at startup and
// read-only afterwards.
type Registry struct {
	tools  map[string]*Tool
	logger *slog.Logger
}

// Options configures the built-in tools.
type Options struct {
	// Location is the time zone used by getTime. Nil means time.Local.
	Location *time.Location
	// Now overrides the clock. Nil means time.Now.
	Now func() time.Time
}

// NewRegistry creates a registry with the built-in tools registered.
func NewRegistry(opts Options, logger *slog.Logger) *Registry {
	r := NewEmptyRegistry(logger)
	r.registerBuiltins(opts)
	return r
}

// NewEmptyRegistry creates a registry with no tools.
func NewEmptyRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{tools: make(map[string]*Tool), logger: logger}
}

func (r *Registry) registerBuiltins(opts Options) {
	r.Register(&Tool{
		Name:        "calculate",
		Description: "Evaluate a basic arithmetic expression such as \"2 + 3 * (4 - 1)\". Supports + - * / %, parentheses, and the functions sqrt, abs, pow, min, max, floor, ceil, round.",
		Parameters: llm.Schema{
			Type: "object",
			Properties: map[string]llm.Property{
				"expression": {Type: "string", Description: "The arithmetic expression to evaluate"},
			},
			Required: []string{"expression"},
		},
		Handler: handleCalculate,
	})

	clock := newClock(opts.Now, opts.Location)
	r.Register(&Tool{
		Name:        "getTime",
		Description: "Get the current date and time.",
		Parameters:  llm.Schema{Type: "object"},
		Handler:     clock.handleGetTime,
	})

	r.Register(&Tool{
		Name:        "defineWord",
		Description: "Look up the definition of a common programming or general term.",
		Parameters: llm.Schema{
			Type: "object",
			Properties: map[string]llm.Property{
				"word": {Type: "string", Description: "The word to define"},
			},
			Required: []string{"word"},
		},
		Handler: handleDefineWord,
	})
}

// Register adds a tool to the registry, replacing any tool with the same name.
func (r *Registry) Register(t *Tool) {
	r.tools[t.Name] = t
}

// Get retrieves a tool by name.
func (r *Registry) Get(name string) *Tool {
	return r.tools[name]
}

// Names returns the registered tool names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Specs returns the declarations of every tool, sorted by name.
func (r *Registry) Specs() []llm.ToolSpec {
	specs := make([]llm.ToolSpec, 0, len(r.tools))
	for _, name := range r.Names() {
		specs = append(specs, r.tools[name].Spec())
	}
	return specs
}

// Invoke runs a tool by name. Unknown names yield *ErrToolNotFound;
// missing required arguments and rejected input yield *ExecutionError.
func (r *Registry) Invoke(ctx context.Context, name string, args map[string]any) (string, error) {
	tool := r.tools[name]
	if tool == nil {
		return "", &ErrToolNotFound{ToolName: name}
	}
	if args == nil {
		args = map[string]any{}
	}
	for _, req := range tool.Parameters.Required {
		if _, ok := args[req]; !ok {
			return "", &ExecutionError{
				Tool:    name,
				Message: MsgExecutionError,
				Err:     fmt.Errorf("missing required argument %q", req),
			}
		}
	}
	return tool.Handler(ctx, args)
}

// Result runs the requested call and always produces text for the
// model. Failures become their public message; the underlying error is
// returned alongside for logging only.
func (r *Registry) Result(ctx context.Context, call llm.ToolCall) (string, error) {
	start := time.Now()
	out, err := r.Invoke(ctx, call.Name, call.Arguments)

	log := r.logger.With("tool", call.Name, "request_id", RequestIDFromContext(ctx))
	if err == nil {
		log.Debug("tool executed", "elapsed", time.Since(start).Round(time.Microsecond))
		return out, nil
	}

	var notFound *ErrToolNotFound
	var execErr *ExecutionError
	switch {
	case errors.As(err, &notFound):
		log.Warn("model requested unknown tool")
		return MsgToolNotFound, err
	case errors.As(err, &execErr):
		log.Info("tool rejected input", "error", err)
		return execErr.Message, err
	default:
		log.Error("tool failed", "error", err)
		return MsgExecutionError, err
	}
}

// stringArg extracts a string argument, tolerating non-string JSON
// scalars the model sometimes sends.
func stringArg(args map[string]any, key string) (string, bool) {
	v, ok := args[key]
	if !ok || v == nil {
		return "", false
	}
	switch s := v.(type) {
	case string:
		return s, true
	default:
		return fmt.Sprint(s), true
	}
}
