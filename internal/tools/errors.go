package tools

import "fmt"

// ErrToolNotFound is returned when a tool call targets a name that is
// not registered.
type ErrToolNotFound struct {
	ToolName string
}

// Error implements the error interface.
func (e *ErrToolNotFound) Error() string {
	return fmt.Sprintf("tool %q is not registered", e.ToolName)
}

// ExecutionError is returned when a tool rejects its arguments. Message
// is the public text shown to the model; Err carries the detail.
type ExecutionError struct {
	Tool    string
	Message string
	Err     error
}

// Error implements the error interface.
func (e *ExecutionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("tool %s: %s: %v", e.Tool, e.Message, e.Err)
	}
	return fmt.Sprintf("tool %s: %s", e.Tool, e.Message)
}

// Unwrap returns the underlying cause.
func (e *ExecutionError) Unwrap() error {
	return e.Err
}
