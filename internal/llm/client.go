package llm

import "context"

// Client is the interface that all model providers implement.
type Client interface {
	// Complete sends one completion request. It returns a Completion or
	// an error wrapping ErrUpstream; never both, never neither.
	Complete(ctx context.Context, req *Request) (*Completion, error)

	// Ping checks if the provider is reachable.
	Ping(ctx context.Context) error
}
