package tools

import "context"

type contextKey string

const requestIDKey contextKey = "request_id"

// WithRequestID adds the turn's request ID to the context so tool logs
// can be correlated with the turn that triggered them.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestIDFromContext extracts the request ID from the context.
// Returns "" if not set.
func RequestIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}
