package logger

import "context"

// contextKey is a private type to prevent collisions with other context keys.
type contextKey struct{}

// requestIDKey is the context key for the workflow request ID.
var requestIDKey = contextKey{}

// WithRequestID returns a new context carrying the workflow request ID, so
// every log line emitted on behalf of a request can be correlated.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestID extracts the workflow request ID from the context.
// Returns an empty string if none is set.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}
