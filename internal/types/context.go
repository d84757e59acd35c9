package types

import "context"

// Context keys. The request ID is the only ambient request-scoped value the
// domain layer reads; caller identity is always passed explicitly as a
// parameter (never through context) so the quota and tier logic stay
// testable in isolation.
type contextKey string

const requestIDKey contextKey = "request_id"

// WithRequestID stores the request ID in the context.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// GetRequestID retrieves the request ID from the context.
func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}
