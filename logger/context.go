package logger

import (
	"context"
)

// ContextKey is used for context values
type ContextKey string

const (
	// HostKey is the context key for the remote host being dialed
	HostKey ContextKey = "host"
	// ReplicaSetKey is the context key for the replica set name
	ReplicaSetKey ContextKey = "replica_set"
	// RequestIDKey is the context key for a pool request ID
	RequestIDKey ContextKey = "request_id"
)

// WithContextValue adds a value to the context for logging
func WithContextValue(ctx context.Context, key ContextKey, value any) context.Context {
	return context.WithValue(ctx, key, value)
}

// appendContextArgs extracts logging-relevant values from ctx and appends
// them to args
func appendContextArgs(ctx context.Context, args ...any) []any {
	if ctx == nil {
		return args
	}

	if host, ok := ctx.Value(HostKey).(string); ok {
		args = append(args, "host", host)
	}

	if set, ok := ctx.Value(ReplicaSetKey).(string); ok {
		args = append(args, "replica_set", set)
	}

	if requestID, ok := ctx.Value(RequestIDKey).(string); ok {
		args = append(args, "request_id", requestID)
	}

	return args
}
