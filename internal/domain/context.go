package domain

import "context"

type ctxKey string

const (
	sessionCtxKey ctxKey = "session_key"
	turnCtxKey    ctxKey = "turn_id"
)

// ContextWithSessionKey returns a new context carrying the session key.
func ContextWithSessionKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, sessionCtxKey, key)
}

// SessionKeyFromContext extracts the session key from the context.
// Returns empty string if not set.
func SessionKeyFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(sessionCtxKey).(string); ok {
		return v
	}
	return ""
}

// ContextWithTurnID returns a new context carrying the turn ID (ULID).
func ContextWithTurnID(ctx context.Context, turnID string) context.Context {
	return context.WithValue(ctx, turnCtxKey, turnID)
}

// TurnIDFromContext extracts the turn ID from the context.
func TurnIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(turnCtxKey).(string); ok {
		return v
	}
	return ""
}
