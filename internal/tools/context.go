package tools

import "context"

type contextKey string

const (
	sessionKey  contextKey = "session"
	turnIDKey   contextKey = "turn_id"
	toolCallKey contextKey = "tool_call_id"
)

// WithSession records the session name for capabilities that scope
// their own state per conversation.
func WithSession(ctx context.Context, session string) context.Context {
	return context.WithValue(ctx, sessionKey, session)
}

// SessionFromContext returns the session name, or "default".
func SessionFromContext(ctx context.Context) string {
	if s, ok := ctx.Value(sessionKey).(string); ok && s != "" {
		return s
	}
	return "default"
}

// WithTurnID records the current turn ID.
func WithTurnID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, turnIDKey, id)
}

// TurnIDFromContext returns the current turn ID, or "".
func TurnIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(turnIDKey).(string)
	return id
}

// WithToolCallID records the ID of the call being executed.
func WithToolCallID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, toolCallKey, id)
}

// ToolCallIDFromContext returns the ID of the call being executed, or "".
func ToolCallIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(toolCallKey).(string)
	return id
}
