package tools

import "context"

// Tool execution context keys. These replace mutable setter fields on tool
// instances, making tools thread-safe for concurrent execution. Values are
// injected by the runtime and read by individual tools during Execute().

type toolContextKey string

const (
	ctxUserID    toolContextKey = "tool_user_id"
	ctxSessionID toolContextKey = "tool_session_id"
	ctxChannelID toolContextKey = "tool_channel_id"
)

// WithInvoker tags a context with the identity of the caller.
func WithInvoker(ctx context.Context, userID, sessionID, channelID string) context.Context {
	ctx = context.WithValue(ctx, ctxUserID, userID)
	ctx = context.WithValue(ctx, ctxSessionID, sessionID)
	return context.WithValue(ctx, ctxChannelID, channelID)
}

func UserIDFromCtx(ctx context.Context) string {
	v, _ := ctx.Value(ctxUserID).(string)
	return v
}

func SessionIDFromCtx(ctx context.Context) string {
	v, _ := ctx.Value(ctxSessionID).(string)
	return v
}

func ChannelIDFromCtx(ctx context.Context) string {
	v, _ := ctx.Value(ctxChannelID).(string)
	return v
}
