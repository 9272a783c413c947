package tools

import "context"

// SessionInfo identifies the conversation a tool call belongs to. The engine
// attaches it to the invocation context so session-aware tools (cron) can
// bind their effects to the calling chat.
type SessionInfo struct {
	Channel string
	ChatID  string
}

type sessionCtxKey struct{}

func WithSession(ctx context.Context, channel, chatID string) context.Context {
	return context.WithValue(ctx, sessionCtxKey{}, SessionInfo{Channel: channel, ChatID: chatID})
}

func SessionFromContext(ctx context.Context) (SessionInfo, bool) {
	info, ok := ctx.Value(sessionCtxKey{}).(SessionInfo)
	return info, ok
}
