package context

import (
	"context"
	"strings"
)

type ctxKey string

const (
	requestIDKey ctxKey = "request_id"
	actorTypeKey ctxKey = "actor_type"
	actorIDKey   ctxKey = "actor_id"
	sessionKey   ctxKey = "session_ref"
	clientIPKey  ctxKey = "client_ip"
	userAgentKey ctxKey = "user_agent"
)

const (
	ActorViewer    = "viewer"
	ActorSystem    = "system"
	ActorScheduler = "scheduler"
)

func WithRequestID(ctx context.Context, requestID string) context.Context {
	return withString(ctx, requestIDKey, requestID)
}

func RequestIDFromContext(ctx context.Context) string {
	return stringFrom(ctx, requestIDKey)
}

// WithActor records who initiated the current operation, e.g. a viewer pubkey.
func WithActor(ctx context.Context, actorType, actorID string) context.Context {
	ctx = withString(ctx, actorTypeKey, actorType)
	return withString(ctx, actorIDKey, actorID)
}

func ActorFromContext(ctx context.Context) (string, string) {
	return stringFrom(ctx, actorTypeKey), stringFrom(ctx, actorIDKey)
}

func WithSessionRef(ctx context.Context, sessionRef string) context.Context {
	return withString(ctx, sessionKey, sessionRef)
}

func SessionRefFromContext(ctx context.Context) string {
	return stringFrom(ctx, sessionKey)
}

func withString(ctx context.Context, key ctxKey, value string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return ctx
	}
	return context.WithValue(ctx, key, value)
}

func stringFrom(ctx context.Context, key ctxKey) string {
	if ctx == nil {
		return ""
	}
	value, _ := ctx.Value(key).(string)
	return value
}

// WithClient records the caller's address and user agent for audit rows.
func WithClient(ctx context.Context, ip, userAgent string) context.Context {
	ctx = withString(ctx, clientIPKey, ip)
	return withString(ctx, userAgentKey, userAgent)
}

func ClientFromContext(ctx context.Context) (string, string) {
	return stringFrom(ctx, clientIPKey), stringFrom(ctx, userAgentKey)
}
