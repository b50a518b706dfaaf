package appctx

import "context"

// ContextKey is the shared type for all context keys in this codebase.
// Keeping it in a tiny package avoids import cycles (config <-> workflow).
type ContextKey string

func (c ContextKey) String() string { return string(c) }

var (
	ContextKeyCorrelationId = ContextKey("CorrelationId")
	ContextKeyRunId         = ContextKey("RunId")
	ContextKeyTriggeredBy   = ContextKey("TriggeredBy")
)

func GetString(ctx context.Context, key ContextKey) (string, bool) {
	v, ok := ctx.Value(key).(string)
	return v, ok
}

func Set(ctx context.Context, key ContextKey, value any) context.Context {
	return context.WithValue(ctx, key, value)
}

func SetCorrelationId(ctx context.Context, correlationId string) context.Context {
	return Set(ctx, ContextKeyCorrelationId, correlationId)
}

func GetCorrelationId(ctx context.Context) (string, bool) {
	return GetString(ctx, ContextKeyCorrelationId)
}

func SetRunId(ctx context.Context, runId string) context.Context {
	return Set(ctx, ContextKeyRunId, runId)
}

func GetRunId(ctx context.Context) (string, bool) {
	return GetString(ctx, ContextKeyRunId)
}

func SetTriggeredBy(ctx context.Context, triggeredBy string) context.Context {
	return Set(ctx, ContextKeyTriggeredBy, triggeredBy)
}

func GetTriggeredBy(ctx context.Context) (string, bool) {
	return GetString(ctx, ContextKeyTriggeredBy)
}
