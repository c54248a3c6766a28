package logging

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type (
	sessionCtxKey  struct{}
	eventCtxKey    struct{}
	learningCtxKey struct{}
	requestCtxKey  struct{}
	loggerCtxKey   struct{}
)

const maxIDLen = 256

// ContextFields extracts correlation fields from ctx.
func ContextFields(ctx context.Context) []zap.Field {
	if ctx == nil {
		return nil
	}
	fields := make([]zap.Field, 0, 6)
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}
	if v := stringValue(ctx, sessionCtxKey{}); v != "" {
		fields = append(fields, zap.String("session.id", v))
	}
	if v := stringValue(ctx, eventCtxKey{}); v != "" {
		fields = append(fields, zap.String("event.id", v))
	}
	if v := stringValue(ctx, learningCtxKey{}); v != "" {
		fields = append(fields, zap.String("learning.id", v))
	}
	if v := stringValue(ctx, requestCtxKey{}); v != "" {
		fields = append(fields, zap.String("request.id", v))
	}
	return fields
}

func stringValue(ctx context.Context, key any) string {
	s, _ := ctx.Value(key).(string)
	return s
}

// clip bounds ids taken from untrusted events before they reach log lines.
func clip(id string) string {
	if len(id) > maxIDLen {
		return id[:maxIDLen]
	}
	return id
}

// WithSessionID adds a session id to ctx. Empty ids are ignored.
func WithSessionID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, sessionCtxKey{}, clip(id))
}

// WithEventID adds an outcome event id to ctx. Empty ids are ignored.
func WithEventID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, eventCtxKey{}, clip(id))
}

// WithLearningID adds a learning id to ctx. Empty ids are ignored.
func WithLearningID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, learningCtxKey{}, clip(id))
}

// WithRequestID adds an HTTP request id to ctx. Empty ids are ignored.
func WithRequestID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, requestCtxKey{}, clip(id))
}

// SessionIDFromContext returns the session id in ctx, if any.
func SessionIDFromContext(ctx context.Context) string { return stringValue(ctx, sessionCtxKey{}) }

// EventIDFromContext returns the event id in ctx, if any.
func EventIDFromContext(ctx context.Context) string { return stringValue(ctx, eventCtxKey{}) }

// LearningIDFromContext returns the learning id in ctx, if any.
func LearningIDFromContext(ctx context.Context) string { return stringValue(ctx, learningCtxKey{}) }

// WithLogger stores logger in ctx.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerCtxKey{}, logger)
}

// FromContext returns the logger stored in ctx, or a no-op logger.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerCtxKey{}).(*Logger); ok {
		return l
	}
	return NewNop()
}
