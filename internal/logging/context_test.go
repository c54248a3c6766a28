package logging

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap/zapcore"
)

func TestContextFields(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, ContextFields(ctx))

	ctx = WithSessionID(ctx, "s1")
	ctx = WithEventID(ctx, "ev-1")
	ctx = WithLearningID(ctx, "l1")
	ctx = WithRequestID(ctx, "")

	keys := map[string]string{}
	for _, f := range ContextFields(ctx) {
		keys[f.Key] = f.String
	}
	assert.Equal(t, map[string]string{"session.id": "s1", "event.id": "ev-1", "learning.id": "l1"}, keys)
	assert.Equal(t, "ev-1", EventIDFromContext(ctx))
	assert.Equal(t, "l1", LearningIDFromContext(ctx))
	assert.Equal(t, "s1", SessionIDFromContext(ctx))
}

func TestContextFields_Trace(t *testing.T) {
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{1},
		SpanID:     trace.SpanID{2},
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	tl := NewTestLogger()
	tl.Info(ctx, "pass done")
	tl.AssertField(t, "pass done", "trace_id", sc.TraceID().String())
}

func TestWithEventID_ClipsLongIDs(t *testing.T) {
	ctx := WithEventID(context.Background(), strings.Repeat("x", 1000))
	assert.Len(t, EventIDFromContext(ctx), maxIDLen)
}

func TestFromContext(t *testing.T) {
	assert.NotNil(t, FromContext(context.Background()))

	tl := NewTestLogger()
	ctx := WithLogger(context.Background(), tl.Logger)
	FromContext(ctx).Warn(ctx, "from context")
	tl.AssertLogged(t, zapcore.WarnLevel, "from context")
}

func TestTestLogger(t *testing.T) {
	tl := NewTestLogger()
	ctx := WithLearningID(context.Background(), "l9")
	tl.Trace(ctx, "stage signals_computed")
	tl.With().Named("consumer").Error(ctx, "store failed")

	tl.AssertLogged(t, TraceLevel, "signals_computed")
	tl.AssertLogged(t, zapcore.ErrorLevel, "store failed")
	tl.AssertNotLogged(t, zapcore.InfoLevel, "store failed")
	tl.AssertField(t, "store failed", "learning.id", "l9")

	require.Len(t, tl.All(), 2)
	tl.Reset()
	assert.Empty(t, tl.All())
}
