package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/run-vibes/groove/internal/attribution"
)

func TestNew_Disabled(t *testing.T) {
	tel, err := New(context.Background(), NewDefaultConfig(), nil)
	require.NoError(t, err)

	assert.Equal(t, HealthStatus{Healthy: true}, tel.Health())
	assert.NotNil(t, tel.Tracer("x"))
	assert.NotNil(t, tel.Meter("x"))
	require.NoError(t, tel.Shutdown(context.Background()))
	assert.False(t, tel.Health().Healthy)
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Enabled = true
	cfg.SampleRate = -1
	_, err := New(context.Background(), cfg, nil)
	assert.Error(t, err)
}

func TestNilTelemetry(t *testing.T) {
	var tel *Telemetry
	assert.NotNil(t, tel.Tracer("x"))
	assert.NoError(t, tel.Shutdown(context.Background()))
	assert.True(t, tel.Health().Degraded)
}

func TestTestTelemetry_RecordsSpansAndMetrics(t *testing.T) {
	ctx := context.Background()
	tt := NewTestTelemetry()

	_, span := tt.Tracer("test").Start(ctx, "unit")
	span.End()
	tt.AssertSpanExists(t, "unit")

	counter, err := tt.Meter("test").Int64Counter("groove.test.count")
	require.NoError(t, err)
	counter.Add(ctx, 2)
	names, err := tt.MetricNames(ctx)
	require.NoError(t, err)
	assert.Contains(t, names, "groove.test.count")
}

type discardPublisher struct{}

func (discardPublisher) PublishAttribution(context.Context, attribution.AttributionEvent) error {
	return nil
}

func (discardPublisher) PublishDeprecation(context.Context, attribution.DeprecationEvent) error {
	return nil
}

// The consumer emits one event span and one span per learning pass.
func TestConsumerSpans(t *testing.T) {
	ctx := context.Background()
	tt := NewTestTelemetry()

	store := attribution.NewInMemoryStore()
	require.NoError(t, store.PutLearning(ctx, attribution.Learning{ID: "l1", Insight: "prefer small interfaces"}))
	reg, err := attribution.NewThresholdRegistry(attribution.DefaultThresholds())
	require.NoError(t, err)

	c, err := attribution.NewConsumer(attribution.ConsumerConfig{}, attribution.Dependencies{
		Store:      store,
		Thresholds: reg,
		Publisher:  discardPublisher{},
		Tracer:     tt.Tracer("attribution"),
	})
	require.NoError(t, err)

	_, err = c.ProcessEvent(ctx, attribution.OutcomeEvent{
		SchemaVersion:        attribution.SchemaVersion,
		EventID:              "ev-1",
		SessionID:            "s1",
		CandidateLearningIDs: []string{"l1"},
		OutcomeValue:         0.4,
		OccurredAt:           time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
	}, 1)
	require.NoError(t, err)

	tt.AssertSpanExists(t, "attribution.process_event")
	tt.AssertSpanExists(t, "attribution.process_learning")
	tt.AssertSpanAttribute(t, "attribution.process_event", "event.id", "ev-1")
}
