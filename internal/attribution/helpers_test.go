package attribution

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fixedEmbedder maps known texts to vectors and everything else to fallback.
type fixedEmbedder struct {
	mu       sync.Mutex
	vectors  map[string][]float32
	fallback []float32
	err      error
	calls    int
}

func (e *fixedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	if e.err != nil {
		return nil, e.err
	}
	if v, ok := e.vectors[text]; ok {
		return v, nil
	}
	return e.fallback, nil
}

// sequenceRandom returns its values in a loop.
type sequenceRandom struct {
	mu   sync.Mutex
	vals []float64
	i    int
}

func (r *sequenceRandom) Float64() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	v := r.vals[r.i%len(r.vals)]
	r.i++
	return v
}

type recordingPublisher struct {
	mu           sync.Mutex
	attributions []AttributionEvent
	deprecations []DeprecationEvent
	err          error
}

func (p *recordingPublisher) PublishAttribution(ctx context.Context, ev AttributionEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.attributions = append(p.attributions, ev)
	return nil
}

func (p *recordingPublisher) PublishDeprecation(ctx context.Context, ev DeprecationEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.deprecations = append(p.deprecations, ev)
	return nil
}

func (p *recordingPublisher) Attributions() []AttributionEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]AttributionEvent(nil), p.attributions...)
}

func (p *recordingPublisher) Deprecations() []DeprecationEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]DeprecationEvent(nil), p.deprecations...)
}

type mapTranscripts map[string]*Transcript

func (m mapTranscripts) GetTranscript(ctx context.Context, sessionID, ref string) (*Transcript, error) {
	return m[sessionID], nil
}

// flakyStore fails CommitAttribution with commitErr while it is set.
type flakyStore struct {
	*InMemoryStore
	mu        sync.Mutex
	commitErr error
}

func (s *flakyStore) setCommitErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commitErr = err
}

func (s *flakyStore) CommitAttribution(ctx context.Context, rec AttributionRecord, expected uint64) (LearningValue, error) {
	s.mu.Lock()
	err := s.commitErr
	s.mu.Unlock()
	if err != nil {
		return LearningValue{}, err
	}
	return s.InMemoryStore.CommitAttribution(ctx, rec, expected)
}

var errStoreDown = errors.New("store down")

func testThresholds() Thresholds {
	return DefaultThresholds()
}

func testRegistry(t *testing.T) *ThresholdRegistry {
	t.Helper()
	r, err := NewThresholdRegistry(DefaultThresholds())
	require.NoError(t, err)
	return r
}

func fastConsumerConfig() ConsumerConfig {
	cfg := DefaultConsumerConfig()
	cfg.Lanes = 4
	cfg.Shards = 4
	cfg.MaxInFlight = 8
	cfg.MaxAttempts = 2
	cfg.BaseBackoff = time.Millisecond
	cfg.MaxBackoff = 2 * time.Millisecond
	return cfg
}

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// keywordLearning is detected by keyword coverage alone.
func keywordLearning(id string) Learning {
	return Learning{
		ID:      id,
		Scope:   "proj",
		Insight: "Wrap errors with context using fmt.Errorf",
		Status:  StatusActive,
	}
}

const keywordHit = "I will wrap the error with context via fmt.Errorf"

func transcriptWith(sessionID string, events ...TranscriptEvent) *Transcript {
	for i := range events {
		events[i].Position = uint32(i)
	}
	return &Transcript{SessionID: sessionID, Events: events}
}

func outcomeEvent(eventID, sessionID string, outcome float64, candidates ...string) OutcomeEvent {
	return OutcomeEvent{
		SchemaVersion:        SchemaVersion,
		EventID:              eventID,
		SessionID:            sessionID,
		Scope:                "proj",
		CandidateLearningIDs: candidates,
		OutcomeValue:         outcome,
		OccurredAt:           baseTime,
	}
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}
