package learningstore

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/run-vibes/groove/internal/attribution"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func openTestStore(t *testing.T) *BadgerStore {
	t.Helper()
	s, err := OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func learning(id, scope string) attribution.Learning {
	return attribution.Learning{ID: id, Scope: scope, Insight: "prefer table driven tests", CreatedAt: t0}
}

func TestOpen_RequiresDir(t *testing.T) {
	_, err := Open(Options{})
	assert.Error(t, err)
}

func TestBadgerStore_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := Open(Options{Dir: dir})
	require.NoError(t, err)
	require.NoError(t, s.PutLearning(ctx, learning("l1", "proj")))
	require.NoError(t, s.SaveOffset(ctx, "attribution", 42))
	require.NoError(t, s.Close())

	s, err = Open(Options{Dir: dir})
	require.NoError(t, err)
	defer s.Close()

	l, err := s.GetLearning(ctx, "l1")
	require.NoError(t, err)
	assert.Equal(t, "proj", l.Scope)
	assert.Equal(t, attribution.StatusActive, l.Status)

	off, err := s.LoadOffset(ctx, "attribution")
	require.NoError(t, err)
	assert.Equal(t, uint64(42), off)
}

func TestBadgerStore_Learnings(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	_, err := s.GetLearning(ctx, "missing")
	assert.ErrorIs(t, err, attribution.ErrNotFound)
	assert.ErrorIs(t, s.PutLearning(ctx, attribution.Learning{}), attribution.ErrInvalidEvent)

	require.NoError(t, s.PutLearning(ctx, learning("b", "proj")))
	require.NoError(t, s.PutLearning(ctx, learning("a", "proj")))
	require.NoError(t, s.PutLearning(ctx, learning("c", "other")))
	dep := learning("d", "proj")
	dep.Status = attribution.StatusDeprecated
	require.NoError(t, s.PutLearning(ctx, dep))

	active, err := s.GetActiveLearnings(ctx, "proj")
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, "a", active[0].ID)
	assert.Equal(t, "b", active[1].ID)

	all, err := s.GetActiveLearnings(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestBadgerStore_PutValueCompareAndSwap(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	require.NoError(t, s.PutLearning(ctx, learning("l1", "proj")))

	_, err := s.GetValue(ctx, "l1")
	assert.ErrorIs(t, err, attribution.ErrNotFound)

	v := attribution.LearningValue{LearningID: "l1", EstimatedValue: -0.4, Confidence: 0.3, SampleCount: 4, Status: attribution.StatusUnderReview}
	stored, err := s.PutValue(ctx, v, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), stored.Version)

	_, err = s.PutValue(ctx, v, 0)
	assert.ErrorIs(t, err, attribution.ErrVersionConflict)

	l, err := s.GetLearning(ctx, "l1")
	require.NoError(t, err)
	assert.Equal(t, attribution.StatusUnderReview, l.Status, "status mirrors the value")

	v.Confidence = 1.5
	_, err = s.PutValue(ctx, v, 1)
	assert.ErrorIs(t, err, attribution.ErrInvariantViolation)
}

// Concurrent writers on one value never lose an update: every writer either
// lands or sees a conflict and retries.
func TestBadgerStore_ConcurrentCASHasNoLostUpdates(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	const writers, increments = 4, 25
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < increments; i++ {
				for {
					cur, err := s.GetValue(ctx, "l1")
					if err != nil {
						cur = attribution.NewLearningValue("l1")
					}
					cur.SampleCount++
					if _, err := s.PutValue(ctx, cur, cur.Version); err == nil {
						break
					} else if !assert.ErrorIs(t, err, attribution.ErrVersionConflict) {
						return
					}
				}
			}
		}()
	}
	wg.Wait()

	v, err := s.GetValue(ctx, "l1")
	require.NoError(t, err)
	assert.Equal(t, uint64(writers*increments), v.SampleCount)
	assert.Equal(t, uint64(writers*increments), v.Version)
}

func TestBadgerStore_Experiments(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	exp, err := s.LoadExperiment(ctx, "l1")
	require.NoError(t, err)
	assert.Nil(t, exp)

	exp = &attribution.AblationExperiment{ID: "e1", LearningID: "l1", Status: attribution.ExperimentRunning, MinSessionsPerArm: 5, StartedAt: t0}
	exp.WithheldArm = append(exp.WithheldArm, attribution.SessionRef{SessionID: "s1", AssignedAt: t0})
	require.NoError(t, s.SaveExperiment(ctx, exp, 0))
	assert.Equal(t, uint64(1), exp.Version)

	assert.ErrorIs(t, s.SaveExperiment(ctx, exp, 0), attribution.ErrVersionConflict)

	loaded, err := s.LoadExperiment(ctx, "l1")
	require.NoError(t, err)
	assert.Equal(t, exp.ID, loaded.ID)
	assert.Equal(t, uint64(1), loaded.Version)
	require.Len(t, loaded.WithheldArm, 1)
	assert.Equal(t, "s1", loaded.WithheldArm[0].SessionID)
}

func TestBadgerStore_CommitAttributionAndHistory(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	require.NoError(t, s.PutLearning(ctx, learning("l1", "proj")))

	var version uint64
	for i := 0; i < 5; i++ {
		rec := attribution.AttributionRecord{
			EventID:    fmt.Sprintf("ev-%d", i),
			LearningID: "l1",
			SessionID:  "s1",
			Value: attribution.LearningValue{
				LearningID:     "l1",
				EstimatedValue: float64(i) / 10,
				SampleCount:    uint64(i + 1),
				Status:         attribution.StatusActive,
			},
			ProcessedAt: t0.Add(time.Duration(i) * time.Minute),
		}
		stored, err := s.CommitAttribution(ctx, rec, version)
		require.NoError(t, err)
		version = stored.Version
	}

	rec, err := s.GetRecord(ctx, "ev-3", "l1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, uint64(4), rec.Value.Version)

	missing, err := s.GetRecord(ctx, "ev-9", "l1")
	require.NoError(t, err)
	assert.Nil(t, missing)

	hist, err := s.History(ctx, "l1", 3)
	require.NoError(t, err)
	require.Len(t, hist, 3)
	assert.Equal(t, "ev-4", hist[0].EventID)
	assert.Equal(t, "ev-2", hist[2].EventID)

	hist, err = s.History(ctx, "l1", 0)
	require.NoError(t, err)
	assert.Len(t, hist, 5)

	// A stale version or an already committed pair is rejected and leaves
	// the value untouched.
	_, err = s.CommitAttribution(ctx, attribution.AttributionRecord{EventID: "ev-x", LearningID: "l1", Value: attribution.NewLearningValue("l1")}, 1)
	assert.ErrorIs(t, err, attribution.ErrVersionConflict)
	_, err = s.CommitAttribution(ctx, attribution.AttributionRecord{EventID: "ev-4", LearningID: "l1", Value: attribution.NewLearningValue("l1")}, version)
	assert.ErrorIs(t, err, attribution.ErrVersionConflict)

	v, err := s.GetValue(ctx, "l1")
	require.NoError(t, err)
	assert.Equal(t, uint64(5), v.SampleCount)
}

func TestBadgerStore_ErrorRecords(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	require.NoError(t, s.PutErrorRecord(ctx, attribution.ErrorRecord{ID: "z", Class: attribution.ClassTransient, RecordedAt: t0}))
	require.NoError(t, s.PutErrorRecord(ctx, attribution.ErrorRecord{ID: "a", Class: attribution.ClassInvariant, RecordedAt: t0.Add(time.Second)}))

	recs, err := s.ListErrorRecords(ctx, 0)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "z", recs[0].ID, "oldest first")

	require.NoError(t, s.DeleteErrorRecord(ctx, "z"))
	require.NoError(t, s.DeleteErrorRecord(ctx, "unknown"))
	recs, err = s.ListErrorRecords(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "a", recs[0].ID)
}

func TestBadgerStore_OffsetIsMonotonic(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	off, err := s.LoadOffset(ctx, "c")
	require.NoError(t, err)
	assert.Zero(t, off)

	require.NoError(t, s.SaveOffset(ctx, "c", 10))
	require.NoError(t, s.SaveOffset(ctx, "c", 4))
	off, err = s.LoadOffset(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, uint64(10), off)
}

func TestBadgerStore_Closed(t *testing.T) {
	s, err := OpenInMemory()
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err = s.GetLearning(context.Background(), "l1")
	assert.ErrorIs(t, err, ErrClosed)
}

// The consumer runs end to end on the badger store.
func TestBadgerStore_BacksConsumer(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	require.NoError(t, s.PutLearning(ctx, attribution.Learning{ID: "l1", Scope: "proj", Insight: "Wrap errors with context using fmt.Errorf"}))

	reg, err := attribution.NewThresholdRegistry(attribution.DefaultThresholds())
	require.NoError(t, err)
	pub := &nopPublisher{}
	c, err := attribution.NewConsumer(attribution.ConsumerConfig{MaxAttempts: 1}, attribution.Dependencies{
		Store:       s,
		Transcripts: staticTranscript{},
		Thresholds:  reg,
		Publisher:   pub,
	})
	require.NoError(t, err)

	ev := attribution.OutcomeEvent{
		SchemaVersion:        attribution.SchemaVersion,
		EventID:              "ev-1",
		SessionID:            "s1",
		Scope:                "proj",
		CandidateLearningIDs: []string{"l1"},
		OutcomeValue:         0.7,
		OccurredAt:           t0,
	}
	for i := 0; i < 2; i++ {
		recs, err := c.ProcessEvent(ctx, ev, 1)
		require.NoError(t, err)
		require.Len(t, recs, 1)
	}

	v, err := s.GetValue(ctx, "l1")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), v.SampleCount)
	assert.Greater(t, v.EstimatedValue, 0.0)
	assert.Equal(t, 2, pub.attributions)
}

type nopPublisher struct {
	mu           sync.Mutex
	attributions int
}

func (p *nopPublisher) PublishAttribution(ctx context.Context, ev attribution.AttributionEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.attributions++
	return nil
}

func (p *nopPublisher) PublishDeprecation(ctx context.Context, ev attribution.DeprecationEvent) error {
	return nil
}

type staticTranscript struct{}

func (staticTranscript) GetTranscript(ctx context.Context, sessionID, ref string) (*attribution.Transcript, error) {
	return &attribution.Transcript{
		SessionID: sessionID,
		Events: []attribution.TranscriptEvent{
			{Position: 0, Role: attribution.RoleUser, Text: "the call fails silently"},
			{Position: 1, Role: attribution.RoleAssistant, Text: "I will wrap the error with context via fmt.Errorf"},
		},
	}, nil
}
