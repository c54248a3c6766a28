package attribution

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryStore_PutValueCompareAndSwap(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()
	v := LearningValue{LearningID: "l1", Status: StatusActive, EstimatedValue: 0.1, SampleCount: 1}

	stored, err := s.PutValue(ctx, v, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), stored.Version)

	_, err = s.PutValue(ctx, v, 0)
	assert.ErrorIs(t, err, ErrVersionConflict)

	v.EstimatedValue = 2
	_, err = s.PutValue(ctx, v, 1)
	assert.ErrorIs(t, err, ErrInvariantViolation)
}

func TestInMemoryStore_ValueStatusSyncsLearning(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()
	require.NoError(t, s.PutLearning(ctx, keywordLearning("l1")))
	require.NoError(t, s.PutLearning(ctx, keywordLearning("l2")))

	_, err := s.PutValue(ctx, LearningValue{LearningID: "l1", Status: StatusDeprecated, EstimatedValue: -0.5, Confidence: 0.9}, 0)
	require.NoError(t, err)

	active, err := s.GetActiveLearnings(ctx, "proj")
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "l2", active[0].ID)

	other, err := s.GetActiveLearnings(ctx, "elsewhere")
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestInMemoryStore_ExperimentCopiesAreIsolated(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()
	exp := &AblationExperiment{ID: "e1", LearningID: "l1", Status: ExperimentRunning}
	require.NoError(t, s.SaveExperiment(ctx, exp, 0))
	assert.Equal(t, uint64(1), exp.Version)

	loaded, err := s.LoadExperiment(ctx, "l1")
	require.NoError(t, err)
	loaded.WithheldArm = append(loaded.WithheldArm, SessionRef{SessionID: "s1"})

	again, err := s.LoadExperiment(ctx, "l1")
	require.NoError(t, err)
	assert.Empty(t, again.WithheldArm)

	assert.ErrorIs(t, s.SaveExperiment(ctx, exp, 0), ErrVersionConflict)
}

func TestInMemoryStore_ErrorRecords(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()
	require.NoError(t, s.PutErrorRecord(ctx, ErrorRecord{ID: "b", RecordedAt: baseTime.Add(time.Minute)}))
	require.NoError(t, s.PutErrorRecord(ctx, ErrorRecord{ID: "a", RecordedAt: baseTime}))

	recs, err := s.ListErrorRecords(ctx, 0)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "a", recs[0].ID)

	recs, err = s.ListErrorRecords(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, recs, 1)

	require.NoError(t, s.DeleteErrorRecord(ctx, "a"))
	recs, err = s.ListErrorRecords(ctx, 0)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "b", recs[0].ID)
}

func TestInMemoryStore_OffsetNeverMovesBack(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()
	require.NoError(t, s.SaveOffset(ctx, "c", 9))
	require.NoError(t, s.SaveOffset(ctx, "c", 7))

	off, err := s.LoadOffset(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, uint64(9), off)
}
