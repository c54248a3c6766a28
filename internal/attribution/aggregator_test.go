package attribution

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strongTemporal(net float64) TemporalResult {
	return TemporalResult{NetScore: net, NearestDistance: 0, DecayedWeight: 1, Retained: 1}
}

func TestBlendingAggregator_SingleSignalExample(t *testing.T) {
	th := testThresholds()
	temporal := NewExponentialCorrelator().Correlate([]ActivationSignal{signalAt(7, PolarityPositive, 0.9)}, 7, th)

	out, err := NewBlendingAggregator().Aggregate(NewLearningValue("l1"), AggregateInput{
		Temporal:            temporal,
		TranscriptAvailable: true,
		ObservedAt:          baseTime,
	}, th)
	require.NoError(t, err)

	v := out.Value
	assert.Greater(t, v.EstimatedValue, 0.0)
	assert.LessOrEqual(t, v.EstimatedValue, 0.9)
	assert.Greater(t, v.Confidence, 0.0)
	assert.Less(t, v.Confidence, 0.2)
	assert.Equal(t, uint64(1), v.SampleCount)
	assert.Equal(t, baseTime, v.LastUpdated)
	assert.Equal(t, StatusActive, v.Status)
	assert.Nil(t, out.Transition)
}

func TestBlendingAggregator_StepShrinksWithSamples(t *testing.T) {
	th := testThresholds()
	agg := NewBlendingAggregator()
	prior := LearningValue{LearningID: "l1", EstimatedValue: 0.5, Confidence: 0.5, SampleCount: 9, Status: StatusActive}

	out, err := agg.Aggregate(prior, AggregateInput{Temporal: strongTemporal(1), TranscriptAvailable: true}, th)
	require.NoError(t, err)

	// step = 1/10
	assert.InDelta(t, 0.55, out.Value.EstimatedValue, 1e-12)
	assert.InDelta(t, 10.0/20.0, out.Value.Confidence, 1e-12)
}

// For all inputs, the estimate stays in [-1,1] and confidence in [0,1].
func TestBlendingAggregator_RangeInvariants(t *testing.T) {
	th := testThresholds()
	agg := NewBlendingAggregator()
	rng := rand.New(rand.NewPCG(1, 2))
	prior := NewLearningValue("l1")

	for i := 0; i < 2000; i++ {
		in := AggregateInput{
			Temporal: TemporalResult{
				NetScore:        (rng.Float64() - 0.5) * 10,
				NearestDistance: uint32(rng.IntN(int(th.MaxDistance) + 2)),
				DecayedWeight:   rng.Float64() * 3,
				Retained:        rng.IntN(3),
			},
			TranscriptAvailable: rng.IntN(4) != 0,
		}
		if rng.IntN(3) == 0 {
			in.Ablation = &AblationResult{
				MarginalValue: (rng.Float64() - 0.5) * 4,
				PValue:        rng.Float64() * 0.1,
				Significant:   rng.IntN(2) == 0,
				WithheldN:     rng.IntN(20),
				InjectedN:     rng.IntN(20),
			}
		}

		out, err := agg.Aggregate(prior, in, th)
		require.NoError(t, err)
		v := out.Value
		require.GreaterOrEqual(t, v.EstimatedValue, -1.0)
		require.LessOrEqual(t, v.EstimatedValue, 1.0)
		require.GreaterOrEqual(t, v.Confidence, 0.0)
		require.LessOrEqual(t, v.Confidence, 1.0)
		require.GreaterOrEqual(t, out.AttributedValue, -1.0)
		require.LessOrEqual(t, out.AttributedValue, 1.0)

		if v.Status == StatusDeprecated {
			v, _ = Reenable(v, baseTime)
		}
		prior = v
	}
}

func TestBlendingAggregator_FiftyNegativePasses(t *testing.T) {
	th := testThresholds()
	agg := NewBlendingAggregator()
	v := NewLearningValue("l1")

	var transitions []StatusTransition
	for i := 0; i < 50; i++ {
		out, err := agg.Aggregate(v, AggregateInput{Temporal: strongTemporal(-1), TranscriptAvailable: true}, th)
		require.NoError(t, err)
		if out.Transition != nil {
			transitions = append(transitions, *out.Transition)
		}
		v = out.Value
	}

	require.Len(t, transitions, 2)
	assert.Equal(t, StatusActive, transitions[0].From)
	assert.Equal(t, StatusUnderReview, transitions[0].To)
	assert.Equal(t, StatusUnderReview, transitions[1].From)
	assert.Equal(t, StatusDeprecated, transitions[1].To)
	assert.Equal(t, StatusDeprecated, v.Status)
	// n/(n+10) first exceeds 0.8 at n = 41; later passes are skipped.
	assert.Equal(t, uint64(41), v.SampleCount)
}

func TestBlendingAggregator_DeprecationNeedsBothConditions(t *testing.T) {
	th := testThresholds()
	agg := NewBlendingAggregator()

	t.Run("harmful but not confident stays under review", func(t *testing.T) {
		prior := LearningValue{LearningID: "l1", EstimatedValue: -0.8, Confidence: 0.5, SampleCount: 10, Status: StatusUnderReview}
		out, err := agg.Aggregate(prior, AggregateInput{Temporal: strongTemporal(-1), TranscriptAvailable: true}, th)
		require.NoError(t, err)
		assert.Equal(t, StatusUnderReview, out.Value.Status)
		assert.Nil(t, out.Transition)
	})

	t.Run("confident but not harmful stays active", func(t *testing.T) {
		prior := LearningValue{LearningID: "l1", EstimatedValue: 0.4, Confidence: 100.0 / 110, SampleCount: 100, Status: StatusActive}
		out, err := agg.Aggregate(prior, AggregateInput{Temporal: strongTemporal(-1), TranscriptAvailable: true}, th)
		require.NoError(t, err)
		assert.Greater(t, out.Value.Confidence, th.DeprecationConfidence)
		assert.Greater(t, out.Value.EstimatedValue, th.HarmThreshold)
		assert.Equal(t, StatusActive, out.Value.Status)
	})

	t.Run("confident and harmful under review is deprecated", func(t *testing.T) {
		prior := LearningValue{LearningID: "l1", EstimatedValue: -0.8, Confidence: 100.0 / 110, SampleCount: 100, Status: StatusUnderReview}
		out, err := agg.Aggregate(prior, AggregateInput{Temporal: strongTemporal(-1), TranscriptAvailable: true}, th)
		require.NoError(t, err)
		assert.Equal(t, StatusDeprecated, out.Value.Status)
	})

	t.Run("active never skips under review", func(t *testing.T) {
		prior := LearningValue{LearningID: "l1", EstimatedValue: -0.8, Confidence: 100.0 / 110, SampleCount: 100, Status: StatusActive}
		out, err := agg.Aggregate(prior, AggregateInput{Temporal: strongTemporal(-1), TranscriptAvailable: true}, th)
		require.NoError(t, err)
		require.NotNil(t, out.Transition)
		assert.Equal(t, StatusUnderReview, out.Transition.To)
	})
}

func TestBlendingAggregator_SkipsWithoutEvidence(t *testing.T) {
	th := testThresholds()
	agg := NewBlendingAggregator()
	prior := LearningValue{LearningID: "l1", EstimatedValue: 0.3, Confidence: 0.5, SampleCount: 10, Status: StatusActive}

	out, err := agg.Aggregate(prior, AggregateInput{TranscriptAvailable: false}, th)
	require.NoError(t, err)
	assert.Equal(t, SkipTranscriptUnavailable, out.Skipped)
	assert.Equal(t, prior, out.Value)

	out, err = agg.Aggregate(prior, AggregateInput{TranscriptAvailable: true, Temporal: TemporalResult{NearestDistance: th.MaxDistance + 1}}, th)
	require.NoError(t, err)
	assert.Equal(t, SkipNoEvidence, out.Skipped)
	assert.Equal(t, prior, out.Value)

	insignificant := &AblationResult{MarginalValue: 0.9, PValue: 0.4, WithheldN: 5, InjectedN: 5}
	out, err = agg.Aggregate(prior, AggregateInput{Ablation: insignificant}, th)
	require.NoError(t, err)
	assert.Equal(t, SkipTranscriptUnavailable, out.Skipped)
}

func TestBlendingAggregator_OutcomeOnlyAblation(t *testing.T) {
	th := testThresholds()
	ablation := &AblationResult{MarginalValue: 0.5, PValue: 0.001, Significant: true, WithheldN: 5, InjectedN: 5}

	out, err := NewBlendingAggregator().Aggregate(NewLearningValue("l1"), AggregateInput{Ablation: ablation}, th)
	require.NoError(t, err)
	assert.Equal(t, SkipNone, out.Skipped)
	assert.InDelta(t, 0.5, out.Value.EstimatedValue, 1e-12)
	assert.Greater(t, out.AblationWeight, 0.0)
	assert.Equal(t, 0.0, out.TemporalWeight)
}

func TestBlendingAggregator_BlendsByConfidence(t *testing.T) {
	th := testThresholds()
	agg := NewBlendingAggregator()
	ablation := &AblationResult{MarginalValue: 1, PValue: 0.001, Significant: true, WithheldN: 50, InjectedN: 50}

	near, err := agg.Aggregate(NewLearningValue("l1"), AggregateInput{
		Temporal: strongTemporal(-1), TranscriptAvailable: true, Ablation: ablation,
	}, th)
	require.NoError(t, err)

	far, err := agg.Aggregate(NewLearningValue("l1"), AggregateInput{
		Temporal:            TemporalResult{NetScore: -1, NearestDistance: 45, DecayedWeight: 0.3, Retained: 1},
		TranscriptAvailable: true,
		Ablation:            ablation,
	}, th)
	require.NoError(t, err)

	// Observed values sit between the sources; a weaker temporal signal
	// yields more of the ablation estimate.
	assert.Greater(t, near.AttributedValue, -1.0)
	assert.Less(t, near.AttributedValue, 1.0)
	assert.Greater(t, far.AttributedValue, near.AttributedValue)
	assert.Greater(t, near.TemporalWeight, far.TemporalWeight)
}

func TestBlendingAggregator_DeprecatedIsInactive(t *testing.T) {
	prior := LearningValue{LearningID: "l1", EstimatedValue: -0.9, Confidence: 0.9, SampleCount: 90, Status: StatusDeprecated}
	out, err := NewBlendingAggregator().Aggregate(prior, AggregateInput{Temporal: strongTemporal(1), TranscriptAvailable: true}, testThresholds())
	require.NoError(t, err)
	assert.Equal(t, SkipLearningInactive, out.Skipped)
	assert.Equal(t, prior, out.Value)
}

func TestBlendingAggregator_RejectsInvalidPrior(t *testing.T) {
	prior := LearningValue{LearningID: "l1", Confidence: 1.5, Status: StatusActive}
	_, err := NewBlendingAggregator().Aggregate(prior, AggregateInput{Temporal: strongTemporal(1), TranscriptAvailable: true}, testThresholds())
	assert.ErrorIs(t, err, ErrInvariantViolation)
}

func TestReenable(t *testing.T) {
	v := LearningValue{LearningID: "l1", EstimatedValue: -0.9, Confidence: 0.9, Status: StatusDeprecated}
	next, tr := Reenable(v, baseTime)
	require.NotNil(t, tr)
	assert.Equal(t, StatusActive, next.Status)
	assert.Equal(t, StatusDeprecated, tr.From)
	assert.Equal(t, -0.9, next.EstimatedValue)

	same, tr := Reenable(next, baseTime)
	assert.Nil(t, tr)
	assert.Equal(t, next, same)
}

func TestTemporalConfidence(t *testing.T) {
	th := testThresholds()
	assert.Equal(t, 0.0, TemporalConfidence(TemporalResult{NearestDistance: th.MaxDistance + 1}, th))
	assert.InDelta(t, 1.0, TemporalConfidence(strongTemporal(1), th), 1e-12)
	closeWeak := TemporalConfidence(TemporalResult{NearestDistance: 0, DecayedWeight: 0.5, Retained: 1}, th)
	farStrong := TemporalConfidence(TemporalResult{NearestDistance: 40, DecayedWeight: 1, Retained: 1}, th)
	assert.InDelta(t, 0.5, closeWeak, 1e-12)
	assert.Less(t, farStrong, closeWeak)
}
