package attribution

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func semanticOnlyMatch(best float64) ActivationResult {
	return ActivationResult{
		Matched:      true,
		BestSemantic: best,
		Signals: []ActivationSignal{
			{Polarity: PolarityPositive, Strength: best, DetectedVia: DetectedSemantic},
		},
	}
}

func keywordMatchWithNearMiss(best float64) ActivationResult {
	return ActivationResult{
		Matched:      true,
		BestSemantic: best,
		Signals: []ActivationSignal{
			{Polarity: PolarityPositive, Strength: 0.9, DetectedVia: DetectedKeyword},
		},
	}
}

func TestClassifyForTuning(t *testing.T) {
	th := testThresholds()
	assert.Equal(t, 1, classifyForTuning(semanticOnlyMatch(0.82), th))
	assert.Equal(t, 0, classifyForTuning(semanticOnlyMatch(0.93), th), "clear semantic matches do not vote")
	assert.Equal(t, -1, classifyForTuning(keywordMatchWithNearMiss(0.72), th))
	assert.Equal(t, 0, classifyForTuning(keywordMatchWithNearMiss(0.5), th))
	assert.Equal(t, 0, classifyForTuning(ActivationResult{BestSemantic: 0.79}, th))
}

func TestSimilarityTuner_RaisesAfterLopsidedVotes(t *testing.T) {
	reg := testRegistry(t)
	tuner := NewSimilarityTuner(reg, nil)
	th := reg.Snapshot()

	for i := 0; i < th.SimilarityTuningMinObservations-1; i++ {
		tuner.Observe(semanticOnlyMatch(0.81), th)
	}
	assert.Equal(t, th.SimilarityThreshold, reg.Snapshot().SimilarityThreshold)
	lower, raise := tuner.Pending()
	assert.Equal(t, 0, lower)
	assert.Equal(t, th.SimilarityTuningMinObservations-1, raise)

	tuner.Observe(semanticOnlyMatch(0.81), th)
	next := reg.Snapshot()
	assert.InDelta(t, 0.81, next.SimilarityThreshold, 1e-9)
	assert.Equal(t, th.Version+1, next.Version)

	lower, raise = tuner.Pending()
	assert.Zero(t, lower+raise)
}

func TestSimilarityTuner_BalancedVotesDoNothing(t *testing.T) {
	reg := testRegistry(t)
	tuner := NewSimilarityTuner(reg, nil)
	th := reg.Snapshot()

	for i := 0; i < th.SimilarityTuningMinObservations/2; i++ {
		tuner.Observe(semanticOnlyMatch(0.81), th)
		tuner.Observe(keywordMatchWithNearMiss(0.75), th)
	}
	assert.Equal(t, th.Version, reg.Snapshot().Version)
}

func TestSimilarityTuner_StaysWithinBounds(t *testing.T) {
	initial := DefaultThresholds()
	initial.SimilarityThreshold = initial.MinSimilarityThreshold
	reg, err := NewThresholdRegistry(initial)
	if !assert.NoError(t, err) {
		return
	}
	tuner := NewSimilarityTuner(reg, nil)
	th := reg.Snapshot()

	for i := 0; i < th.SimilarityTuningMinObservations; i++ {
		tuner.Observe(keywordMatchWithNearMiss(th.SimilarityThreshold-0.01), th)
	}
	assert.Equal(t, initial.MinSimilarityThreshold, reg.Snapshot().SimilarityThreshold)
}

func TestSimilarityTuner_IgnoresDegradedResults(t *testing.T) {
	reg := testRegistry(t)
	tuner := NewSimilarityTuner(reg, nil)
	r := semanticOnlyMatch(0.81)
	r.Degraded = true
	tuner.Observe(r, reg.Snapshot())

	lower, raise := tuner.Pending()
	assert.Zero(t, lower+raise)
}
