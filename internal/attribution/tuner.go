package attribution

import (
	"sync"

	"go.uber.org/zap"
)

// SimilarityTuner adjusts the semantic similarity threshold from detection
// disagreements. A semantic near-miss on an event that keyword or explicit
// matching caught votes to lower the threshold; a match found by the semantic
// path alone votes to raise it. After enough votes a lopsided tally moves the
// threshold one step, within its configured bounds.
type SimilarityTuner struct {
	registry *ThresholdRegistry
	logger   *zap.Logger

	mu    sync.Mutex
	lower int
	raise int
}

// NewSimilarityTuner returns a tuner that publishes into registry.
func NewSimilarityTuner(registry *ThresholdRegistry, logger *zap.Logger) *SimilarityTuner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SimilarityTuner{registry: registry, logger: logger}
}

// Observe records one activation result taken under th.
func (t *SimilarityTuner) Observe(result ActivationResult, th Thresholds) {
	if result.Degraded || th.SimilarityTuningStep == 0 {
		return
	}
	vote := classifyForTuning(result, th)
	if vote == 0 {
		return
	}

	t.mu.Lock()
	if vote < 0 {
		t.lower++
	} else {
		t.raise++
	}
	lower, raise := t.lower, t.raise
	ready := lower+raise >= th.SimilarityTuningMinObservations
	if ready {
		t.lower, t.raise = 0, 0
	}
	t.mu.Unlock()

	if !ready {
		return
	}
	var delta float64
	switch {
	case lower > 2*raise:
		delta = -th.SimilarityTuningStep
	case raise > 2*lower:
		delta = th.SimilarityTuningStep
	default:
		return
	}

	next, err := t.registry.Update(func(cur *Thresholds) {
		cur.SimilarityThreshold = clamp(cur.SimilarityThreshold+delta, cur.MinSimilarityThreshold, cur.MaxSimilarityThreshold)
	})
	if err != nil {
		t.logger.Warn("similarity threshold update rejected", zap.Error(err))
		return
	}
	t.logger.Info("similarity threshold adjusted",
		zap.Float64("similarity_threshold", next.SimilarityThreshold),
		zap.Uint64("thresholds_version", next.Version),
		zap.Int("lower_votes", lower),
		zap.Int("raise_votes", raise))
}

// Pending returns the current vote counts.
func (t *SimilarityTuner) Pending() (lower, raise int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lower, t.raise
}

// classifyForTuning returns -1 to lower, +1 to raise, or 0.
func classifyForTuning(result ActivationResult, th Thresholds) int {
	if !result.Matched {
		return 0
	}
	semanticOnly := true
	for _, sig := range result.Signals {
		if sig.Polarity == PolarityNeutral {
			continue
		}
		if sig.DetectedVia != DetectedSemantic {
			semanticOnly = false
		}
	}
	switch {
	case semanticOnly && result.BestSemantic < th.SimilarityThreshold+th.NearMissMargin/2:
		return 1
	case !semanticOnly && result.BestSemantic >= th.SimilarityThreshold-th.NearMissMargin &&
		result.BestSemantic < th.SimilarityThreshold:
		return -1
	}
	return 0
}
