package attribution

import (
	"math"
	"time"
)

// AggregateInput is everything one pass observed for a learning.
type AggregateInput struct {
	Activation ActivationResult
	Temporal   TemporalResult

	// Ablation is set only on the pass that evaluated an experiment.
	Ablation *AblationResult

	// TranscriptAvailable is false for outcome-only attribution.
	TranscriptAvailable bool

	// ObservedAt stamps the new value. Using the event time rather than the
	// wall clock keeps replays deterministic.
	ObservedAt time.Time
}

// AggregateOutput is the folded result of one pass.
type AggregateOutput struct {
	Value           LearningValue
	AttributedValue float64
	Transition      *StatusTransition
	Skipped         SkipReason

	// TemporalWeight and AblationWeight are the blend weights used, for audit.
	TemporalWeight float64
	AblationWeight float64
}

// ValueAggregator folds a pass into a learning's running estimate. It
// performs no I/O.
type ValueAggregator interface {
	Aggregate(prior LearningValue, in AggregateInput, th Thresholds) (AggregateOutput, error)
}

// BlendingAggregator blends temporal and ablation evidence by their own
// confidences and updates the estimate with a 1/(1+n) step.
type BlendingAggregator struct{}

// NewBlendingAggregator returns the production aggregator.
func NewBlendingAggregator() BlendingAggregator {
	return BlendingAggregator{}
}

// Aggregate computes the next LearningValue. The returned value always
// satisfies LearningValue.Validate; a prior that does not is rejected with
// ErrInvariantViolation.
func (BlendingAggregator) Aggregate(prior LearningValue, in AggregateInput, th Thresholds) (AggregateOutput, error) {
	if prior.Status == "" {
		prior.Status = StatusActive
	}
	if err := prior.Validate(); err != nil {
		return AggregateOutput{}, err
	}
	out := AggregateOutput{Value: prior}

	if prior.Status == StatusDeprecated {
		out.Skipped = SkipLearningInactive
		return out, nil
	}

	significant := in.Ablation != nil && in.Ablation.Significant
	hasTemporal := in.TranscriptAvailable && in.Temporal.HasSignal()
	if !hasTemporal && !significant {
		if !in.TranscriptAvailable {
			out.Skipped = SkipTranscriptUnavailable
		} else {
			out.Skipped = SkipNoEvidence
		}
		return out, nil
	}

	temporal := clamp(in.Temporal.NetScore, -1, 1)
	observed := temporal
	if hasTemporal {
		out.TemporalWeight = TemporalConfidence(in.Temporal, th)
	}
	if significant {
		out.AblationWeight = AblationConfidence(*in.Ablation, th)
		ablation := clamp(in.Ablation.MarginalValue, -1, 1)
		switch total := out.TemporalWeight + out.AblationWeight; {
		case total > 0:
			observed = (out.TemporalWeight*temporal + out.AblationWeight*ablation) / total
		case !hasTemporal:
			observed = ablation
		}
	}
	observed = clamp(observed, -1, 1)

	next := prior
	step := 1 / (1 + float64(prior.SampleCount))
	next.EstimatedValue = clamp(prior.EstimatedValue+step*(observed-prior.EstimatedValue), -1, 1)
	next.SampleCount = prior.SampleCount + 1
	n := float64(next.SampleCount)
	next.Confidence = clamp(n/(n+th.PriorPseudoCount), 0, 1)
	if !in.ObservedAt.IsZero() {
		next.LastUpdated = in.ObservedAt
	}

	if to, changed := nextStatus(prior.Status, next, th); changed {
		next.Status = to
		out.Transition = &StatusTransition{LearningID: prior.LearningID, From: prior.Status, To: to}
	}
	if err := next.Validate(); err != nil {
		return AggregateOutput{}, err
	}

	out.Value = next
	out.AttributedValue = observed
	return out, nil
}

// nextStatus applies the deprecation rules. Active learnings always pass
// through UnderReview, even when both conditions already hold.
func nextStatus(from LearningStatus, v LearningValue, th Thresholds) (LearningStatus, bool) {
	harmful := v.EstimatedValue < th.HarmThreshold
	confident := v.Confidence > th.DeprecationConfidence
	switch from {
	case StatusActive:
		if harmful {
			return StatusUnderReview, true
		}
	case StatusUnderReview:
		if harmful && confident {
			return StatusDeprecated, true
		}
	}
	return from, false
}

// TemporalConfidence trusts close, heavy signals more: proximity scaled by
// the retained decayed weight, capped at one.
func TemporalConfidence(t TemporalResult, th Thresholds) float64 {
	if !t.HasSignal() {
		return 0
	}
	proximity := 1 - float64(t.NearestDistance)/float64(th.MaxDistance+1)
	return clamp(proximity*math.Min(1, t.DecayedWeight), 0, 1)
}

// AblationConfidence grows with the smaller arm's size and shrinks with the
// p-value.
func AblationConfidence(r AblationResult, th Thresholds) float64 {
	n := float64(min(r.WithheldN, r.InjectedN))
	if n <= 0 {
		return 0
	}
	return clamp(n/(n+th.AblationPseudoCount)*(1-r.PValue), 0, 1)
}

// Reenable returns v set back to active. Only an operator action outside the
// engine may call it.
func Reenable(v LearningValue, at time.Time) (LearningValue, *StatusTransition) {
	if v.Status == StatusActive {
		return v, nil
	}
	tr := &StatusTransition{LearningID: v.LearningID, From: v.Status, To: StatusActive}
	v.Status = StatusActive
	v.LastUpdated = at
	return v, tr
}
