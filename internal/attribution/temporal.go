package attribution

import "math"

// TemporalCorrelator turns a session's activation signals into a decayed net
// score relative to an assessment point.
type TemporalCorrelator interface {
	Correlate(signals []ActivationSignal, assessment uint32, th Thresholds) TemporalResult
}

// ExponentialCorrelator weights each signal by strength·exp(-rate·distance).
// Signals beyond MaxDistance are dropped, not down-weighted.
type ExponentialCorrelator struct{}

// NewExponentialCorrelator returns the production correlator.
func NewExponentialCorrelator() ExponentialCorrelator {
	return ExponentialCorrelator{}
}

// Correlate computes the net score. An empty or fully out-of-range input
// yields NetScore 0 and NearestDistance MaxDistance+1.
func (ExponentialCorrelator) Correlate(signals []ActivationSignal, assessment uint32, th Thresholds) TemporalResult {
	result := TemporalResult{NearestDistance: th.MaxDistance + 1}

	var positive, negative float64
	for _, sig := range signals {
		d := distance(assessment, sig.Position)
		if d > th.MaxDistance {
			continue
		}
		w := clamp(sig.Strength, 0, 1) * math.Exp(-th.DecayRate*float64(d))
		switch sig.Polarity {
		case PolarityPositive:
			positive += w
		case PolarityNegative:
			negative += w
		default:
			// Neutral near-misses inform tuning only.
			continue
		}
		result.Retained++
		result.DecayedWeight += w
		if d < result.NearestDistance {
			result.NearestDistance = d
		}
	}

	result.NetScore = positive - negative
	return result
}

func distance(a, b uint32) uint32 {
	if a > b {
		return a - b
	}
	return b - a
}
