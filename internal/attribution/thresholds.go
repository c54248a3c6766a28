package attribution

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Thresholds is an immutable, versioned snapshot of the slowly adapting
// parameters used by every component. Components receive a snapshot per call
// and never read process-wide state.
type Thresholds struct {
	// Version increases with every update published through a registry.
	Version   uint64    `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`

	// Activation.
	SimilarityThreshold float64 `json:"similarity_threshold" koanf:"similarity_threshold"`
	KeywordMinCoverage  float64 `json:"keyword_min_coverage" koanf:"keyword_min_coverage"`
	NearMissMargin      float64 `json:"near_miss_margin" koanf:"near_miss_margin"`
	ExplicitStrength    float64 `json:"explicit_strength" koanf:"explicit_strength"`

	// Temporal.
	DecayRate   float64 `json:"decay_rate" koanf:"decay_rate"`
	MaxDistance uint32  `json:"max_distance" koanf:"max_distance"`

	// Ablation.
	SettledConfidence float64 `json:"settled_confidence" koanf:"settled_confidence"`
	WithholdRate      float64 `json:"withhold_rate" koanf:"withhold_rate"`
	MinSessionsPerArm int     `json:"min_sessions_per_arm" koanf:"min_sessions_per_arm"`
	PValueThreshold   float64 `json:"p_value_threshold" koanf:"p_value_threshold"`

	// Aggregation and deprecation.
	PriorPseudoCount                float64 `json:"prior_pseudo_count" koanf:"prior_pseudo_count"`
	HarmThreshold                   float64 `json:"harm_threshold" koanf:"harm_threshold"`
	DeprecationConfidence           float64 `json:"deprecation_confidence" koanf:"deprecation_confidence"`
	AblationPseudoCount             float64 `json:"ablation_pseudo_count" koanf:"ablation_pseudo_count"`
	MinSimilarityThreshold          float64 `json:"min_similarity_threshold" koanf:"min_similarity_threshold"`
	MaxSimilarityThreshold          float64 `json:"max_similarity_threshold" koanf:"max_similarity_threshold"`
	SimilarityTuningStep            float64 `json:"similarity_tuning_step" koanf:"similarity_tuning_step"`
	SimilarityTuningMinObservations int     `json:"similarity_tuning_min_observations" koanf:"similarity_tuning_min_observations"`
}

// DefaultThresholds returns the production defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{
		Version:                         1,
		SimilarityThreshold:             0.80,
		KeywordMinCoverage:              0.6,
		NearMissMargin:                  0.15,
		ExplicitStrength:                0.95,
		DecayRate:                       0.1,
		MaxDistance:                     50,
		SettledConfidence:               0.9,
		WithholdRate:                    0.1,
		MinSessionsPerArm:               5,
		PValueThreshold:                 0.05,
		PriorPseudoCount:                10,
		HarmThreshold:                   -0.3,
		DeprecationConfidence:           0.8,
		AblationPseudoCount:             5,
		MinSimilarityThreshold:          0.60,
		MaxSimilarityThreshold:          0.95,
		SimilarityTuningStep:            0.01,
		SimilarityTuningMinObservations: 20,
	}
}

// Validate rejects impossible configurations. A failure here is fatal at startup.
func (t Thresholds) Validate() error {
	switch {
	case t.SimilarityThreshold <= 0 || t.SimilarityThreshold > 1:
		return fmt.Errorf("%w: similarity_threshold %v must be in (0,1]", ErrInvalidThresholds, t.SimilarityThreshold)
	case t.MinSimilarityThreshold <= 0 || t.MaxSimilarityThreshold > 1 || t.MinSimilarityThreshold > t.MaxSimilarityThreshold:
		return fmt.Errorf("%w: similarity bounds [%v,%v] invalid", ErrInvalidThresholds, t.MinSimilarityThreshold, t.MaxSimilarityThreshold)
	case t.SimilarityThreshold < t.MinSimilarityThreshold || t.SimilarityThreshold > t.MaxSimilarityThreshold:
		return fmt.Errorf("%w: similarity_threshold %v outside tuning bounds", ErrInvalidThresholds, t.SimilarityThreshold)
	case t.KeywordMinCoverage <= 0 || t.KeywordMinCoverage > 1:
		return fmt.Errorf("%w: keyword_min_coverage %v must be in (0,1]", ErrInvalidThresholds, t.KeywordMinCoverage)
	case t.NearMissMargin < 0 || t.NearMissMargin >= t.SimilarityThreshold:
		return fmt.Errorf("%w: near_miss_margin %v invalid", ErrInvalidThresholds, t.NearMissMargin)
	case t.ExplicitStrength <= 0 || t.ExplicitStrength > 1:
		return fmt.Errorf("%w: explicit_strength %v must be in (0,1]", ErrInvalidThresholds, t.ExplicitStrength)
	case t.DecayRate <= 0:
		return fmt.Errorf("%w: decay_rate must be positive", ErrInvalidThresholds)
	case t.MaxDistance == 0:
		return fmt.Errorf("%w: max_distance must be positive", ErrInvalidThresholds)
	case t.SettledConfidence <= 0 || t.SettledConfidence > 1:
		return fmt.Errorf("%w: settled_confidence %v must be in (0,1]", ErrInvalidThresholds, t.SettledConfidence)
	case t.WithholdRate < 0 || t.WithholdRate >= 1:
		return fmt.Errorf("%w: withhold_rate %v must be in [0,1)", ErrInvalidThresholds, t.WithholdRate)
	case t.MinSessionsPerArm < 2:
		return fmt.Errorf("%w: min_sessions_per_arm must be at least 2 for a t-test", ErrInvalidThresholds)
	case t.PValueThreshold <= 0 || t.PValueThreshold >= 1:
		return fmt.Errorf("%w: p_value_threshold %v must be in (0,1)", ErrInvalidThresholds, t.PValueThreshold)
	case t.PriorPseudoCount <= 0 || t.AblationPseudoCount <= 0:
		return fmt.Errorf("%w: pseudo counts must be positive", ErrInvalidThresholds)
	case t.HarmThreshold >= 0 || t.HarmThreshold <= -1:
		return fmt.Errorf("%w: harm_threshold %v must be below neutral and above -1", ErrInvalidThresholds, t.HarmThreshold)
	case t.DeprecationConfidence <= 0 || t.DeprecationConfidence >= 1:
		return fmt.Errorf("%w: deprecation_confidence %v must be in (0,1)", ErrInvalidThresholds, t.DeprecationConfidence)
	case t.SimilarityTuningStep < 0 || t.SimilarityTuningMinObservations < 1:
		return fmt.Errorf("%w: similarity tuning parameters invalid", ErrInvalidThresholds)
	}
	return nil
}

// ThresholdRegistry publishes threshold snapshots. Readers take a snapshot
// with Snapshot; writers go through Update, which validates and bumps the
// version atomically.
type ThresholdRegistry struct {
	mu      sync.Mutex // serializes writers
	current atomic.Pointer[Thresholds]
	now     func() time.Time
}

// NewThresholdRegistry validates initial and returns a registry holding it.
func NewThresholdRegistry(initial Thresholds) (*ThresholdRegistry, error) {
	if err := initial.Validate(); err != nil {
		return nil, err
	}
	if initial.Version == 0 {
		initial.Version = 1
	}
	r := &ThresholdRegistry{now: time.Now}
	r.current.Store(&initial)
	return r, nil
}

// Snapshot returns the current thresholds by value.
func (r *ThresholdRegistry) Snapshot() Thresholds {
	return *r.current.Load()
}

// Update applies fn to a copy of the current snapshot and publishes it as a
// new version. The update is discarded if the result fails validation.
func (r *ThresholdRegistry) Update(fn func(*Thresholds)) (Thresholds, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := *r.current.Load()
	prevVersion := next.Version
	fn(&next)
	if err := next.Validate(); err != nil {
		return r.Snapshot(), err
	}
	next.Version = prevVersion + 1
	next.UpdatedAt = r.now()
	r.current.Store(&next)
	return next, nil
}

// Replace publishes a wholesale new parameter set, for example after a
// configuration file reload. The version still increases monotonically.
func (r *ThresholdRegistry) Replace(t Thresholds) (Thresholds, error) {
	return r.Update(func(cur *Thresholds) {
		v := cur.Version
		*cur = t
		cur.Version = v
	})
}
