package attribution

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/stat/distuv"
)

// maxCASAttempts bounds optimistic retries against the experiment store.
const maxCASAttempts = 8

// RandomSource supplies uniform draws in [0,1). *rand.Rand satisfies it.
type RandomSource interface {
	Float64() float64
}

// LockedRandom makes a RandomSource safe for concurrent use.
type LockedRandom struct {
	mu  sync.Mutex
	src RandomSource
}

// NewLockedRandom wraps src. A nil src uses a PCG generator seeded from seed.
func NewLockedRandom(src RandomSource, seed uint64) *LockedRandom {
	if src == nil {
		src = rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	}
	return &LockedRandom{src: src}
}

// Float64 returns the next draw.
func (r *LockedRandom) Float64() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.src.Float64()
}

// SessionContext describes the session asking for an injection decision.
type SessionContext struct {
	SessionID string    `json:"session_id"`
	StartedAt time.Time `json:"started_at"`
}

// AblationManager runs withholding experiments.
type AblationManager interface {
	ShouldWithhold(ctx context.Context, learningID string, sc SessionContext, th Thresholds) (bool, error)
	IsExperimentComplete(exp *AblationExperiment, th Thresholds) bool
	ComputeMarginalValue(exp *AblationExperiment, th Thresholds) (AblationResult, error)
	RecordOutcome(ctx context.Context, learningID, sessionID string, arm Arm, outcome float64, at time.Time) error
	Evaluate(ctx context.Context, learningID, eventID string, th Thresholds, at time.Time) (*AblationResult, error)
}

// ValueReader is the read side of LearningStore used for the settled check.
type ValueReader interface {
	GetValue(ctx context.Context, learningID string) (LearningValue, error)
}

// Manager is the store-backed AblationManager. It holds no canonical state;
// every mutation is a compare-and-swap on the stored experiment.
type Manager struct {
	experiments ExperimentStore
	values      ValueReader
	rng         RandomSource
	now         func() time.Time
}

// NewManager creates a manager. rng must be safe for concurrent use when the
// manager is shared; see LockedRandom.
func NewManager(experiments ExperimentStore, values ValueReader, rng RandomSource) *Manager {
	return &Manager{
		experiments: experiments,
		values:      values,
		rng:         rng,
		now:         time.Now,
	}
}

// ShouldWithhold decides whether sc's session runs without the learning.
// The first decision for a session is stored in the experiment and returned
// unchanged by every later call.
func (m *Manager) ShouldWithhold(ctx context.Context, learningID string, sc SessionContext, th Thresholds) (bool, error) {
	if sc.SessionID == "" {
		return false, fmt.Errorf("%w: empty session id", ErrInvalidEvent)
	}
	at := sc.StartedAt
	if at.IsZero() {
		at = m.now()
	}

	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		exp, err := m.experiments.LoadExperiment(ctx, learningID)
		if err != nil {
			return false, fmt.Errorf("load experiment %s: %w", learningID, err)
		}
		if exp != nil {
			if arm, ok := exp.assignment(sc.SessionID); ok {
				return arm == ArmWithheld, nil
			}
			if exp.Status != ExperimentRunning {
				return false, nil
			}
		}

		confidence := 0.0
		value, err := m.values.GetValue(ctx, learningID)
		switch {
		case err == nil:
			confidence = value.Confidence
			if value.Status == StatusDeprecated {
				return false, nil
			}
		case errors.Is(err, ErrNotFound):
		default:
			return false, fmt.Errorf("load value %s: %w", learningID, err)
		}
		if confidence >= th.SettledConfidence && exp == nil {
			return false, nil
		}

		var expected uint64
		if exp == nil {
			exp = &AblationExperiment{
				ID:                uuid.NewString(),
				LearningID:        learningID,
				StartedAt:         at,
				Status:            ExperimentRunning,
				MinSessionsPerArm: th.MinSessionsPerArm,
			}
		} else {
			expected = exp.Version
		}

		// Assigned sessions count toward the floor before their outcome lands.
		withhold := confidence < th.SettledConfidence &&
			m.rng.Float64() < th.WithholdRate &&
			len(exp.WithheldArm) < exp.MinSessionsPerArm

		arm := ArmInjected
		if withhold {
			arm = ArmWithheld
		}
		refs, _ := exp.armFor(arm)
		*refs = append(*refs, SessionRef{SessionID: sc.SessionID, AssignedAt: at})

		err = m.experiments.SaveExperiment(ctx, exp, expected)
		if errors.Is(err, ErrVersionConflict) {
			continue
		}
		if err != nil {
			return false, fmt.Errorf("save experiment %s: %w", learningID, err)
		}
		return withhold, nil
	}
	return false, fmt.Errorf("assign session %s to %s: %w", sc.SessionID, learningID, ErrVersionConflict)
}

// IsExperimentComplete reports whether both arms have reached the floor.
func (m *Manager) IsExperimentComplete(exp *AblationExperiment, th Thresholds) bool {
	if exp == nil {
		return false
	}
	floor := armFloor(exp, th)
	return exp.WithheldStats.N >= floor && exp.InjectedStats.N >= floor
}

// ComputeMarginalValue runs Welch's t-test between the arms. It refuses with
// ErrInsufficientSamples while either arm is below the floor.
func (m *Manager) ComputeMarginalValue(exp *AblationExperiment, th Thresholds) (AblationResult, error) {
	if exp == nil {
		return AblationResult{}, fmt.Errorf("%w: no experiment", ErrInsufficientSamples)
	}
	if !m.IsExperimentComplete(exp, th) {
		return AblationResult{}, fmt.Errorf("%w: withheld=%d injected=%d floor=%d",
			ErrInsufficientSamples, exp.WithheldStats.N, exp.InjectedStats.N, armFloor(exp, th))
	}

	t, df, p := WelchTTest(exp.WithheldStats, exp.InjectedStats)
	return AblationResult{
		ExperimentID:  exp.ID,
		MarginalValue: exp.InjectedStats.Mean - exp.WithheldStats.Mean,
		PValue:        p,
		Significant:   p < th.PValueThreshold,
		WithheldN:     exp.WithheldStats.N,
		InjectedN:     exp.InjectedStats.N,
		TStatistic:    t,
		DegreesFree:   df,
	}, nil
}

// RecordOutcome folds a session outcome into its arm. The stored assignment
// wins over arm; a session not yet assigned joins arm. Repeating the call for
// a session that already has an outcome is a no-op. Nothing happens when the
// learning has no running experiment.
func (m *Manager) RecordOutcome(ctx context.Context, learningID, sessionID string, arm Arm, outcome float64, at time.Time) error {
	if math.IsNaN(outcome) || math.IsInf(outcome, 0) {
		return fmt.Errorf("%w: outcome %v", ErrInvalidEvent, outcome)
	}

	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		exp, err := m.experiments.LoadExperiment(ctx, learningID)
		if err != nil {
			return fmt.Errorf("load experiment %s: %w", learningID, err)
		}
		if exp == nil || exp.Status != ExperimentRunning {
			return nil
		}

		if assigned, ok := exp.assignment(sessionID); ok {
			arm = assigned
		}
		refs, stats := exp.armFor(arm)
		idx := -1
		for i := range *refs {
			if (*refs)[i].SessionID == sessionID {
				idx = i
				break
			}
		}
		if idx < 0 {
			*refs = append(*refs, SessionRef{SessionID: sessionID, AssignedAt: at})
			idx = len(*refs) - 1
		}
		if (*refs)[idx].Outcome != nil {
			return nil
		}
		v := outcome
		(*refs)[idx].Outcome = &v
		stats.Add(outcome)

		err = m.experiments.SaveExperiment(ctx, exp, exp.Version)
		if errors.Is(err, ErrVersionConflict) {
			continue
		}
		if err != nil {
			return fmt.Errorf("save experiment %s: %w", learningID, err)
		}
		return nil
	}
	return fmt.Errorf("record outcome %s/%s: %w", learningID, sessionID, ErrVersionConflict)
}

// Evaluate closes a running experiment once both arms reach the floor:
// Complete when the result is significant, Inconclusive otherwise. The result
// is returned only for the event that closed the experiment, including when
// that event is processed again.
func (m *Manager) Evaluate(ctx context.Context, learningID, eventID string, th Thresholds, at time.Time) (*AblationResult, error) {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		exp, err := m.experiments.LoadExperiment(ctx, learningID)
		if err != nil {
			return nil, fmt.Errorf("load experiment %s: %w", learningID, err)
		}
		if exp == nil {
			return nil, nil
		}
		if exp.Status != ExperimentRunning {
			if exp.ClosedBy != "" && exp.ClosedBy == eventID && exp.Result != nil {
				r := *exp.Result
				return &r, nil
			}
			return nil, nil
		}
		if !m.IsExperimentComplete(exp, th) {
			return nil, nil
		}

		result, err := m.ComputeMarginalValue(exp, th)
		if err != nil {
			return nil, err
		}
		exp.Status = ExperimentInconclusive
		if result.Significant {
			exp.Status = ExperimentComplete
		}
		exp.Result = &result
		completed := at
		exp.CompletedAt = &completed
		exp.ClosedBy = eventID

		err = m.experiments.SaveExperiment(ctx, exp, exp.Version)
		if errors.Is(err, ErrVersionConflict) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("save experiment %s: %w", learningID, err)
		}
		return &result, nil
	}
	return nil, fmt.Errorf("evaluate %s: %w", learningID, ErrVersionConflict)
}

func armFloor(exp *AblationExperiment, th Thresholds) int {
	if exp.MinSessionsPerArm > 0 {
		return exp.MinSessionsPerArm
	}
	return th.MinSessionsPerArm
}

// WelchTTest compares two arms without assuming equal variances and returns
// the t statistic (injected minus withheld), the Welch-Satterthwaite degrees
// of freedom and the two-sided p-value.
func WelchTTest(withheld, injected ArmStats) (t, df, p float64) {
	if withheld.N < 2 || injected.N < 2 {
		return 0, 0, 1
	}
	na, nb := float64(withheld.N), float64(injected.N)
	va := withheld.Variance() / na
	vb := injected.Variance() / nb
	diff := injected.Mean - withheld.Mean

	se2 := va + vb
	if se2 == 0 {
		// Both arms are constant: any difference is exact.
		df = na + nb - 2
		if diff == 0 {
			return 0, df, 1
		}
		return math.Copysign(math.Inf(1), diff), df, 0
	}

	t = diff / math.Sqrt(se2)
	df = se2 * se2 / (va*va/(na-1) + vb*vb/(nb-1))
	dist := distuv.StudentsT{Mu: 0, Sigma: 1, Nu: df}
	p = 2 * dist.Survival(math.Abs(t))
	return t, df, clamp(p, 0, 1)
}
