package attribution

import (
	"fmt"
	"time"
)

// LearningStatus is the lifecycle state of a learning as seen by the engine.
type LearningStatus string

const (
	// StatusActive learnings are eligible for injection.
	StatusActive LearningStatus = "active"

	// StatusUnderReview learnings have a harmful estimate that is not yet
	// confident enough to retire them.
	StatusUnderReview LearningStatus = "under_review"

	// StatusDeprecated learnings were shown, with sufficient confidence, to be
	// harmful. Only an explicit external re-enable returns them to active.
	StatusDeprecated LearningStatus = "deprecated"
)

// IsValid reports whether s is a known status.
func (s LearningStatus) IsValid() bool {
	switch s {
	case StatusActive, StatusUnderReview, StatusDeprecated:
		return true
	}
	return false
}

// Polarity is the direction of an activation signal.
type Polarity string

const (
	PolarityPositive Polarity = "positive"
	PolarityNegative Polarity = "negative"
	PolarityNeutral  Polarity = "neutral"
)

// DetectionMethod identifies how an activation was found.
type DetectionMethod string

const (
	DetectedSemantic          DetectionMethod = "semantic"
	DetectedKeyword           DetectionMethod = "keyword"
	DetectedExplicitReference DetectionMethod = "explicit_reference"
)

// Learning is an extracted piece of knowledge. The engine references it by ID
// and reads its insight and embedding; it never edits the content.
type Learning struct {
	ID        string         `json:"id"`
	Scope     string         `json:"scope"`
	Insight   string         `json:"insight"`
	Embedding []float32      `json:"embedding,omitempty"`
	Status    LearningStatus `json:"status"`
	CreatedAt time.Time      `json:"created_at"`
}

// ActivationSignal is one observation that a learning surfaced in a session.
type ActivationSignal struct {
	LearningID  string          `json:"learning_id"`
	SessionID   string          `json:"session_id"`
	Position    uint32          `json:"position"`
	Polarity    Polarity        `json:"polarity"`
	Strength    float64         `json:"strength"`
	DetectedVia DetectionMethod `json:"detected_via"`
}

// ActivationResult aggregates the signals for one learning in one window.
type ActivationResult struct {
	Matched bool `json:"matched"`

	// Confidence is the certainty of the Matched verdict. For a miss it shrinks
	// as the best score approaches the threshold.
	Confidence float64            `json:"confidence"`
	Signals    []ActivationSignal `json:"signals,omitempty"`

	// BestScore is the strongest score seen across methods, kept for tuning.
	BestScore float64 `json:"best_score"`

	// BestSemantic is the best cosine similarity, zero when embedding failed.
	BestSemantic float64 `json:"best_semantic"`

	// Degraded is set when the semantic path could not run.
	Degraded bool `json:"degraded,omitempty"`
}

// TemporalResult is the decayed net signal around an assessment point.
type TemporalResult struct {
	NetScore        float64 `json:"net_score"`
	NearestDistance uint32  `json:"nearest_distance"`
	DecayedWeight   float64 `json:"decayed_weight"`
	Retained        int     `json:"retained"`
}

// HasSignal reports whether any signal fell inside the lookback window.
func (r TemporalResult) HasSignal() bool {
	return r.Retained > 0
}

// ExperimentStatus is the state of an ablation experiment.
type ExperimentStatus string

const (
	ExperimentRunning      ExperimentStatus = "running"
	ExperimentComplete     ExperimentStatus = "complete"
	ExperimentInconclusive ExperimentStatus = "inconclusive"
)

// Arm identifies one side of an ablation experiment.
type Arm string

const (
	ArmWithheld Arm = "withheld"
	ArmInjected Arm = "injected"
)

// SessionRef is a session's membership in an experiment arm.
type SessionRef struct {
	SessionID  string    `json:"session_id"`
	AssignedAt time.Time `json:"assigned_at"`

	// Outcome is nil until the session's outcome event arrives.
	Outcome *float64 `json:"outcome,omitempty"`
}

// ArmStats holds running Welford statistics for one arm's outcomes.
type ArmStats struct {
	N    int     `json:"n"`
	Mean float64 `json:"mean"`
	M2   float64 `json:"m2"`
}

// Add folds one observation into the running statistics.
func (s *ArmStats) Add(x float64) {
	s.N++
	delta := x - s.Mean
	s.Mean += delta / float64(s.N)
	s.M2 += delta * (x - s.Mean)
}

// Variance returns the unbiased sample variance, zero below two samples.
func (s ArmStats) Variance() float64 {
	if s.N < 2 {
		return 0
	}
	return s.M2 / float64(s.N-1)
}

// AblationExperiment is the durable state of one withholding experiment.
type AblationExperiment struct {
	ID                string           `json:"id"`
	LearningID        string           `json:"learning_id"`
	StartedAt         time.Time        `json:"started_at"`
	WithheldArm       []SessionRef     `json:"arm_withheld_sessions"`
	InjectedArm       []SessionRef     `json:"arm_injected_sessions"`
	Status            ExperimentStatus `json:"status"`
	MinSessionsPerArm int              `json:"min_sessions_per_arm"`
	WithheldStats     ArmStats         `json:"withheld_stats"`
	InjectedStats     ArmStats         `json:"injected_stats"`
	Result            *AblationResult  `json:"result,omitempty"`
	CompletedAt       *time.Time       `json:"completed_at,omitempty"`

	// ClosedBy is the outcome event whose pass evaluated the experiment.
	ClosedBy string `json:"closed_by,omitempty"`

	// Version is maintained by the store for optimistic concurrency.
	Version uint64 `json:"version"`
}

// armFor returns a pointer to the arm slice and its stats.
func (e *AblationExperiment) armFor(arm Arm) (*[]SessionRef, *ArmStats) {
	if arm == ArmWithheld {
		return &e.WithheldArm, &e.WithheldStats
	}
	return &e.InjectedArm, &e.InjectedStats
}

// assignment returns the arm a session was placed in, if any.
func (e *AblationExperiment) assignment(sessionID string) (Arm, bool) {
	for _, ref := range e.WithheldArm {
		if ref.SessionID == sessionID {
			return ArmWithheld, true
		}
	}
	for _, ref := range e.InjectedArm {
		if ref.SessionID == sessionID {
			return ArmInjected, true
		}
	}
	return "", false
}

// AblationResult is the outcome of a two-sample comparison.
type AblationResult struct {
	ExperimentID  string  `json:"experiment_id"`
	MarginalValue float64 `json:"marginal_value"`
	PValue        float64 `json:"p_value"`
	Significant   bool    `json:"significant"`
	WithheldN     int     `json:"withheld_n"`
	InjectedN     int     `json:"injected_n"`
	TStatistic    float64 `json:"t_statistic"`
	DegreesFree   float64 `json:"degrees_of_freedom"`
}

// LearningValue is the continuously updated estimate for one learning.
type LearningValue struct {
	LearningID     string         `json:"learning_id"`
	EstimatedValue float64        `json:"estimated_value"`
	Confidence     float64        `json:"confidence"`
	SampleCount    uint64         `json:"sample_count"`
	LastUpdated    time.Time      `json:"last_updated"`
	Status         LearningStatus `json:"status"`

	// Version is maintained by the store for optimistic concurrency.
	// Zero means the row has never been written.
	Version uint64 `json:"version"`
}

// NewLearningValue returns the lazily created zero record for a learning.
func NewLearningValue(learningID string) LearningValue {
	return LearningValue{
		LearningID: learningID,
		Status:     StatusActive,
	}
}

// Validate checks the range invariants.
func (v LearningValue) Validate() error {
	if v.LearningID == "" {
		return fmt.Errorf("%w: empty learning id", ErrInvariantViolation)
	}
	if v.Confidence < 0 || v.Confidence > 1 || v.Confidence != v.Confidence {
		return fmt.Errorf("%w: confidence %v outside [0,1]", ErrInvariantViolation, v.Confidence)
	}
	if v.EstimatedValue < -1 || v.EstimatedValue > 1 || v.EstimatedValue != v.EstimatedValue {
		return fmt.Errorf("%w: estimated value %v outside [-1,1]", ErrInvariantViolation, v.EstimatedValue)
	}
	if !v.Status.IsValid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvariantViolation, v.Status)
	}
	return nil
}

// StatusTransition describes a status change produced by aggregation.
type StatusTransition struct {
	LearningID string         `json:"learning_id"`
	From       LearningStatus `json:"from"`
	To         LearningStatus `json:"to"`
}

// SkipReason explains a data-quality shortcut taken during a pass.
type SkipReason string

const (
	SkipNone                  SkipReason = ""
	SkipTranscriptUnavailable SkipReason = "transcript_unavailable"
	SkipNoEvidence            SkipReason = "no_evidence"
	SkipLearningInactive      SkipReason = "learning_inactive"
)

// AttributionRecord is the per-event, per-learning output of one pass.
type AttributionRecord struct {
	EventID         string            `json:"event_id"`
	LearningID      string            `json:"learning_id"`
	SessionID       string            `json:"session_id"`
	Activation      ActivationResult  `json:"activation"`
	Temporal        TemporalResult    `json:"temporal"`
	Ablation        *AblationResult   `json:"ablation,omitempty"`
	AttributedValue float64           `json:"attributed_value"`
	WasActivated    bool              `json:"was_activated"`
	Withheld        bool              `json:"withheld"`
	Skipped         SkipReason        `json:"skipped,omitempty"`
	Degraded        bool              `json:"degraded,omitempty"`
	Value           LearningValue     `json:"value"`
	Transition      *StatusTransition `json:"transition,omitempty"`
	ThresholdsRev   uint64            `json:"thresholds_version"`
	Offset          uint64            `json:"offset"`
	ProcessedAt     time.Time         `json:"processed_at"`
}

// ErrorRecord is retained for an (event, learning) pair that could not be
// attributed, so it can be replayed.
type ErrorRecord struct {
	ID         string        `json:"id"`
	EventID    string        `json:"event_id"`
	LearningID string        `json:"learning_id"`
	SessionID  string        `json:"session_id"`
	Class      ErrorClass    `json:"class"`
	Stage      PassStage     `json:"stage"`
	Message    string        `json:"message"`
	Attempts   int           `json:"attempts"`
	Event      *OutcomeEvent `json:"event,omitempty"`
	RecordedAt time.Time     `json:"recorded_at"`
}

// Transcript is an ordered session event sequence.
type Transcript struct {
	SessionID string            `json:"session_id"`
	Events    []TranscriptEvent `json:"events"`
}

// TranscriptEvent is one entry of a transcript. Position is its ordinal.
type TranscriptEvent struct {
	Position uint32 `json:"position"`
	Role     string `json:"role"`
	Text     string `json:"text"`
	Failed   bool   `json:"failed,omitempty"`
}

// Transcript roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// LastPosition returns the position of the final event, or zero.
func (t *Transcript) LastPosition() uint32 {
	if t == nil || len(t.Events) == 0 {
		return 0
	}
	return t.Events[len(t.Events)-1].Position
}
