package attribution

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Stream subjects.
const (
	SubjectOutcome     = "groove.assessment.heavy"
	SubjectAttribution = "groove.attribution"
	SubjectDeprecation = "groove.deprecation"
)

// SchemaVersion is the event schema this build writes. Events with the same
// major version are accepted regardless of minor version.
const SchemaVersion = "1.0"

// OutcomeEvent is a heavy assessment of one session.
type OutcomeEvent struct {
	SchemaVersion        string   `json:"schema_version"`
	EventID              string   `json:"event_id"`
	SessionID            string   `json:"session_id"`
	Scope                string   `json:"scope,omitempty"`
	CandidateLearningIDs []string `json:"candidate_learning_ids"`

	// WithheldLearningIDs lists candidates that were withheld from the session.
	WithheldLearningIDs []string `json:"withheld_learning_ids,omitempty"`
	OutcomeValue        float64  `json:"outcome_value"`
	TranscriptRef       string   `json:"transcript_ref,omitempty"`

	// AssessmentPosition defaults to the last transcript position.
	AssessmentPosition *uint32   `json:"assessment_position,omitempty"`
	OccurredAt         time.Time `json:"occurred_at"`
}

// Withheld reports whether learningID was withheld from the session.
func (e OutcomeEvent) Withheld(learningID string) bool {
	for _, id := range e.WithheldLearningIDs {
		if id == learningID {
			return true
		}
	}
	return false
}

// Validate rejects events the engine cannot attribute.
func (e OutcomeEvent) Validate() error {
	if err := checkSchemaVersion(e.SchemaVersion); err != nil {
		return err
	}
	switch {
	case e.EventID == "":
		return fmt.Errorf("%w: missing event_id", ErrInvalidEvent)
	case e.SessionID == "":
		return fmt.Errorf("%w: missing session_id", ErrInvalidEvent)
	case math.IsNaN(e.OutcomeValue) || math.IsInf(e.OutcomeValue, 0):
		return fmt.Errorf("%w: outcome_value %v", ErrInvalidEvent, e.OutcomeValue)
	}
	return nil
}

// DecodeOutcomeEvent parses and validates an outcome event. Unknown fields
// are ignored.
func DecodeOutcomeEvent(data []byte) (OutcomeEvent, error) {
	var ev OutcomeEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return OutcomeEvent{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if ev.SchemaVersion == "" {
		ev.SchemaVersion = SchemaVersion
	}
	if err := ev.Validate(); err != nil {
		return OutcomeEvent{}, err
	}
	return ev, nil
}

func checkSchemaVersion(v string) error {
	if v == "" {
		return nil
	}
	major, _, _ := strings.Cut(v, ".")
	n, err := strconv.Atoi(major)
	if err != nil {
		return fmt.Errorf("%w: %q", ErrUnsupportedEventVersion, v)
	}
	current, _, _ := strings.Cut(SchemaVersion, ".")
	if cur, _ := strconv.Atoi(current); n > cur || n < 1 {
		return fmt.Errorf("%w: %q", ErrUnsupportedEventVersion, v)
	}
	return nil
}

// AttributionEvent carries one AttributionRecord downstream.
type AttributionEvent struct {
	SchemaVersion string            `json:"schema_version"`
	Record        AttributionRecord `json:"record"`
}

// MessageID is the broker deduplication key.
func (e AttributionEvent) MessageID() string {
	return "attr:" + e.Record.EventID + ":" + e.Record.LearningID
}

// DeprecationEvent announces a status transition with its evidence.
type DeprecationEvent struct {
	SchemaVersion  string          `json:"schema_version"`
	EventID        string          `json:"event_id"`
	LearningID     string          `json:"learning_id"`
	PreviousStatus LearningStatus  `json:"previous_status"`
	NewStatus      LearningStatus  `json:"new_status"`
	EstimatedValue float64         `json:"estimated_value"`
	Confidence     float64         `json:"confidence"`
	SampleCount    uint64          `json:"sample_count"`
	Ablation       *AblationResult `json:"ablation,omitempty"`
	OccurredAt     time.Time       `json:"occurred_at"`
}

// MessageID is the broker deduplication key.
func (e DeprecationEvent) MessageID() string {
	return "dep:" + e.EventID + ":" + e.LearningID + ":" + string(e.NewStatus)
}

// NewAttributionEvent wraps rec.
func NewAttributionEvent(rec AttributionRecord) AttributionEvent {
	return AttributionEvent{SchemaVersion: SchemaVersion, Record: rec}
}

// NewDeprecationEvent builds the evidence snapshot for a record carrying a
// transition. It returns false when the record has none.
func NewDeprecationEvent(rec AttributionRecord) (DeprecationEvent, bool) {
	if rec.Transition == nil {
		return DeprecationEvent{}, false
	}
	return DeprecationEvent{
		SchemaVersion:  SchemaVersion,
		EventID:        rec.EventID,
		LearningID:     rec.LearningID,
		PreviousStatus: rec.Transition.From,
		NewStatus:      rec.Transition.To,
		EstimatedValue: rec.Value.EstimatedValue,
		Confidence:     rec.Value.Confidence,
		SampleCount:    rec.Value.SampleCount,
		Ablation:       rec.Ablation,
		OccurredAt:     rec.Value.LastUpdated,
	}, true
}
