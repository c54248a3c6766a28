package attribution

import (
	"context"
)

// LearningStore gives access to learnings and their value estimates.
type LearningStore interface {
	// GetActiveLearnings returns learnings in scope that are not deprecated.
	// An empty scope matches every learning.
	GetActiveLearnings(ctx context.Context, scope string) ([]Learning, error)

	// GetLearning returns ErrNotFound when the learning does not exist.
	GetLearning(ctx context.Context, id string) (Learning, error)

	// PutLearning creates or replaces a learning.
	PutLearning(ctx context.Context, learning Learning) error

	// GetValue returns ErrNotFound when no value row exists yet.
	GetValue(ctx context.Context, learningID string) (LearningValue, error)

	// PutValue writes value if the stored version equals expectedVersion
	// (zero meaning "absent"), returning the stored row with its new version.
	// A mismatch returns ErrVersionConflict.
	PutValue(ctx context.Context, value LearningValue, expectedVersion uint64) (LearningValue, error)
}

// ExperimentStore persists ablation experiments.
type ExperimentStore interface {
	// LoadExperiment returns nil, nil when the learning has no experiment.
	LoadExperiment(ctx context.Context, learningID string) (*AblationExperiment, error)

	// SaveExperiment writes exp if the stored version equals expectedVersion
	// and sets exp.Version to the new version.
	SaveExperiment(ctx context.Context, exp *AblationExperiment, expectedVersion uint64) error
}

// RecordStore persists attribution output and failures.
type RecordStore interface {
	// GetRecord returns nil, nil when the pair has not been attributed.
	GetRecord(ctx context.Context, eventID, learningID string) (*AttributionRecord, error)

	// CommitAttribution atomically stores rec.Value (checked against
	// expectedVersion), the record itself, and the learning's status when it
	// changed. It returns the stored value with its new version.
	CommitAttribution(ctx context.Context, rec AttributionRecord, expectedVersion uint64) (LearningValue, error)

	// History returns the newest records for a learning, newest first.
	History(ctx context.Context, learningID string, limit int) ([]AttributionRecord, error)

	PutErrorRecord(ctx context.Context, rec ErrorRecord) error
	ListErrorRecords(ctx context.Context, limit int) ([]ErrorRecord, error)
	DeleteErrorRecord(ctx context.Context, id string) error
}

// OffsetStore persists the consumer's processed-offset watermark.
type OffsetStore interface {
	LoadOffset(ctx context.Context, consumer string) (uint64, error)
	// SaveOffset never moves a stored watermark backwards.
	SaveOffset(ctx context.Context, consumer string, offset uint64) error
}

// Store is everything the engine needs from durable storage.
type Store interface {
	LearningStore
	ExperimentStore
	RecordStore
	OffsetStore
}

// TranscriptSource loads session transcripts.
type TranscriptSource interface {
	// GetTranscript returns nil, nil when no transcript is available.
	GetTranscript(ctx context.Context, sessionID, ref string) (*Transcript, error)
}

// Publisher emits engine output downstream.
type Publisher interface {
	PublishAttribution(ctx context.Context, ev AttributionEvent) error
	PublishDeprecation(ctx context.Context, ev DeprecationEvent) error
}
