package attribution

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Default and maximum page sizes for history queries.
const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 500
)

// QueryService is the read side used by the CLI and dashboard, plus the two
// operator writes that sit outside the engine: syncing learnings from the
// knowledge store and re-enabling a retired learning.
type QueryService struct {
	store    Store
	ablation AblationManager
	registry *ThresholdRegistry
	now      func() time.Time
}

// NewQueryService creates a query service over store.
func NewQueryService(store Store, ablation AblationManager, registry *ThresholdRegistry) *QueryService {
	return &QueryService{store: store, ablation: ablation, registry: registry, now: time.Now}
}

// Value returns the learning's current estimate. A learning that has never
// been attributed reports the zero estimate.
func (q *QueryService) Value(ctx context.Context, learningID string) (LearningValue, error) {
	if _, err := q.store.GetLearning(ctx, learningID); err != nil {
		return LearningValue{}, err
	}
	v, err := q.store.GetValue(ctx, learningID)
	if errors.Is(err, ErrNotFound) {
		return NewLearningValue(learningID), nil
	}
	return v, err
}

// History returns the newest attribution records for a learning.
func (q *QueryService) History(ctx context.Context, learningID string, limit int) ([]AttributionRecord, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}
	return q.store.History(ctx, learningID, limit)
}

// Experiment returns the learning's ablation experiment.
func (q *QueryService) Experiment(ctx context.Context, learningID string) (*AblationExperiment, error) {
	exp, err := q.store.LoadExperiment(ctx, learningID)
	if err != nil {
		return nil, err
	}
	if exp == nil {
		return nil, ErrNotFound
	}
	return exp, nil
}

// Errors lists retained error records.
func (q *QueryService) Errors(ctx context.Context, limit int) ([]ErrorRecord, error) {
	return q.store.ListErrorRecords(ctx, limit)
}

// Thresholds returns the active threshold snapshot.
func (q *QueryService) Thresholds() Thresholds {
	return q.registry.Snapshot()
}

// PutLearning upserts a learning's content. The engine-owned status of an
// existing learning is preserved.
func (q *QueryService) PutLearning(ctx context.Context, l Learning) error {
	if l.ID == "" {
		return fmt.Errorf("%w: empty learning id", ErrInvalidEvent)
	}
	existing, err := q.store.GetLearning(ctx, l.ID)
	switch {
	case err == nil:
		l.Status = existing.Status
		if l.CreatedAt.IsZero() {
			l.CreatedAt = existing.CreatedAt
		}
	case errors.Is(err, ErrNotFound):
		l.Status = StatusActive
		if l.CreatedAt.IsZero() {
			l.CreatedAt = q.now()
		}
	default:
		return err
	}
	return q.store.PutLearning(ctx, l)
}

// ShouldWithhold exposes the ablation decision to the injection subsystem.
func (q *QueryService) ShouldWithhold(ctx context.Context, learningID string, sc SessionContext) (bool, error) {
	if _, err := q.store.GetLearning(ctx, learningID); err != nil {
		return false, err
	}
	return q.ablation.ShouldWithhold(ctx, learningID, sc, q.registry.Snapshot())
}

// Reenable returns a learning to active. It retries on version conflicts
// with the attribution consumer.
func (q *QueryService) Reenable(ctx context.Context, learningID string) (LearningValue, *StatusTransition, error) {
	l, err := q.store.GetLearning(ctx, learningID)
	if err != nil {
		return LearningValue{}, nil, err
	}
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		prior, err := q.store.GetValue(ctx, learningID)
		if errors.Is(err, ErrNotFound) {
			prior = NewLearningValue(learningID)
		} else if err != nil {
			return LearningValue{}, nil, err
		}

		next, tr := Reenable(prior, q.now())
		if tr == nil && l.Status == StatusActive {
			return prior, nil, nil
		}
		stored, err := q.store.PutValue(ctx, next, prior.Version)
		if errors.Is(err, ErrVersionConflict) {
			continue
		}
		if err != nil {
			return LearningValue{}, nil, err
		}
		return stored, tr, nil
	}
	return LearningValue{}, nil, fmt.Errorf("reenable %s: %w", learningID, ErrVersionConflict)
}
