package attribution

import (
	"context"
	"sort"
	"sync"
)

// InMemoryStore is an in-memory Store for tests and local runs.
type InMemoryStore struct {
	mu          sync.RWMutex
	learnings   map[string]Learning
	values      map[string]LearningValue
	experiments map[string]AblationExperiment
	records     map[string]AttributionRecord
	history     map[string][]string // learningID -> record keys, oldest first
	errors      map[string]ErrorRecord
	offsets     map[string]uint64
}

// NewInMemoryStore creates an empty store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		learnings:   make(map[string]Learning),
		values:      make(map[string]LearningValue),
		experiments: make(map[string]AblationExperiment),
		records:     make(map[string]AttributionRecord),
		history:     make(map[string][]string),
		errors:      make(map[string]ErrorRecord),
		offsets:     make(map[string]uint64),
	}
}

func recordKey(eventID, learningID string) string {
	return eventID + "\x00" + learningID
}

// GetActiveLearnings returns non-deprecated learnings in scope, sorted by ID.
func (s *InMemoryStore) GetActiveLearnings(ctx context.Context, scope string) ([]Learning, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []Learning{}
	for _, l := range s.learnings {
		if l.Status == StatusDeprecated {
			continue
		}
		if scope != "" && l.Scope != scope {
			continue
		}
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// GetLearning returns a learning by ID.
func (s *InMemoryStore) GetLearning(ctx context.Context, id string) (Learning, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	l, ok := s.learnings[id]
	if !ok {
		return Learning{}, ErrNotFound
	}
	return l, nil
}

// PutLearning creates or replaces a learning.
func (s *InMemoryStore) PutLearning(ctx context.Context, learning Learning) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if learning.Status == "" {
		learning.Status = StatusActive
	}
	s.learnings[learning.ID] = learning
	return nil
}

// GetValue returns the value row for a learning.
func (s *InMemoryStore) GetValue(ctx context.Context, learningID string) (LearningValue, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.values[learningID]
	if !ok {
		return LearningValue{}, ErrNotFound
	}
	return v, nil
}

// PutValue performs a compare-and-swap write.
func (s *InMemoryStore) PutValue(ctx context.Context, value LearningValue, expectedVersion uint64) (LearningValue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.putValueLocked(value, expectedVersion)
}

func (s *InMemoryStore) putValueLocked(value LearningValue, expectedVersion uint64) (LearningValue, error) {
	if err := value.Validate(); err != nil {
		return LearningValue{}, err
	}
	current := s.values[value.LearningID].Version
	if current != expectedVersion {
		return LearningValue{}, ErrVersionConflict
	}
	value.Version = current + 1
	s.values[value.LearningID] = value
	if l, ok := s.learnings[value.LearningID]; ok && l.Status != value.Status {
		l.Status = value.Status
		s.learnings[value.LearningID] = l
	}
	return value, nil
}

// LoadExperiment returns a copy of the learning's experiment.
func (s *InMemoryStore) LoadExperiment(ctx context.Context, learningID string) (*AblationExperiment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	exp, ok := s.experiments[learningID]
	if !ok {
		return nil, nil
	}
	cp := cloneExperiment(exp)
	return &cp, nil
}

// SaveExperiment performs a compare-and-swap write.
func (s *InMemoryStore) SaveExperiment(ctx context.Context, exp *AblationExperiment, expectedVersion uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.experiments[exp.LearningID].Version != expectedVersion {
		return ErrVersionConflict
	}
	exp.Version = expectedVersion + 1
	s.experiments[exp.LearningID] = cloneExperiment(*exp)
	return nil
}

// GetRecord returns a stored record.
func (s *InMemoryStore) GetRecord(ctx context.Context, eventID, learningID string) (*AttributionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[recordKey(eventID, learningID)]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

// CommitAttribution writes the value and record together. A pair that is
// already committed is a conflict.
func (s *InMemoryStore) CommitAttribution(ctx context.Context, rec AttributionRecord, expectedVersion uint64) (LearningValue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := recordKey(rec.EventID, rec.LearningID)
	if _, exists := s.records[key]; exists {
		return LearningValue{}, ErrVersionConflict
	}
	stored, err := s.putValueLocked(rec.Value, expectedVersion)
	if err != nil {
		return LearningValue{}, err
	}
	rec.Value = stored
	s.history[rec.LearningID] = append(s.history[rec.LearningID], key)
	s.records[key] = rec
	return stored, nil
}

// History returns records newest first.
func (s *InMemoryStore) History(ctx context.Context, learningID string, limit int) ([]AttributionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := s.history[learningID]
	out := make([]AttributionRecord, 0, len(keys))
	for i := len(keys) - 1; i >= 0; i-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, s.records[keys[i]])
	}
	return out, nil
}

// PutErrorRecord stores a failure for replay.
func (s *InMemoryStore) PutErrorRecord(ctx context.Context, rec ErrorRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.errors[rec.ID] = rec
	return nil
}

// ListErrorRecords returns failures oldest first.
func (s *InMemoryStore) ListErrorRecords(ctx context.Context, limit int) ([]ErrorRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]ErrorRecord, 0, len(s.errors))
	for _, rec := range s.errors {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RecordedAt.Before(out[j].RecordedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// DeleteErrorRecord removes a failure after successful replay.
func (s *InMemoryStore) DeleteErrorRecord(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.errors, id)
	return nil
}

// LoadOffset returns the stored watermark or zero.
func (s *InMemoryStore) LoadOffset(ctx context.Context, consumer string) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.offsets[consumer], nil
}

// SaveOffset stores the watermark. Lower offsets are ignored.
func (s *InMemoryStore) SaveOffset(ctx context.Context, consumer string, offset uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if offset > s.offsets[consumer] {
		s.offsets[consumer] = offset
	}
	return nil
}

func cloneExperiment(exp AblationExperiment) AblationExperiment {
	exp.WithheldArm = append([]SessionRef(nil), exp.WithheldArm...)
	exp.InjectedArm = append([]SessionRef(nil), exp.InjectedArm...)
	if exp.Result != nil {
		r := *exp.Result
		exp.Result = &r
	}
	return exp
}
