// Package learningstore persists learnings, value estimates, ablation
// experiments, attribution records, error records and consumer offsets in
// BadgerDB.
//
// Every compare-and-swap write runs inside a single badger transaction. Two
// writers racing on the same key surface as attribution.ErrVersionConflict,
// either from the explicit version check or from badger's own conflict
// detection at commit.
package learningstore

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"github.com/run-vibes/groove/internal/attribution"
)

// Key prefixes. Each record kind lives under its own single-byte prefix.
const (
	prefixLearning   = byte(0x01) // learning:id -> Learning
	prefixValue      = byte(0x02) // value:learningID -> LearningValue
	prefixExperiment = byte(0x03) // experiment:learningID -> AblationExperiment
	prefixRecord     = byte(0x04) // record:eventID 0x00 learningID -> AttributionRecord
	prefixHistory    = byte(0x05) // history:learningID 0x00 version -> record key
	prefixError      = byte(0x06) // error:id -> ErrorRecord
	prefixOffset     = byte(0x07) // offset:consumer -> uint64
)

// ErrClosed is returned after Close.
var ErrClosed = errors.New("learningstore: closed")

// Options configures a BadgerStore.
type Options struct {
	// Dir is the data directory. Ignored when InMemory is set.
	Dir string `koanf:"dir"`

	// InMemory keeps everything in RAM. Used by tests.
	InMemory bool `koanf:"in_memory"`

	// SyncWrites fsyncs every commit.
	SyncWrites bool `koanf:"sync_writes"`

	// GCInterval is how often RunGC collects the value log. Zero disables it.
	GCInterval time.Duration `koanf:"gc_interval"`

	Logger *zap.Logger `koanf:"-"`
}

// BadgerStore implements attribution.Store.
type BadgerStore struct {
	db     *badger.DB
	logger *zap.Logger
	gc     time.Duration

	mu     sync.RWMutex
	closed bool
}

var _ attribution.Store = (*BadgerStore)(nil)

// Open opens (or creates) a store.
func Open(opts Options) (*BadgerStore, error) {
	if !opts.InMemory && opts.Dir == "" {
		return nil, errors.New("learningstore: data dir is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	bo := badger.DefaultOptions(opts.Dir)
	if opts.InMemory {
		bo = badger.DefaultOptions("").WithInMemory(true)
	}
	bo = bo.
		WithSyncWrites(opts.SyncWrites).
		WithLogger(&badgerLogger{s: logger.Named("badger").Sugar()}).
		WithMemTableSize(16 << 20).
		WithValueLogFileSize(64 << 20).
		WithNumMemtables(2).
		WithNumLevelZeroTables(2).
		WithNumLevelZeroTablesStall(4).
		WithValueThreshold(1024).
		WithBlockCacheSize(32 << 20).
		WithIndexCacheSize(16 << 20)

	db, err := badger.Open(bo)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &BadgerStore{db: db, logger: logger, gc: opts.GCInterval}, nil
}

// OpenInMemory opens a throwaway store.
func OpenInMemory() (*BadgerStore, error) {
	return Open(Options{InMemory: true})
}

// Close flushes and closes the database.
func (s *BadgerStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// RunGC runs value log garbage collection every GCInterval until ctx is done.
func (s *BadgerStore) RunGC(ctx context.Context) {
	if s.gc <= 0 {
		return
	}
	ticker := time.NewTicker(s.gc)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.check(); err != nil {
				return
			}
			for {
				// One call rewrites at most one file; repeat until nothing is left.
				if err := s.db.RunValueLogGC(0.5); err != nil {
					if !errors.Is(err, badger.ErrNoRewrite) {
						s.logger.Warn("value log gc failed", zap.Error(err))
					}
					break
				}
			}
		}
	}
}

func (s *BadgerStore) check() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

func (s *BadgerStore) view(fn func(txn *badger.Txn) error) error {
	if err := s.check(); err != nil {
		return err
	}
	return s.db.View(fn)
}

func (s *BadgerStore) update(fn func(txn *badger.Txn) error) error {
	if err := s.check(); err != nil {
		return err
	}
	err := s.db.Update(fn)
	if errors.Is(err, badger.ErrConflict) {
		return fmt.Errorf("%w: %v", attribution.ErrVersionConflict, err)
	}
	return err
}

// Key encoding.

func key(prefix byte, parts ...string) []byte {
	k := []byte{prefix}
	for i, p := range parts {
		if i > 0 {
			k = append(k, 0x00)
		}
		k = append(k, p...)
	}
	return k
}

func historyKey(learningID string, version uint64) []byte {
	k := key(prefixHistory, learningID)
	k = append(k, 0x00)
	return binary.BigEndian.AppendUint64(k, version)
}

func historyPrefix(learningID string) []byte {
	return append(key(prefixHistory, learningID), 0x00)
}

// getJSON decodes the value at k into out. It reports false when k is absent.
func getJSON(txn *badger.Txn, k []byte, out any) (bool, error) {
	item, err := txn.Get(k)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, item.Value(func(val []byte) error {
		return json.Unmarshal(val, out)
	})
}

func setJSON(txn *badger.Txn, k []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	return txn.Set(k, data)
}

// scanJSON calls fn with every raw value under prefix.
func scanJSON(txn *badger.Txn, prefix []byte, reverse bool, fn func(val []byte) (bool, error)) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	opts.Reverse = reverse
	it := txn.NewIterator(opts)
	defer it.Close()

	start := prefix
	if reverse {
		start = append(bytes.Clone(prefix), 0xFF)
	}
	for it.Seek(start); it.ValidForPrefix(prefix); it.Next() {
		var more bool
		err := it.Item().Value(func(val []byte) error {
			var ferr error
			more, ferr = fn(val)
			return ferr
		})
		if err != nil {
			return err
		}
		if !more {
			return nil
		}
	}
	return nil
}

// Learnings.

// GetActiveLearnings returns non-deprecated learnings in scope, sorted by ID.
func (s *BadgerStore) GetActiveLearnings(ctx context.Context, scope string) ([]attribution.Learning, error) {
	out := []attribution.Learning{}
	err := s.view(func(txn *badger.Txn) error {
		return scanJSON(txn, []byte{prefixLearning}, false, func(val []byte) (bool, error) {
			var l attribution.Learning
			if err := json.Unmarshal(val, &l); err != nil {
				return false, fmt.Errorf("decode learning: %w", err)
			}
			if l.Status != attribution.StatusDeprecated && (scope == "" || l.Scope == scope) {
				out = append(out, l)
			}
			return true, nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GetLearning returns attribution.ErrNotFound for unknown ids.
func (s *BadgerStore) GetLearning(ctx context.Context, id string) (attribution.Learning, error) {
	var l attribution.Learning
	err := s.view(func(txn *badger.Txn) error {
		ok, err := getJSON(txn, key(prefixLearning, id), &l)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("learning %s: %w", id, attribution.ErrNotFound)
		}
		return nil
	})
	return l, err
}

// PutLearning creates or replaces a learning.
func (s *BadgerStore) PutLearning(ctx context.Context, l attribution.Learning) error {
	if l.ID == "" {
		return fmt.Errorf("%w: empty learning id", attribution.ErrInvalidEvent)
	}
	if l.Status == "" {
		l.Status = attribution.StatusActive
	}
	return s.update(func(txn *badger.Txn) error {
		return setJSON(txn, key(prefixLearning, l.ID), l)
	})
}

// Values.

// GetValue returns attribution.ErrNotFound when the learning has no value row.
func (s *BadgerStore) GetValue(ctx context.Context, learningID string) (attribution.LearningValue, error) {
	var v attribution.LearningValue
	err := s.view(func(txn *badger.Txn) error {
		ok, err := getJSON(txn, key(prefixValue, learningID), &v)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("value %s: %w", learningID, attribution.ErrNotFound)
		}
		return nil
	})
	return v, err
}

// PutValue writes value if the stored version equals expectedVersion.
func (s *BadgerStore) PutValue(ctx context.Context, value attribution.LearningValue, expectedVersion uint64) (attribution.LearningValue, error) {
	var stored attribution.LearningValue
	err := s.update(func(txn *badger.Txn) error {
		var err error
		stored, err = putValueTxn(txn, value, expectedVersion)
		return err
	})
	return stored, err
}

// putValueTxn is the shared CAS step. It also mirrors the value's status
// onto the learning row.
func putValueTxn(txn *badger.Txn, value attribution.LearningValue, expectedVersion uint64) (attribution.LearningValue, error) {
	if err := value.Validate(); err != nil {
		return attribution.LearningValue{}, err
	}
	var current attribution.LearningValue
	if _, err := getJSON(txn, key(prefixValue, value.LearningID), &current); err != nil {
		return attribution.LearningValue{}, err
	}
	if current.Version != expectedVersion {
		return attribution.LearningValue{}, fmt.Errorf("value %s at version %d, expected %d: %w",
			value.LearningID, current.Version, expectedVersion, attribution.ErrVersionConflict)
	}
	value.Version = current.Version + 1
	if err := setJSON(txn, key(prefixValue, value.LearningID), value); err != nil {
		return attribution.LearningValue{}, err
	}

	var l attribution.Learning
	ok, err := getJSON(txn, key(prefixLearning, value.LearningID), &l)
	if err != nil {
		return attribution.LearningValue{}, err
	}
	if ok && l.Status != value.Status {
		l.Status = value.Status
		if err := setJSON(txn, key(prefixLearning, l.ID), l); err != nil {
			return attribution.LearningValue{}, err
		}
	}
	return value, nil
}

// Experiments.

// LoadExperiment returns nil when the learning has no experiment.
func (s *BadgerStore) LoadExperiment(ctx context.Context, learningID string) (*attribution.AblationExperiment, error) {
	var exp attribution.AblationExperiment
	var found bool
	err := s.view(func(txn *badger.Txn) error {
		var err error
		found, err = getJSON(txn, key(prefixExperiment, learningID), &exp)
		return err
	})
	if err != nil || !found {
		return nil, err
	}
	return &exp, nil
}

// SaveExperiment writes exp if the stored version equals expectedVersion and
// sets exp.Version to the new version.
func (s *BadgerStore) SaveExperiment(ctx context.Context, exp *attribution.AblationExperiment, expectedVersion uint64) error {
	next := *exp
	err := s.update(func(txn *badger.Txn) error {
		var current attribution.AblationExperiment
		if _, err := getJSON(txn, key(prefixExperiment, exp.LearningID), &current); err != nil {
			return err
		}
		if current.Version != expectedVersion {
			return fmt.Errorf("experiment %s at version %d, expected %d: %w",
				exp.LearningID, current.Version, expectedVersion, attribution.ErrVersionConflict)
		}
		next.Version = expectedVersion + 1
		return setJSON(txn, key(prefixExperiment, exp.LearningID), next)
	})
	if err != nil {
		return err
	}
	exp.Version = next.Version
	return nil
}

// Records.

// GetRecord returns nil when the pair has not been attributed.
func (s *BadgerStore) GetRecord(ctx context.Context, eventID, learningID string) (*attribution.AttributionRecord, error) {
	var rec attribution.AttributionRecord
	var found bool
	err := s.view(func(txn *badger.Txn) error {
		var err error
		found, err = getJSON(txn, key(prefixRecord, eventID, learningID), &rec)
		return err
	})
	if err != nil || !found {
		return nil, err
	}
	return &rec, nil
}

// CommitAttribution writes the value and its record in one transaction. A
// record that already exists for the pair is a conflict.
func (s *BadgerStore) CommitAttribution(ctx context.Context, rec attribution.AttributionRecord, expectedVersion uint64) (attribution.LearningValue, error) {
	var stored attribution.LearningValue
	err := s.update(func(txn *badger.Txn) error {
		rk := key(prefixRecord, rec.EventID, rec.LearningID)
		if _, err := txn.Get(rk); err == nil {
			return fmt.Errorf("record %s/%s already committed: %w", rec.EventID, rec.LearningID, attribution.ErrVersionConflict)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		var err error
		stored, err = putValueTxn(txn, rec.Value, expectedVersion)
		if err != nil {
			return err
		}
		rec.Value = stored
		if err := setJSON(txn, rk, rec); err != nil {
			return err
		}
		return txn.Set(historyKey(rec.LearningID, stored.Version), rk)
	})
	return stored, err
}

// History returns up to limit records, newest first. A non-positive limit
// returns all of them.
func (s *BadgerStore) History(ctx context.Context, learningID string, limit int) ([]attribution.AttributionRecord, error) {
	out := []attribution.AttributionRecord{}
	err := s.view(func(txn *badger.Txn) error {
		return scanJSON(txn, historyPrefix(learningID), true, func(rk []byte) (bool, error) {
			var rec attribution.AttributionRecord
			ok, err := getJSON(txn, rk, &rec)
			if err != nil {
				return false, err
			}
			if ok {
				out = append(out, rec)
			}
			return limit <= 0 || len(out) < limit, nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Error records.

// PutErrorRecord creates or overwrites an error record.
func (s *BadgerStore) PutErrorRecord(ctx context.Context, rec attribution.ErrorRecord) error {
	return s.update(func(txn *badger.Txn) error {
		return setJSON(txn, key(prefixError, rec.ID), rec)
	})
}

// ListErrorRecords returns error records oldest first.
func (s *BadgerStore) ListErrorRecords(ctx context.Context, limit int) ([]attribution.ErrorRecord, error) {
	out := []attribution.ErrorRecord{}
	err := s.view(func(txn *badger.Txn) error {
		return scanJSON(txn, []byte{prefixError}, false, func(val []byte) (bool, error) {
			var rec attribution.ErrorRecord
			if err := json.Unmarshal(val, &rec); err != nil {
				return false, fmt.Errorf("decode error record: %w", err)
			}
			out = append(out, rec)
			return true, nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].RecordedAt.Before(out[j].RecordedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// DeleteErrorRecord removes an error record. Unknown ids are not an error.
func (s *BadgerStore) DeleteErrorRecord(ctx context.Context, id string) error {
	return s.update(func(txn *badger.Txn) error {
		return txn.Delete(key(prefixError, id))
	})
}

// Offsets.

// LoadOffset returns zero for a consumer that never committed.
func (s *BadgerStore) LoadOffset(ctx context.Context, consumer string) (uint64, error) {
	var off uint64
	err := s.view(func(txn *badger.Txn) error {
		var err error
		off, err = readOffset(txn, consumer)
		return err
	})
	return off, err
}

// SaveOffset stores offset unless a higher one is already stored.
func (s *BadgerStore) SaveOffset(ctx context.Context, consumer string, offset uint64) error {
	return s.update(func(txn *badger.Txn) error {
		current, err := readOffset(txn, consumer)
		if err != nil {
			return err
		}
		if offset <= current {
			return nil
		}
		return txn.Set(key(prefixOffset, consumer), binary.BigEndian.AppendUint64(nil, offset))
	})
}

func readOffset(txn *badger.Txn, consumer string) (uint64, error) {
	item, err := txn.Get(key(prefixOffset, consumer))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var off uint64
	err = item.Value(func(val []byte) error {
		if len(val) != 8 {
			return fmt.Errorf("offset %s: corrupt value of %d bytes", consumer, len(val))
		}
		off = binary.BigEndian.Uint64(val)
		return nil
	})
	return off, err
}

// badgerLogger routes badger's internal logging through zap.
type badgerLogger struct {
	s *zap.SugaredLogger
}

func (l *badgerLogger) Errorf(format string, args ...any)   { l.s.Errorf(format, args...) }
func (l *badgerLogger) Warningf(format string, args ...any) { l.s.Warnf(format, args...) }
func (l *badgerLogger) Infof(format string, args ...any)    { l.s.Debugf(format, args...) }
func (l *badgerLogger) Debugf(format string, args ...any)   { l.s.Debugf(format, args...) }
