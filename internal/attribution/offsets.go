package attribution

import (
	"slices"
	"sync"
)

// OffsetTracker computes the durable watermark for out-of-order completion.
// The watermark is the highest offset at or below which every begun offset
// has completed.
type OffsetTracker struct {
	mu        sync.Mutex
	watermark uint64
	pending   []uint64
	done      map[uint64]bool // begun offsets, true once complete
}

// NewOffsetTracker starts from a previously committed watermark.
func NewOffsetTracker(committed uint64) *OffsetTracker {
	return &OffsetTracker{
		watermark: committed,
		done:      make(map[uint64]bool),
	}
}

// Watermark returns the current committed offset.
func (t *OffsetTracker) Watermark() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.watermark
}

// Seen reports whether offset is at or below the watermark.
func (t *OffsetTracker) Seen(offset uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return offset <= t.watermark
}

// Begin registers an in-flight offset. Beginning an offset that is already
// pending, such as a redelivery after a nak, is a no-op.
func (t *OffsetTracker) Begin(offset uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.done[offset]; ok || offset <= t.watermark {
		return
	}
	t.done[offset] = false
	i, _ := slices.BinarySearch(t.pending, offset)
	t.pending = slices.Insert(t.pending, i, offset)
}

// Complete marks offset finished and returns the new watermark and whether
// it advanced.
func (t *OffsetTracker) Complete(offset uint64) (uint64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.done[offset]; !ok {
		return t.watermark, false
	}
	t.done[offset] = true
	advanced := false
	for len(t.pending) > 0 && t.done[t.pending[0]] {
		head := t.pending[0]
		delete(t.done, head)
		t.pending = t.pending[1:]
		if head > t.watermark {
			t.watermark = head
			advanced = true
		}
	}
	return t.watermark, advanced
}
