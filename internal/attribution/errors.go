package attribution

import (
	"context"
	"errors"
)

// Engine errors.
var (
	// ErrNotFound is returned by stores when a record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrVersionConflict is returned when an optimistic write loses a race.
	ErrVersionConflict = errors.New("version conflict")

	// ErrInvariantViolation marks out-of-range values or impossible state.
	ErrInvariantViolation = errors.New("invariant violation")

	// ErrInsufficientSamples is returned when an ablation arm is below its floor.
	ErrInsufficientSamples = errors.New("insufficient ablation samples")

	// ErrEmbeddingUnavailable wraps embedder failures; callers degrade to no signal.
	ErrEmbeddingUnavailable = errors.New("embedding unavailable")

	// ErrInvalidThresholds is a fatal configuration error.
	ErrInvalidThresholds = errors.New("invalid thresholds")

	// ErrUnsupportedEventVersion rejects events from a future major schema.
	ErrUnsupportedEventVersion = errors.New("unsupported event schema version")

	// ErrInvalidEvent rejects structurally unusable events.
	ErrInvalidEvent = errors.New("invalid event")

	// ErrTransient marks failures worth retrying (store, stream, embedder).
	ErrTransient = errors.New("transient failure")
)

// ErrorClass is the taxonomy bucket an error falls into. ClassMissing marks a
// candidate learning the knowledge store has not synced yet; replay retries it.
type ErrorClass string

const (
	ClassTransient ErrorClass = "transient"
	ClassInvariant ErrorClass = "invariant"
	ClassInvalid   ErrorClass = "invalid_input"
	ClassMissing   ErrorClass = "missing_learning"
	ClassUnknown   ErrorClass = "unknown"
)

// Classify maps an error onto the taxonomy.
func Classify(err error) ErrorClass {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrVersionConflict), errors.Is(err, ErrInvariantViolation):
		return ClassInvariant
	case errors.Is(err, ErrInvalidEvent), errors.Is(err, ErrUnsupportedEventVersion):
		return ClassInvalid
	case errors.Is(err, ErrNotFound):
		return ClassMissing
	case errors.Is(err, ErrTransient), errors.Is(err, ErrEmbeddingUnavailable),
		errors.Is(err, context.DeadlineExceeded):
		return ClassTransient
	default:
		return ClassUnknown
	}
}

// retryable reports whether the consumer should back off and retry.
func retryable(err error) bool {
	c := Classify(err)
	return c == ClassTransient || c == ClassUnknown
}
