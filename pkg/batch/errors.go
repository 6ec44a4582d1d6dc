package batch

import "errors"

// Batch-level sentinel errors. Any of these aborts the whole batch;
// per-operation failures are captured on the result objects instead.
var (
	// ErrInsufficientResources is returned when an atomic slot allocation
	// cannot be satisfied in full.
	ErrInsufficientResources = errors.New("insufficient resources")

	// ErrCycleDetected is returned when the operation dependency graph
	// contains a cycle.
	ErrCycleDetected = errors.New("dependency cycle detected")

	// ErrBackpressure is returned when the operation queue is above its
	// high-water mark.
	ErrBackpressure = errors.New("backpressure: operation queue full")

	// ErrExecutorStopped is returned when a batch is submitted after Stop.
	ErrExecutorStopped = errors.New("executor stopped")

	// ErrUnknownDependency is returned when an operation depends on an id
	// not present in the batch.
	ErrUnknownDependency = errors.New("unknown dependency")
)

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks a handler error as non-retryable; the executor records
// it immediately instead of burning retry attempts.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}
