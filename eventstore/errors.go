package eventstore

import "fmt"

// ConcurrencyConflictError is returned by Append when the current max
// version for the aggregate does not match the expected version, per
// spec §4.1. It wraps the index-violation case too: the unique constraint
// on (aggregate_id, version) is the ultimate authority, so a racing
// concurrent appender surfaces the same error shape either way.
type ConcurrencyConflictError struct {
	AggregateID string
	Expected    int
	Actual      int
}

func (e *ConcurrencyConflictError) Error() string {
	return fmt.Sprintf("eventstore: concurrency conflict on aggregate %s: expected version %d, actual %d",
		e.AggregateID, e.Expected, e.Actual)
}

// Is allows errors.Is(err, ErrConcurrencyConflict) to match any instance.
func (e *ConcurrencyConflictError) Is(target error) bool {
	return target == ErrConcurrencyConflict
}

// ErrConcurrencyConflict is the sentinel matched by ConcurrencyConflictError.Is.
var ErrConcurrencyConflict = fmt.Errorf("eventstore: concurrency conflict")

// StorageError wraps an underlying storage failure (connection, timeout,
// constraint violations other than the version conflict).
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("eventstore: storage error during %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// NotFoundError indicates the aggregate has no stored events.
type NotFoundError struct {
	AggregateID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("eventstore: aggregate %s not found", e.AggregateID)
}
