package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound indicates the requested job or record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict indicates a conditional status update found the row in an
	// unexpected state. The caller lost a race and must not retry blindly.
	ErrConflict = errors.New("status conflict")

	// ErrStaleLease indicates a worker tried to commit a result for a job
	// whose lease it no longer holds.
	ErrStaleLease = errors.New("lease no longer held")

	// ErrCircuitOpen indicates the circuit breaker rejected the call without
	// invoking the downstream dependency.
	ErrCircuitOpen = errors.New("circuit open")

	// ErrGuardUnavailable indicates the overload guard's backing store is
	// unreachable. The guard fails closed: callers are denied, never waved
	// through.
	ErrGuardUnavailable = errors.New("overload guard unavailable")

	// ErrUnknownJobType indicates no handler is registered for the job's
	// type discriminator. Permanent: retrying cannot help.
	ErrUnknownJobType = errors.New("unknown job type")
)

// BacklogError rejects a submission because the tenant's queue is at
// capacity. Retryable by the caller after RetryAfter.
type BacklogError struct {
	TenantID   string
	Backlog    int64
	Limit      int64
	RetryAfter time.Duration
}

func (e *BacklogError) Error() string {
	return fmt.Sprintf("tenant %s backlog %d exceeds limit %d", e.TenantID, e.Backlog, e.Limit)
}

// RateLimitError rejects or defers a call that exceeded its token budget.
type RateLimitError struct {
	Key       string
	Remaining float64
	ResetAt   time.Time
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s, resets at %s", e.Key, e.ResetAt.Format(time.RFC3339))
}

// PermanentError wraps a handler error that must not be retried; the job
// goes straight to the dead-letter store regardless of remaining attempts.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent marks err as non-retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err was marked with Permanent or is an
// inherently permanent failure such as an unknown job type.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe) || errors.Is(err, ErrUnknownJobType)
}
