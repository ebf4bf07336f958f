package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound reports a record or object absent from the queried store.
var ErrNotFound = errors.New("not found")

// ErrIDInUse reports an attempt to create a record whose id is already
// tracked by the system. Record ids are never reused.
var ErrIDInUse = errors.New("record id already in use")

// TransientError wraps a store failure that is expected to clear on
// retry: timeouts, throttling, temporary unavailability.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient store error during %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// CorruptionError reports a payload that failed structural validation.
// It is never retried; the record is surfaced for operator triage.
type CorruptionError struct {
	ID     string
	Reason string
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("record %s corrupt: %s", e.ID, e.Reason)
}

// IsTransient reports whether err should be retried with backoff.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return isRetriableMessage(err.Error())
}

// IsCorruption reports whether err marks unrecoverable bad data.
func IsCorruption(err error) bool {
	var ce *CorruptionError
	return errors.As(err, &ce)
}

// isRetriableMessage classifies errors from stores that do not expose
// typed failures, by message inspection.
func isRetriableMessage(msg string) bool {
	msg = strings.ToLower(msg)
	return strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "connection") ||
		strings.Contains(msg, "temporary") ||
		strings.Contains(msg, "network") ||
		strings.Contains(msg, "throttl") ||
		strings.Contains(msg, "too many requests") ||
		strings.Contains(msg, "internal server error") ||
		strings.Contains(msg, "bad gateway") ||
		strings.Contains(msg, "service unavailable") ||
		strings.Contains(msg, "gateway timeout") ||
		strings.Contains(msg, "slow down")
}
