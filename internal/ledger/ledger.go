package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// State is a record's migration state. States only move forward along
// Hot -> Migrating -> {Cold | Failed}; the single backward edge is the
// explicit Failed -> Migrating manual retry. Cold is terminal.
type State string

const (
	StateHot       State = "hot"
	StateMigrating State = "migrating"
	StateCold      State = "cold"
	StateFailed    State = "failed"
)

// ErrNotTracked reports a record the ledger has never seen. Untracked
// records are assumed present only in the hot store.
var ErrNotTracked = errors.New("record not tracked by ledger")

// ErrLeaseHeld reports that another owner currently holds the lease.
// Callers treat it as a skipped pass, not a failure.
var ErrLeaseHeld = errors.New("lease held by another owner")

// ConflictError reports an attempted state transition that violates
// the forward-only ordering. It indicates a logic or concurrency bug
// and is never retried.
type ConflictError struct {
	RecordID string
	From     State
	To       State
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("record %s: illegal ledger transition %s -> %s", e.RecordID, e.From, e.To)
}

// Entry is the durable migration state of one record.
type Entry struct {
	RecordID   string    `json:"record_id"`
	State      State     `json:"state"`
	Attempts   int       `json:"attempts"`
	CursorHint string    `json:"cursor_hint,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Progress is the persisted position of an archival pass, keyed by the
// pass's cutoff identity so an interrupted pass resumes where it
// stopped instead of re-scanning migrated ranges.
type Progress struct {
	PassKey          string    `json:"pass_key"`
	Cutoff           time.Time `json:"cutoff"`
	Cursor           string    `json:"cursor"`
	RecordsProcessed int64     `json:"records_processed"`
	LastCommittedAt  time.Time `json:"last_committed_at"`
}

// Store tracks record migration states. Every successful Put is
// durable before it returns. Put applies the transition table with a
// compare-and-set against the current state, so two concurrent
// migration attempts on the same id cannot corrupt the state machine.
type Store interface {
	// Put transitions the record to state, failing with a
	// ConflictError when the forward-only ordering would be violated.
	// Entering StateMigrating records an attempt.
	Put(ctx context.Context, recordID string, state State) error
	// Get returns the record's entry, or ErrNotTracked.
	Get(ctx context.Context, recordID string) (*Entry, error)
	// ListFailed returns entries in StateFailed for operator triage.
	ListFailed(ctx context.Context) ([]*Entry, error)
	// RetryFailed resets a Failed record to Migrating with a fresh
	// attempt budget. This is the only permitted backward edge.
	RetryFailed(ctx context.Context, recordID string) error
}

// ProgressStore persists archival pass progress. Only the scheduler
// writes it.
type ProgressStore interface {
	// LoadProgress returns the persisted progress for passKey, or
	// (nil, nil) when none exists.
	LoadProgress(ctx context.Context, passKey string) (*Progress, error)
	SaveProgress(ctx context.Context, p *Progress) error
}

// LeaseStore provides time-bound mutual exclusion through the ledger's
// backing store, so exclusivity holds across process instances.
type LeaseStore interface {
	// AcquireLease takes the named lease for owner, failing with
	// ErrLeaseHeld if a different owner holds an unexpired lease.
	// Expired leases are stealable.
	AcquireLease(ctx context.Context, name, owner string, ttl time.Duration) error
	// RenewLease extends the lease; fails with ErrLeaseHeld if the
	// lease was lost to another owner.
	RenewLease(ctx context.Context, name, owner string, ttl time.Duration) error
	// ReleaseLease gives up the lease. Releasing a lease not held by
	// owner is a no-op.
	ReleaseLease(ctx context.Context, name, owner string) error
}

// transitionAllowed is the forward-only transition table. An untracked
// record behaves as StateHot.
func transitionAllowed(from, to State) bool {
	switch from {
	case StateHot:
		return to == StateHot || to == StateMigrating
	case StateMigrating:
		// Migrating -> Migrating records another attempt on retry.
		return to == StateMigrating || to == StateCold || to == StateFailed
	case StateFailed:
		// The manual retry edge.
		return to == StateMigrating
	case StateCold:
		return false
	}
	return false
}

// validState reports whether s is a known ledger state.
func validState(s State) bool {
	switch s {
	case StateHot, StateMigrating, StateCold, StateFailed:
		return true
	}
	return false
}
