package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransitionAllowed(t *testing.T) {
	tests := []struct {
		name string
		from State
		to   State
		want bool
	}{
		{name: "hot to migrating", from: StateHot, to: StateMigrating, want: true},
		{name: "migrating to cold", from: StateMigrating, to: StateCold, want: true},
		{name: "migrating to failed", from: StateMigrating, to: StateFailed, want: true},
		{name: "migrating to migrating records retry", from: StateMigrating, to: StateMigrating, want: true},
		{name: "failed to migrating manual retry", from: StateFailed, to: StateMigrating, want: true},
		{name: "cold is terminal for hot", from: StateCold, to: StateHot, want: false},
		{name: "cold is terminal for migrating", from: StateCold, to: StateMigrating, want: false},
		{name: "cold is terminal for failed", from: StateCold, to: StateFailed, want: false},
		{name: "no return to hot from migrating", from: StateMigrating, to: StateHot, want: false},
		{name: "no return to hot from failed", from: StateFailed, to: StateHot, want: false},
		{name: "failed cannot jump to cold", from: StateFailed, to: StateCold, want: false},
		{name: "hot cannot jump to cold", from: StateHot, to: StateCold, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, transitionAllowed(tt.from, tt.to))
		})
	}
}

func TestMemoryStorePut(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	// Untracked records behave as hot.
	require.NoError(t, store.Put(ctx, "r1", StateMigrating))

	entry, err := store.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, StateMigrating, entry.State)
	assert.Equal(t, 1, entry.Attempts)

	require.NoError(t, store.Put(ctx, "r1", StateCold))

	// Cold is terminal.
	err = store.Put(ctx, "r1", StateMigrating)
	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, StateCold, conflict.From)
	assert.Equal(t, StateMigrating, conflict.To)
}

func TestMemoryStoreAttemptsAccumulate(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	for i := 1; i <= 3; i++ {
		require.NoError(t, store.Put(ctx, "r1", StateMigrating))
		entry, err := store.Get(ctx, "r1")
		require.NoError(t, err)
		assert.Equal(t, i, entry.Attempts)
	}
}

func TestMemoryStoreGetNotTracked(t *testing.T) {
	store := NewMemoryStore()
	_, err := store.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotTracked)
}

func TestMemoryStoreRetryFailed(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	require.NoError(t, store.Put(ctx, "r1", StateMigrating))
	require.NoError(t, store.Put(ctx, "r1", StateFailed))

	failed, err := store.ListFailed(ctx)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "r1", failed[0].RecordID)

	require.NoError(t, store.RetryFailed(ctx, "r1"))
	entry, err := store.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, StateMigrating, entry.State)
	assert.Equal(t, 0, entry.Attempts)

	// Only Failed records can be reset.
	err = store.RetryFailed(ctx, "r1")
	var conflict *ConflictError
	assert.ErrorAs(t, err, &conflict)
}

func TestMemoryStoreLease(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	now := time.Now()
	store.SetNow(func() time.Time { return now })

	require.NoError(t, store.AcquireLease(ctx, "pass", "owner-a", time.Minute))

	// A second owner cannot take an unexpired lease.
	assert.ErrorIs(t, store.AcquireLease(ctx, "pass", "owner-b", time.Minute), ErrLeaseHeld)

	// The holder can re-acquire and renew.
	require.NoError(t, store.AcquireLease(ctx, "pass", "owner-a", time.Minute))
	require.NoError(t, store.RenewLease(ctx, "pass", "owner-a", time.Minute))

	// Renewal by a non-holder fails.
	assert.ErrorIs(t, store.RenewLease(ctx, "pass", "owner-b", time.Minute), ErrLeaseHeld)

	// An expired lease is stealable.
	now = now.Add(2 * time.Minute)
	require.NoError(t, store.AcquireLease(ctx, "pass", "owner-b", time.Minute))

	// Release by the old owner is a no-op; owner-b still holds it.
	require.NoError(t, store.ReleaseLease(ctx, "pass", "owner-a"))
	assert.ErrorIs(t, store.AcquireLease(ctx, "pass", "owner-c", time.Minute), ErrLeaseHeld)

	require.NoError(t, store.ReleaseLease(ctx, "pass", "owner-b"))
	require.NoError(t, store.AcquireLease(ctx, "pass", "owner-c", time.Minute))
}

func TestMemoryStoreProgress(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	p, err := store.LoadProgress(ctx, "2026-05-01")
	require.NoError(t, err)
	assert.Nil(t, p)

	require.NoError(t, store.SaveProgress(ctx, &Progress{
		PassKey:          "2026-05-01",
		Cutoff:           time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC),
		Cursor:           "12345|r9",
		RecordsProcessed: 42,
	}))

	p, err = store.LoadProgress(ctx, "2026-05-01")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "12345|r9", p.Cursor)
	assert.Equal(t, int64(42), p.RecordsProcessed)
	assert.False(t, p.LastCommittedAt.IsZero())
}
