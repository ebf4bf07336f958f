package worker

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"tiermigrate/internal/ledger"
	"tiermigrate/internal/metrics"
	"tiermigrate/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type workerFixture struct {
	hot    *storage.MemoryHotStore
	cold   *storage.MemoryColdStore
	ledger *ledger.MemoryStore
	worker *Worker
	sleeps []time.Duration
}

func newFixture(t *testing.T, maxRetries int) *workerFixture {
	t.Helper()
	f := &workerFixture{
		hot:    storage.NewMemoryHotStore(),
		cold:   storage.NewMemoryColdStore(),
		ledger: ledger.NewMemoryStore(),
	}
	f.worker = New(Config{
		MaxRetries:   maxRetries,
		RetryBackoff: time.Millisecond,
	}, f.hot, f.cold, f.ledger, metrics.New(), zap.NewNop())
	f.worker.sleep = func(d time.Duration) { f.sleeps = append(f.sleeps, d) }
	return f
}

func (f *workerFixture) addRecord(t *testing.T, id string, age time.Duration) *storage.Record {
	t.Helper()
	rec := &storage.Record{
		ID:        id,
		Payload:   []byte("payload-" + id),
		CreatedAt: time.Now().Add(-age).UTC(),
	}
	require.NoError(t, f.hot.Put(context.Background(), rec))
	return rec
}

func TestRunBatchMigratesEligibleOnly(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 3)

	day := 24 * time.Hour
	f.addRecord(t, "a", 120*day)
	f.addRecord(t, "b", 95*day)
	f.addRecord(t, "c", 30*day)

	cutoff := time.Now().Add(-90 * day)
	result, err := f.worker.RunBatch(ctx, cutoff, "", 10)
	require.NoError(t, err)

	assert.Equal(t, 2, result.Migrated)
	assert.Equal(t, 0, result.Failed)
	assert.True(t, result.Exhausted)

	// a and b moved to cold and left the hot tier; c is untouched.
	for _, id := range []string{"a", "b"} {
		payload, err := f.cold.Get(ctx, storage.ColdKey(id))
		require.NoError(t, err)
		assert.Equal(t, []byte("payload-"+id), payload)

		_, err = f.hot.Get(ctx, id)
		assert.ErrorIs(t, err, storage.ErrNotFound)

		entry, err := f.ledger.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, ledger.StateCold, entry.State)
	}

	_, err = f.hot.Get(ctx, "c")
	require.NoError(t, err)
	_, err = f.ledger.Get(ctx, "c")
	assert.ErrorIs(t, err, ledger.ErrNotTracked)
	_, err = f.cold.Get(ctx, storage.ColdKey("c"))
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRunBatchTransientFailuresThenSuccess(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 5)
	f.addRecord(t, "d", 100*24*time.Hour)

	// Cold put fails transiently twice, succeeds on the third attempt.
	failures := 0
	f.cold.FailPut = func(key string) error {
		if failures < 2 {
			failures++
			return &storage.TransientError{Op: "put " + key, Err: errors.New("throttled")}
		}
		return nil
	}

	result, err := f.worker.RunBatch(ctx, time.Now(), "", 10)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Migrated)
	assert.Equal(t, 0, result.Failed)

	entry, err := f.ledger.Get(ctx, "d")
	require.NoError(t, err)
	assert.Equal(t, ledger.StateCold, entry.State)
	assert.Equal(t, 3, entry.Attempts)

	// Exactly one object under d's key; backoff slept once per failure.
	assert.Equal(t, 1, f.cold.PutCount(storage.ColdKey("d")))
	assert.Len(t, f.sleeps, 2)
	assert.Less(t, f.sleeps[0], f.sleeps[1])

	_, err = f.hot.Get(ctx, "d")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRunBatchRetryBudgetExhausted(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 3)
	f.addRecord(t, "stuck", 100*24*time.Hour)
	good := f.addRecord(t, "good", 100*24*time.Hour)

	f.cold.FailPut = func(key string) error {
		if key == storage.ColdKey("stuck") {
			return &storage.TransientError{Op: "put", Err: errors.New("unavailable")}
		}
		return nil
	}

	result, err := f.worker.RunBatch(ctx, time.Now(), "", 10)
	require.NoError(t, err)

	// The bad record does not stall the batch.
	assert.Equal(t, 1, result.Migrated)
	assert.Equal(t, 1, result.Failed)

	entry, err := f.ledger.Get(ctx, "stuck")
	require.NoError(t, err)
	assert.Equal(t, ledger.StateFailed, entry.State)
	assert.Equal(t, 3, entry.Attempts)

	// The failed record keeps its hot copy.
	_, err = f.hot.Get(ctx, "stuck")
	require.NoError(t, err)

	payload, err := f.cold.Get(ctx, storage.ColdKey("good"))
	require.NoError(t, err)
	assert.Equal(t, good.Payload, payload)
}

func TestRunBatchCorruptionNotRetried(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 5)
	f.addRecord(t, "bad", 100*24*time.Hour)

	f.cold.FailPut = func(key string) error {
		return &storage.CorruptionError{ID: "bad", Reason: "checksum mismatch"}
	}

	result, err := f.worker.RunBatch(ctx, time.Now(), "", 10)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Failed)

	entry, err := f.ledger.Get(ctx, "bad")
	require.NoError(t, err)
	assert.Equal(t, ledger.StateFailed, entry.State)
	assert.Equal(t, 1, entry.Attempts)

	// No backoff retries for corrupt data, and the hot copy survives.
	assert.Empty(t, f.sleeps)
	_, err = f.hot.Get(ctx, "bad")
	require.NoError(t, err)
}

func TestRunBatchResumesAfterCrashBeforeHotDelete(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 3)
	rec := f.addRecord(t, "r1", 100*24*time.Hour)

	// Simulate a pass that crashed after confirming the cold write and
	// recording Cold, but before deleting the hot copy.
	require.NoError(t, f.cold.Put(ctx, storage.ColdKey("r1"), rec.Payload, nil))
	require.NoError(t, f.ledger.Put(ctx, "r1", ledger.StateMigrating))
	require.NoError(t, f.ledger.Put(ctx, "r1", ledger.StateCold))

	writesBefore := f.ledger.Writes()

	result, err := f.worker.RunBatch(ctx, time.Now(), "", 10)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Skipped)
	assert.Equal(t, 0, result.Migrated)

	// The hot delete completed without re-uploading or any ledger
	// transition.
	_, err = f.hot.Get(ctx, "r1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.Equal(t, 1, f.cold.PutCount(storage.ColdKey("r1")))
	assert.Equal(t, writesBefore, f.ledger.Writes())
}

func TestRunBatchSecondPassIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 3)
	f.addRecord(t, "a", 100*24*time.Hour)

	cutoff := time.Now()
	result, err := f.worker.RunBatch(ctx, cutoff, "", 10)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Migrated)

	// Nothing eligible remains, and a re-run performs no transitions.
	writesBefore := f.ledger.Writes()
	result, err = f.worker.RunBatch(ctx, cutoff, "", 10)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Migrated)
	assert.Equal(t, 0, result.Processed)
	assert.Equal(t, writesBefore, f.ledger.Writes())
	assert.Equal(t, 1, f.cold.PutCount(storage.ColdKey("a")))
}

func TestRunBatchSkipsRecordsPendingManualRetry(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 3)
	f.addRecord(t, "r1", 100*24*time.Hour)

	require.NoError(t, f.ledger.Put(ctx, "r1", ledger.StateMigrating))
	require.NoError(t, f.ledger.Put(ctx, "r1", ledger.StateFailed))

	result, err := f.worker.RunBatch(ctx, time.Now(), "", 10)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Skipped)
	assert.Equal(t, 0, result.Migrated)

	// Still hot, still failed, untouched until an operator resets it.
	_, err = f.hot.Get(ctx, "r1")
	require.NoError(t, err)

	// After the manual reset the next batch picks it up.
	require.NoError(t, f.ledger.RetryFailed(ctx, "r1"))
	result, err = f.worker.RunBatch(ctx, time.Now(), "", 10)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Migrated)

	entry, err := f.ledger.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, ledger.StateCold, entry.State)
}

func TestRunBatchCursorAdvances(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 3)

	for i := 0; i < 5; i++ {
		f.addRecord(t, fmt.Sprintf("r%d", i), time.Duration(100+i)*24*time.Hour)
	}

	cutoff := time.Now()
	cursor := ""
	var migrated int
	for {
		result, err := f.worker.RunBatch(ctx, cutoff, cursor, 2)
		require.NoError(t, err)
		migrated += result.Migrated
		cursor = result.NextCursor
		if result.Exhausted {
			break
		}
	}
	assert.Equal(t, 5, migrated)
	assert.Equal(t, 0, f.hot.Len())
}

func TestRunBatchAbortsWhenHotScanFails(t *testing.T) {
	f := newFixture(t, 3)
	f.hot.FailQuery = func() error {
		return &storage.TransientError{Op: "query", Err: errors.New("down")}
	}

	_, err := f.worker.RunBatch(context.Background(), time.Now(), "", 10)
	assert.Error(t, err)
}
