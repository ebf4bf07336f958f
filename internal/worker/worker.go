package worker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"tiermigrate/internal/ledger"
	"tiermigrate/internal/metrics"
	"tiermigrate/internal/storage"

	"go.uber.org/zap"
)

// Config contains per-record migration settings.
type Config struct {
	// MaxRetries bounds migration attempts per record before it is
	// marked Failed.
	MaxRetries int
	// RetryBackoff is the initial backoff between attempts; it doubles
	// per attempt.
	RetryBackoff time.Duration
}

// Worker moves one batch of eligible records from the hot tier to the
// cold tier per invocation. Records are processed sequentially; a
// record that exhausts its retry budget is marked Failed and the batch
// continues. Only the worker writes ledger states Migrating, Cold and
// Failed.
type Worker struct {
	config Config
	hot    storage.HotStore
	cold   storage.ColdStore
	ledger ledger.Store
	meter  *metrics.Collector
	logger *zap.Logger

	// sleep is replaceable in tests to avoid real backoff waits.
	sleep func(time.Duration)
}

// New creates a migration worker.
func New(config Config, hot storage.HotStore, cold storage.ColdStore, led ledger.Store, meter *metrics.Collector, logger *zap.Logger) *Worker {
	if config.MaxRetries < 1 {
		config.MaxRetries = 1
	}
	if config.RetryBackoff <= 0 {
		config.RetryBackoff = 500 * time.Millisecond
	}
	return &Worker{
		config: config,
		hot:    hot,
		cold:   cold,
		ledger: led,
		meter:  meter,
		logger: logger,
		sleep:  time.Sleep,
	}
}

// BatchResult summarizes one processed batch.
type BatchResult struct {
	Processed  int
	Migrated   int
	Failed     int
	Skipped    int
	NextCursor string
	// Exhausted is true when the hot store returned fewer records than
	// requested, meaning no eligible records remain past NextCursor.
	Exhausted bool
}

// RunBatch migrates up to batchSize records created strictly before
// cutoff, resuming from cursor. Every record in the batch is resolved
// (migrated, skipped or Failed) before RunBatch returns; only
// store-level failures abort the batch with an error.
func (w *Worker) RunBatch(ctx context.Context, cutoff time.Time, cursor string, batchSize int) (*BatchResult, error) {
	records, nextCursor, err := w.hot.Query(ctx, storage.QueryFilter{Before: cutoff, Cursor: cursor}, batchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to scan hot store: %w", err)
	}

	result := &BatchResult{
		NextCursor: nextCursor,
		Exhausted:  len(records) < batchSize,
	}
	if nextCursor == "" {
		result.NextCursor = cursor
	}

	for _, rec := range records {
		outcome, err := w.processRecord(ctx, rec)
		if err != nil {
			return nil, err
		}
		result.Processed++
		switch outcome {
		case outcomeMigrated:
			result.Migrated++
		case outcomeSkipped:
			result.Skipped++
		case outcomeFailed:
			result.Failed++
		}
	}
	return result, nil
}

type outcome int

const (
	outcomeMigrated outcome = iota
	outcomeSkipped
	outcomeFailed
)

// processRecord resolves a single record. Each attempt consults the
// ledger first: a record already Cold only needs its hot copy deleted
// (crash recovery without re-upload); a Failed record is left for
// manual retry. An error return aborts the whole pass and is reserved
// for ledger unavailability.
func (w *Worker) processRecord(ctx context.Context, rec *storage.Record) (outcome, error) {
	start := time.Now()

	for attempt := 1; ; attempt++ {
		state, _, err := w.currentState(ctx, rec.ID)
		if err != nil {
			return 0, fmt.Errorf("ledger read for record %s: %w", rec.ID, err)
		}

		var attemptErr error
		switch state {
		case ledger.StateCold:
			// Payload confirmed cold; finish the hot delete.
			attemptErr = w.deleteHot(ctx, rec.ID)
			if attemptErr == nil {
				if attempt == 1 {
					w.logger.Debug("Skipping record already in cold tier", zap.String("id", rec.ID))
					w.meter.IncSkipped()
					return outcomeSkipped, nil
				}
				w.finishMigrated(rec, start)
				return outcomeMigrated, nil
			}

		case ledger.StateFailed:
			// Retry budget exhausted on a prior pass; operator action required.
			w.logger.Debug("Skipping record pending manual retry", zap.String("id", rec.ID))
			w.meter.IncSkipped()
			return outcomeSkipped, nil

		default:
			attemptErr = w.migrateOnce(ctx, rec)
			if attemptErr == nil {
				w.finishMigrated(rec, start)
				return outcomeMigrated, nil
			}
		}

		out, fatal, done := w.classifyFailure(ctx, rec, state, attempt, attemptErr)
		if fatal != nil {
			return 0, fatal
		}
		if done {
			return out, nil
		}

		w.logger.Warn("Migration attempt failed",
			zap.String("id", rec.ID),
			zap.Int("attempt", attempt),
			zap.Error(attemptErr),
		)
		w.sleep(w.backoff(attempt))
	}
}

// classifyFailure decides whether an attempt failure ends the record
// (done), aborts the pass (fatal), or should be retried.
func (w *Worker) classifyFailure(ctx context.Context, rec *storage.Record, state ledger.State, attempt int, attemptErr error) (outcome, error, bool) {
	var lioErr *ledgerIOError
	if errors.As(attemptErr, &lioErr) {
		// The ledger is the source of truth; without it no per-record
		// state is trustworthy. Abort the pass, keep committed progress.
		return 0, fmt.Errorf("ledger unavailable during record %s: %w", rec.ID, lioErr.err), false
	}

	var conflict *ledger.ConflictError
	if errors.As(attemptErr, &conflict) {
		// Out-of-order transition: a logic or concurrency bug. Surface
		// it, abandon this record only.
		w.logger.Error("Ledger transition conflict", zap.String("id", rec.ID), zap.Error(attemptErr))
		w.meter.IncFailed()
		return outcomeFailed, nil, true
	}

	if storage.IsCorruption(attemptErr) {
		// Bad data never heals on retry. Preserve the hot copy, mark
		// Failed for operator triage.
		w.logger.Error("Record failed validation", zap.String("id", rec.ID), zap.Error(attemptErr))
		w.markFailed(ctx, rec.ID)
		w.meter.IncFailed()
		return outcomeFailed, nil, true
	}

	if state == ledger.StateCold {
		// Only the hot delete is outstanding; the record is safe in
		// both tiers, so never mark it Failed. Give up after the retry
		// budget and let the next pass finish the delete.
		if attempt >= w.config.MaxRetries {
			w.logger.Warn("Hot delete still failing for cold record, leaving for next pass",
				zap.String("id", rec.ID), zap.Error(attemptErr))
			w.meter.IncFailed()
			return outcomeFailed, nil, true
		}
		return 0, nil, false
	}

	// Read the attempt count recorded by the failed attempt itself, so
	// a record resumed from a crashed pass keeps its history.
	_, attempts, err := w.currentState(ctx, rec.ID)
	if err != nil {
		return 0, fmt.Errorf("ledger read for record %s: %w", rec.ID, err), false
	}
	if attempts >= w.config.MaxRetries {
		w.logger.Error("Record failed after all retries",
			zap.String("id", rec.ID),
			zap.Int("attempts", attempts),
			zap.Error(attemptErr),
		)
		w.markFailed(ctx, rec.ID)
		w.meter.IncFailed()
		return outcomeFailed, nil, true
	}
	return 0, nil, false
}

// migrateOnce performs one full migration attempt: record the attempt,
// copy to cold, confirm, flip the ledger to Cold, then delete the hot
// copy. Write-cold-then-delete-hot ordering means any crash point
// leaves the payload reachable from at least one tier.
func (w *Worker) migrateOnce(ctx context.Context, rec *storage.Record) error {
	if err := w.putLedger(ctx, rec.ID, ledger.StateMigrating); err != nil {
		return err
	}

	if err := rec.Validate(); err != nil {
		return err
	}

	meta := map[string]string{
		"created-at":    rec.CreatedAt.UTC().Format(time.RFC3339Nano),
		"partition-key": rec.PartitionKey,
	}
	if err := w.cold.Put(ctx, storage.ColdKey(rec.ID), rec.Payload, meta); err != nil {
		return fmt.Errorf("cold write for record %s: %w", rec.ID, err)
	}

	// The cold write is confirmed; make the new location durable
	// before touching the hot copy.
	if err := w.putLedger(ctx, rec.ID, ledger.StateCold); err != nil {
		return err
	}

	return w.deleteHot(ctx, rec.ID)
}

// ledgerIOError marks a ledger write that failed for reasons other
// than a transition conflict; it aborts the pass.
type ledgerIOError struct {
	err error
}

func (e *ledgerIOError) Error() string { return e.err.Error() }
func (e *ledgerIOError) Unwrap() error { return e.err }

func (w *Worker) putLedger(ctx context.Context, id string, state ledger.State) error {
	err := w.ledger.Put(ctx, id, state)
	if err == nil {
		return nil
	}
	var conflict *ledger.ConflictError
	if errors.As(err, &conflict) {
		return err
	}
	return &ledgerIOError{err: err}
}

// deleteHot removes the hot copy; an already-absent record counts as
// deleted.
func (w *Worker) deleteHot(ctx context.Context, id string) error {
	err := w.hot.Delete(ctx, id)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("hot delete for record %s: %w", id, err)
	}
	return nil
}

// currentState reads the record's ledger state, mapping untracked to
// Hot. Only I/O failures are returned as errors.
func (w *Worker) currentState(ctx context.Context, id string) (ledger.State, int, error) {
	entry, err := w.ledger.Get(ctx, id)
	if errors.Is(err, ledger.ErrNotTracked) {
		return ledger.StateHot, 0, nil
	}
	if err != nil {
		return "", 0, err
	}
	return entry.State, entry.Attempts, nil
}

func (w *Worker) markFailed(ctx context.Context, id string) {
	if err := w.ledger.Put(ctx, id, ledger.StateFailed); err != nil {
		w.logger.Error("Failed to mark record as failed", zap.String("id", id), zap.Error(err))
	}
}

func (w *Worker) finishMigrated(rec *storage.Record, start time.Time) {
	w.meter.IncMigrated(int64(len(rec.Payload)))
	w.meter.ObserveRecordDuration(time.Since(start))
	w.logger.Info("Record migrated to cold tier",
		zap.String("id", rec.ID),
		zap.Int("size", len(rec.Payload)),
		zap.Duration("duration", time.Since(start)),
	)
}

func (w *Worker) backoff(attempt int) time.Duration {
	return w.config.RetryBackoff * time.Duration(math.Pow(2, float64(attempt-1)))
}
