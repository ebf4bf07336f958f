package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tiermigrate/internal/ledger"
	"tiermigrate/internal/metrics"
	"tiermigrate/internal/worker"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// leaseName is the single archival lease; one pass at a time,
// cluster-wide.
const leaseName = "archival-pass"

// Config contains pass-level settings.
type Config struct {
	// RetentionWindow is the age a record must exceed to become
	// eligible for migration.
	RetentionWindow time.Duration
	// BatchSize is the number of records requested per batch.
	BatchSize int
	// LeaseTTL bounds how long a crashed pass blocks the next one.
	LeaseTTL time.Duration
}

// PassResult summarizes one archival pass.
type PassResult struct {
	// Skipped is true when another pass held the lease; nothing ran.
	Skipped          bool          `json:"skipped"`
	Resumed          bool          `json:"resumed"`
	RecordsMigrated  int           `json:"records_migrated"`
	RecordsFailed    int           `json:"records_failed"`
	RecordsSkipped   int           `json:"records_skipped"`
	RecordsProcessed int64         `json:"records_processed"`
	Duration         time.Duration `json:"duration"`
}

// Scheduler drives repeated worker batches under an exclusive lease
// and persists progress so an interrupted pass resumes from its last
// committed cursor. Only the scheduler writes pass progress.
type Scheduler struct {
	config   Config
	worker   *worker.Worker
	leases   ledger.LeaseStore
	progress ledger.ProgressStore
	meter    *metrics.Collector
	logger   *zap.Logger
	now      func() time.Time
}

// New creates a scheduler.
func New(config Config, w *worker.Worker, leases ledger.LeaseStore, progress ledger.ProgressStore, meter *metrics.Collector, logger *zap.Logger) *Scheduler {
	if config.BatchSize < 1 {
		config.BatchSize = 100
	}
	if config.LeaseTTL <= 0 {
		config.LeaseTTL = 5 * time.Minute
	}
	return &Scheduler{
		config:   config,
		worker:   w,
		leases:   leases,
		progress: progress,
		meter:    meter,
		logger:   logger,
		now:      time.Now,
	}
}

// RunPass executes one archival pass: acquire the lease, drive batches
// until the eligible range is exhausted or ctx is cancelled, commit
// progress after every batch, release the lease. A pass that cannot
// acquire the lease returns a Skipped result, not an error.
// Cancellation is honored between batches so every started batch
// resolves completely. Non-positive cutoffAge or batchSize fall back
// to the configured defaults.
func (s *Scheduler) RunPass(ctx context.Context, cutoffAge time.Duration, batchSize int) (*PassResult, error) {
	if cutoffAge <= 0 {
		cutoffAge = s.config.RetentionWindow
	}
	if batchSize <= 0 {
		batchSize = s.config.BatchSize
	}

	start := s.now()
	owner := uuid.NewString()

	if err := s.leases.AcquireLease(ctx, leaseName, owner, s.config.LeaseTTL); err != nil {
		if errors.Is(err, ledger.ErrLeaseHeld) {
			s.logger.Info("Archival pass already active, skipping")
			return &PassResult{Skipped: true}, nil
		}
		return nil, fmt.Errorf("failed to acquire archival lease: %w", err)
	}
	defer func() {
		if err := s.leases.ReleaseLease(context.Background(), leaseName, owner); err != nil {
			s.logger.Warn("Failed to release archival lease", zap.Error(err))
		}
	}()

	cutoff := start.Add(-cutoffAge).UTC()
	passKey := cutoff.Format("2006-01-02")

	prog, err := s.progress.LoadProgress(ctx, passKey)
	if err != nil {
		return nil, fmt.Errorf("failed to load pass progress: %w", err)
	}

	result := &PassResult{}
	cursor := ""
	var processed int64
	if prog != nil {
		cursor = prog.Cursor
		processed = prog.RecordsProcessed
		result.Resumed = true
		s.logger.Info("Resuming archival pass",
			zap.String("pass", passKey),
			zap.Int64("already_processed", processed),
		)
	}

	s.logger.Info("Starting archival pass",
		zap.String("pass", passKey),
		zap.Time("cutoff", cutoff),
		zap.Int("batch_size", batchSize),
	)

	for {
		if err := ctx.Err(); err != nil {
			s.logger.Info("Archival pass cancelled", zap.String("pass", passKey))
			break
		}

		batch, err := s.worker.RunBatch(ctx, cutoff, cursor, batchSize)
		if err != nil {
			return nil, fmt.Errorf("archival batch failed: %w", err)
		}

		result.RecordsMigrated += batch.Migrated
		result.RecordsFailed += batch.Failed
		result.RecordsSkipped += batch.Skipped
		processed += int64(batch.Processed)

		cursor = batch.NextCursor
		if err := s.progress.SaveProgress(ctx, &ledger.Progress{
			PassKey:          passKey,
			Cutoff:           cutoff,
			Cursor:           cursor,
			RecordsProcessed: processed,
		}); err != nil {
			return nil, fmt.Errorf("failed to commit pass progress: %w", err)
		}

		if batch.Exhausted {
			s.logger.Info("Archival pass exhausted eligible records", zap.String("pass", passKey))
			break
		}

		// Renewal failure means exclusivity is gone; stop like a
		// cancellation, the committed cursor makes the next pass resume.
		if err := s.leases.RenewLease(ctx, leaseName, owner, s.config.LeaseTTL); err != nil {
			s.logger.Warn("Lost archival lease, stopping pass", zap.String("pass", passKey), zap.Error(err))
			break
		}
	}

	result.RecordsProcessed = processed
	result.Duration = s.now().Sub(start)
	s.meter.ObservePassDuration(result.Duration)

	s.logger.Info("Archival pass finished",
		zap.String("pass", passKey),
		zap.Int("migrated", result.RecordsMigrated),
		zap.Int("failed", result.RecordsFailed),
		zap.Int("skipped", result.RecordsSkipped),
		zap.Duration("duration", result.Duration),
	)
	return result, nil
}
