package router

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tiermigrate/internal/cache"
	"tiermigrate/internal/ledger"
	"tiermigrate/internal/metrics"
	"tiermigrate/internal/storage"

	"go.uber.org/zap"
)

// Tier names reported alongside a served payload.
const (
	TierHot  = "hot"
	TierCold = "cold"
)

// Config contains read-path settings.
type Config struct {
	// MigratingRetryDelay is the bounded wait before re-reading the
	// hot store for a record the ledger reports mid-migration. It is
	// the only intentional wait in the read path.
	MigratingRetryDelay time.Duration
}

// Router serves point reads transparently across tiers. It never
// mutates ledger state; the only shared state it touches is the
// advisory cold-read cache, so any number of routers can run
// concurrently against the same stores.
type Router struct {
	config Config
	hot    storage.HotStore
	cold   storage.ColdStore
	ledger ledger.Store
	cache  *cache.Cache
	meter  *metrics.Collector
	logger *zap.Logger

	// sleep is replaceable in tests.
	sleep func(time.Duration)
}

// New creates a read router.
func New(config Config, hot storage.HotStore, cold storage.ColdStore, led ledger.Store, c *cache.Cache, meter *metrics.Collector, logger *zap.Logger) *Router {
	if config.MigratingRetryDelay <= 0 {
		config.MigratingRetryDelay = 100 * time.Millisecond
	}
	return &Router{
		config: config,
		hot:    hot,
		cold:   cold,
		ledger: led,
		cache:  c,
		meter:  meter,
		logger: logger,
		sleep:  time.Sleep,
	}
}

// Get returns the payload for id and the tier that served it.
// storage.ErrNotFound marks a definitive miss; any other error is a
// transient failure the caller may retry.
func (r *Router) Get(ctx context.Context, id string) ([]byte, string, error) {
	rec, err := r.hot.Get(ctx, id)
	if err == nil {
		r.meter.IncRead(TierHot)
		return rec.Payload, TierHot, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, "", fmt.Errorf("hot read for record %s: %w", id, err)
	}

	entry, err := r.ledger.Get(ctx, id)
	if errors.Is(err, ledger.ErrNotTracked) {
		// Never archived and not in the hot store: a definitive miss.
		r.meter.IncRead("none")
		return nil, "", storage.ErrNotFound
	}
	if err != nil {
		return nil, "", fmt.Errorf("ledger lookup for record %s: %w", id, err)
	}

	switch entry.State {
	case ledger.StateMigrating:
		// Write-cold-then-delete-hot ordering means a Migrating record
		// is normally still hot; the miss was a visibility race. One
		// bounded retry, then treat it as already cold.
		r.sleep(r.config.MigratingRetryDelay)
		rec, err := r.hot.Get(ctx, id)
		if err == nil {
			r.meter.IncRead(TierHot)
			return rec.Payload, TierHot, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return nil, "", fmt.Errorf("hot read for record %s: %w", id, err)
		}
		payload, err := r.coldFetch(ctx, id)
		if errors.Is(err, storage.ErrNotFound) {
			// The record exists but is inside the migration window and
			// visible in neither tier yet. Not a definitive miss.
			return nil, "", &storage.TransientError{
				Op:  "read " + id,
				Err: fmt.Errorf("record is mid-migration, retry"),
			}
		}
		if err != nil {
			return nil, "", err
		}
		r.meter.IncRead(TierCold)
		return payload, TierCold, nil

	case ledger.StateCold, ledger.StateFailed:
		// Failed records may still have a cold copy from an attempt
		// that crashed before its ledger write; always look.
		payload, err := r.coldFetch(ctx, id)
		if errors.Is(err, storage.ErrNotFound) {
			if entry.State == ledger.StateFailed {
				r.meter.IncRead("none")
				return nil, "", storage.ErrNotFound
			}
			// Ledger says Cold but the archive disagrees; surface as
			// transient rather than tell the caller the record is gone.
			r.logger.Error("Ledger reports cold but cold store missed", zap.String("id", id))
			return nil, "", &storage.TransientError{
				Op:  "read " + id,
				Err: fmt.Errorf("cold copy not yet visible"),
			}
		}
		if err != nil {
			return nil, "", err
		}
		r.meter.IncRead(TierCold)
		return payload, TierCold, nil

	default:
		// Tracked as hot-resident but missing from the hot store.
		r.meter.IncRead("none")
		return nil, "", storage.ErrNotFound
	}
}

// coldFetch reads the payload through the advisory cache. Only a
// confirmed cold read populates the cache.
func (r *Router) coldFetch(ctx context.Context, id string) ([]byte, error) {
	if payload, ok := r.cache.Get(id); ok {
		r.meter.IncCacheHit()
		return payload, nil
	}
	r.meter.IncCacheMiss()

	payload, err := r.cold.Get(ctx, storage.ColdKey(id))
	if err != nil {
		return nil, err
	}
	r.cache.Set(id, payload)
	return payload, nil
}
