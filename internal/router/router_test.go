package router

import (
	"context"
	"errors"
	"testing"
	"time"

	"tiermigrate/internal/cache"
	"tiermigrate/internal/ledger"
	"tiermigrate/internal/metrics"
	"tiermigrate/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type routerFixture struct {
	hot    *storage.MemoryHotStore
	cold   *storage.MemoryColdStore
	ledger *ledger.MemoryStore
	cache  *cache.Cache
	router *Router
	sleeps []time.Duration
}

func newFixture(t *testing.T) *routerFixture {
	t.Helper()
	f := &routerFixture{
		hot:    storage.NewMemoryHotStore(),
		cold:   storage.NewMemoryColdStore(),
		ledger: ledger.NewMemoryStore(),
		cache:  cache.New(16, time.Minute),
	}
	f.router = New(Config{MigratingRetryDelay: 10 * time.Millisecond},
		f.hot, f.cold, f.ledger, f.cache, metrics.New(), zap.NewNop())
	f.router.sleep = func(d time.Duration) { f.sleeps = append(f.sleeps, d) }
	return f
}

func (f *routerFixture) putHot(t *testing.T, id string, payload []byte) {
	t.Helper()
	require.NoError(t, f.hot.Put(context.Background(), &storage.Record{
		ID: id, Payload: payload, CreatedAt: time.Now(),
	}))
}

func (f *routerFixture) putCold(t *testing.T, id string, payload []byte) {
	t.Helper()
	require.NoError(t, f.cold.Put(context.Background(), storage.ColdKey(id), payload, nil))
}

func (f *routerFixture) setState(t *testing.T, id string, states ...ledger.State) {
	t.Helper()
	for _, s := range states {
		require.NoError(t, f.ledger.Put(context.Background(), id, s))
	}
}

func TestGetServesHotRecord(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.putHot(t, "r1", []byte("hot-payload"))

	payload, tier, err := f.router.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, []byte("hot-payload"), payload)
	assert.Equal(t, TierHot, tier)

	// A hot hit never consults the ledger sleep path.
	assert.Empty(t, f.sleeps)
}

func TestGetServesColdRecord(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.putCold(t, "r1", []byte("cold-payload"))
	f.setState(t, "r1", ledger.StateMigrating, ledger.StateCold)

	payload, tier, err := f.router.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, []byte("cold-payload"), payload)
	assert.Equal(t, TierCold, tier)

	// The read populated the cache; a repeat read does not touch the
	// cold store again.
	gets := 0
	f.cold.FailGet = func(key string) error {
		gets++
		return nil
	}
	payload, tier, err = f.router.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, []byte("cold-payload"), payload)
	assert.Equal(t, TierCold, tier)
	assert.Equal(t, 0, gets)
}

func TestGetUnknownRecordIsDefinitiveMiss(t *testing.T) {
	f := newFixture(t)
	_, _, err := f.router.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestGetMigratingRetriesHotOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.setState(t, "r1", ledger.StateMigrating)

	// The record reappears in the hot store between the first miss and
	// the bounded retry.
	calls := 0
	f.hot.FailGet = func(id string) error {
		calls++
		if calls == 1 {
			return storage.ErrNotFound
		}
		return nil
	}
	f.putHot(t, "r1", []byte("still-hot"))

	payload, tier, err := f.router.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, []byte("still-hot"), payload)
	assert.Equal(t, TierHot, tier)
	assert.Len(t, f.sleeps, 1)
	assert.Equal(t, 10*time.Millisecond, f.sleeps[0])
}

func TestGetMigratingFallsThroughToCold(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.setState(t, "r1", ledger.StateMigrating)
	f.putCold(t, "r1", []byte("already-cold"))

	payload, tier, err := f.router.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, []byte("already-cold"), payload)
	assert.Equal(t, TierCold, tier)
}

func TestGetMigratingVisibleNowhereIsTransient(t *testing.T) {
	f := newFixture(t)
	f.setState(t, "r1", ledger.StateMigrating)

	// Mid-migration with neither tier serving yet: never report a
	// definitive miss.
	_, _, err := f.router.Get(context.Background(), "r1")
	require.Error(t, err)
	assert.NotErrorIs(t, err, storage.ErrNotFound)
	assert.True(t, storage.IsTransient(err))
}

func TestGetColdStateButColdMissIsTransient(t *testing.T) {
	f := newFixture(t)
	f.setState(t, "r1", ledger.StateMigrating, ledger.StateCold)

	_, _, err := f.router.Get(context.Background(), "r1")
	require.Error(t, err)
	assert.NotErrorIs(t, err, storage.ErrNotFound)
	assert.True(t, storage.IsTransient(err))
}

func TestGetFailedRecordStillHot(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.putHot(t, "r1", []byte("kept-hot"))
	f.setState(t, "r1", ledger.StateMigrating, ledger.StateFailed)

	payload, tier, err := f.router.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, []byte("kept-hot"), payload)
	assert.Equal(t, TierHot, tier)
}

func TestGetFailedRecordWithColdCopy(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.setState(t, "r1", ledger.StateMigrating, ledger.StateFailed)
	f.putCold(t, "r1", []byte("orphaned-cold"))

	payload, tier, err := f.router.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, []byte("orphaned-cold"), payload)
	assert.Equal(t, TierCold, tier)
}

func TestGetFailedRecordNowhereIsMiss(t *testing.T) {
	f := newFixture(t)
	f.setState(t, "r1", ledger.StateMigrating, ledger.StateFailed)

	_, _, err := f.router.Get(context.Background(), "r1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestGetSurfacesHotStoreFailure(t *testing.T) {
	f := newFixture(t)
	f.hot.FailGet = func(id string) error {
		return &storage.TransientError{Op: "get", Err: errors.New("down")}
	}

	_, _, err := f.router.Get(context.Background(), "r1")
	require.Error(t, err)
	assert.NotErrorIs(t, err, storage.ErrNotFound)
}

func TestGetCacheFlushChangesLatencyOnly(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.putCold(t, "r1", []byte("cold-payload"))
	f.setState(t, "r1", ledger.StateMigrating, ledger.StateCold)

	payload, _, err := f.router.Get(ctx, "r1")
	require.NoError(t, err)
	require.Equal(t, []byte("cold-payload"), payload)

	// Flushing the cache never changes what a read returns.
	f.cache.Purge()
	payload, tier, err := f.router.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, []byte("cold-payload"), payload)
	assert.Equal(t, TierCold, tier)
}

func TestGetCachePopulatedOnlyFromColdReads(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.putHot(t, "r1", []byte("hot-payload"))

	_, _, err := f.router.Get(ctx, "r1")
	require.NoError(t, err)

	// Hot reads bypass the cache entirely.
	_, ok := f.cache.Get("r1")
	assert.False(t, ok)
}
