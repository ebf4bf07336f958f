package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector collects and exposes archival and read-path metrics.
type Collector struct {
	recordsTotal  *prometheus.CounterVec
	bytesMigrated prometheus.Counter
	recordSeconds prometheus.Histogram
	passSeconds   prometheus.Histogram
	readsTotal    *prometheus.CounterVec
	cacheTotal    *prometheus.CounterVec
}

// New creates a metrics collector registered on its own registry, so
// repeated construction in tests does not collide.
func New() *Collector {
	c := &Collector{
		recordsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "archival_records_total",
				Help: "Records processed by migration passes",
			},
			[]string{"status"},
		),
		bytesMigrated: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "archival_bytes_migrated_total",
				Help: "Payload bytes moved to the cold tier",
			},
		),
		recordSeconds: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "archival_record_duration_seconds",
				Help:    "Time taken to migrate one record",
				Buckets: prometheus.DefBuckets,
			},
		),
		passSeconds: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "archival_pass_duration_seconds",
				Help:    "Time taken by a whole archival pass",
				Buckets: prometheus.ExponentialBuckets(0.1, 4, 10),
			},
		),
		readsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reads_total",
				Help: "Point reads served, by resolving tier",
			},
			[]string{"tier"},
		),
		cacheTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cold_cache_requests_total",
				Help: "Cold-read cache lookups",
			},
			[]string{"result"},
		),
	}
	return c
}

// Register registers all collectors on reg.
func (c *Collector) Register(reg *prometheus.Registry) {
	reg.MustRegister(c.recordsTotal, c.bytesMigrated, c.recordSeconds, c.passSeconds, c.readsTotal, c.cacheTotal)
}

// IncMigrated counts a record moved to the cold tier.
func (c *Collector) IncMigrated(bytes int64) {
	c.recordsTotal.WithLabelValues("migrated").Inc()
	c.bytesMigrated.Add(float64(bytes))
}

// IncSkipped counts a record already resolved by a previous pass.
func (c *Collector) IncSkipped() {
	c.recordsTotal.WithLabelValues("skipped").Inc()
}

// IncFailed counts a record that exhausted its retry budget.
func (c *Collector) IncFailed() {
	c.recordsTotal.WithLabelValues("failed").Inc()
}

// ObserveRecordDuration records the time one migration took.
func (c *Collector) ObserveRecordDuration(d time.Duration) {
	c.recordSeconds.Observe(d.Seconds())
}

// ObservePassDuration records the time a full pass took.
func (c *Collector) ObservePassDuration(d time.Duration) {
	c.passSeconds.Observe(d.Seconds())
}

// IncRead counts a read served from the given tier ("hot" or "cold"),
// or a definitive miss ("none").
func (c *Collector) IncRead(tier string) {
	c.readsTotal.WithLabelValues(tier).Inc()
}

// IncCacheHit counts a cold-cache hit.
func (c *Collector) IncCacheHit() {
	c.cacheTotal.WithLabelValues("hit").Inc()
}

// IncCacheMiss counts a cold-cache miss.
func (c *Collector) IncCacheMiss() {
	c.cacheTotal.WithLabelValues("miss").Inc()
}

// Handler returns an HTTP handler exposing reg in Prometheus format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
