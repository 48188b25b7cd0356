// Package metrics exposes Prometheus metrics for the sync core.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the sync subsystem.
type Metrics struct {
	// Save path
	SavesTotal   *prometheus.CounterVec // outcome: saved, error, deferred
	SaveDuration prometheus.Histogram

	// Store round-trips
	StoreRequests *prometheus.CounterVec // operation, outcome
	StoreDuration *prometheus.HistogramVec

	// Conflicts
	ConflictsDetected *prometheus.CounterVec // entity
	ConflictsResolved *prometheus.CounterVec // strategy

	// Offline queue
	QueueDepth    *prometheus.GaugeVec // status
	DrainDuration prometheus.Histogram
	ReplayTotal   *prometheus.CounterVec // entity, outcome

	// Cache
	CacheHits   prometheus.Counter
	CacheStale  prometheus.Counter
	CacheMisses prometheus.Counter
}

var (
	defaultMetrics *Metrics
	defaultOnce    sync.Once
)

// Default returns the process-wide metrics set, registering it on first use.
func Default() *Metrics {
	defaultOnce.Do(func() {
		defaultMetrics = New()
	})
	return defaultMetrics
}

// New creates and registers the sync metrics on the default registerer.
func New() *Metrics {
	return &Metrics{
		SavesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "labsync_saves_total",
				Help: "Autosave attempts by outcome",
			},
			[]string{"outcome"},
		),
		SaveDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "labsync_save_duration_seconds",
				Help:    "Duration of save attempts",
				Buckets: prometheus.DefBuckets,
			},
		),
		StoreRequests: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "labsync_store_requests_total",
				Help: "Versioned store requests by operation and outcome",
			},
			[]string{"operation", "outcome"},
		),
		StoreDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "labsync_store_request_duration_seconds",
				Help:    "Duration of versioned store round-trips",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		ConflictsDetected: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "labsync_conflicts_detected_total",
				Help: "Version conflicts detected per entity",
			},
			[]string{"entity"},
		),
		ConflictsResolved: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "labsync_conflicts_resolved_total",
				Help: "Conflicts resolved per strategy",
			},
			[]string{"strategy"},
		),
		QueueDepth: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "labsync_queue_depth",
				Help: "Offline queue items by status",
			},
			[]string{"status"},
		),
		DrainDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "labsync_queue_drain_duration_seconds",
				Help:    "Duration of queue drain cycles",
				Buckets: prometheus.DefBuckets,
			},
		),
		ReplayTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "labsync_queue_replay_total",
				Help: "Replayed queue items by entity and outcome",
			},
			[]string{"entity", "outcome"},
		),
		CacheHits: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "labsync_cache_hits_total",
				Help: "Fresh cache hits",
			},
		),
		CacheStale: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "labsync_cache_stale_hits_total",
				Help: "Stale cache hits served while revalidating",
			},
		),
		CacheMisses: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "labsync_cache_misses_total",
				Help: "Cache misses",
			},
		),
	}
}
