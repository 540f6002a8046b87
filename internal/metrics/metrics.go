// Package metrics exposes the engine's Prometheus collectors. Collectors
// are registered on a package registry so tests can read them back without
// scraping, and Handler serves them over HTTP for an operator to wire up.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var registry = prometheus.NewRegistry()

var (
	// BatchUploads counts data objects uploaded to the backend.
	BatchUploads = promauto.With(registry).NewCounter(prometheus.CounterOpts{
		Namespace: "lsvd",
		Name:      "batch_uploads_total",
		Help:      "Data objects uploaded to the backend.",
	})

	// CheckpointsWritten counts checkpoint objects written.
	CheckpointsWritten = promauto.With(registry).NewCounter(prometheus.CounterOpts{
		Namespace: "lsvd",
		Name:      "checkpoints_total",
		Help:      "Checkpoint objects written.",
	})

	// JournalBlocksInUse tracks occupied write-cache journal blocks.
	JournalBlocksInUse = promauto.With(registry).NewGauge(prometheus.GaugeOpts{
		Namespace: "lsvd",
		Name:      "journal_blocks_in_use",
		Help:      "Write-cache journal blocks between oldest and next.",
	})

	// ReadCacheUserSectors counts sectors served to callers by the read cache.
	ReadCacheUserSectors = promauto.With(registry).NewCounter(prometheus.CounterOpts{
		Namespace: "lsvd",
		Name:      "read_cache_user_sectors_total",
		Help:      "Sectors served to callers by the read cache.",
	})

	// ReadCacheBackendSectors counts sectors fetched from the backend to
	// fill cache lines.
	ReadCacheBackendSectors = promauto.With(registry).NewCounter(prometheus.CounterOpts{
		Namespace: "lsvd",
		Name:      "read_cache_backend_sectors_total",
		Help:      "Sectors fetched from the backend by the read cache.",
	})

	// ReadCacheEvictions counts evicted cache lines.
	ReadCacheEvictions = promauto.With(registry).NewCounter(prometheus.CounterOpts{
		Namespace: "lsvd",
		Name:      "read_cache_evictions_total",
		Help:      "Cache lines evicted.",
	})

	// OutstandingLineWrites tracks cache-line NVMe writes in flight.
	OutstandingLineWrites = promauto.With(registry).NewGauge(prometheus.GaugeOpts{
		Namespace: "lsvd",
		Name:      "read_cache_outstanding_line_writes",
		Help:      "Cache-line NVMe writes currently in flight.",
	})
)

// Handler returns an HTTP handler serving the engine's collectors.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
