// Package metrics provides Prometheus metrics for the storage engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics contains all Prometheus metrics exported by the engine.
type Metrics struct {
	// Storage API metrics (§6.1 operations).
	OperationsTotal   *prometheus.CounterVec
	OperationDuration *prometheus.HistogramVec
	OperationBytes    *prometheus.CounterVec

	// Chunker metrics (C1).
	ChunksProducedTotal prometheus.Counter
	ChunkSizeBytes      prometheus.Histogram

	// Chunk store metrics (C4): dedup effectiveness.
	ChunkStoreBlobsTotal   prometheus.Gauge
	ChunkStoreBytesTotal   prometheus.Gauge
	ChunkStorePutsTotal    *prometheus.CounterVec // result=new|dedup
	ChunkStoreBytesWritten prometheus.Counter

	// Metadata DB metrics (C5).
	DBQueryDuration  *prometheus.HistogramVec
	DBCASRetries     prometheus.Counter
	DBConnectionsMax prometheus.Gauge

	// Garbage collection metrics (C8).
	GCRunsTotal    prometheus.Counter
	GCBlobsDeleted prometheus.Counter
	GCBytesFreed   prometheus.Counter
	GCDuration     prometheus.Histogram
	GCOrphanBlobs  prometheus.Gauge
	GCLastRunTime  prometheus.Gauge

	// Sync coordinator metrics (C9).
	SyncPullsTotal       *prometheus.CounterVec // result=up_to_date|delta|whole_file|error
	SyncBytesFetched     prometheus.Counter
	SyncSavingsRatio     prometheus.Histogram
	SyncIntegrityFallback prometheus.Counter

	// Cache metrics (optional redis-backed read cache).
	CacheHitsTotal   *prometheus.CounterVec
	CacheMissesTotal *prometheus.CounterVec
	CacheEvictions   prometheus.Counter
}

const namespace = "vaultsync"

// New creates and registers all Prometheus metrics.
func New() *Metrics {
	m := &Metrics{
		OperationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "engine",
				Name:      "operations_total",
				Help:      "Total number of Storage API operations, by operation and result.",
			},
			[]string{"operation", "result"},
		),
		OperationDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "engine",
				Name:      "operation_duration_seconds",
				Help:      "Storage API operation duration in seconds.",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"operation"},
		),
		OperationBytes: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "engine",
				Name:      "operation_bytes_total",
				Help:      "Total plaintext bytes processed by Storage API operations.",
			},
			[]string{"operation"},
		),

		ChunksProducedTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "chunker",
				Name:      "chunks_produced_total",
				Help:      "Total number of chunks produced by content-defined chunking.",
			},
		),
		ChunkSizeBytes: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "chunker",
				Name:      "chunk_size_bytes",
				Help:      "Distribution of produced chunk sizes in bytes.",
				Buckets:   prometheus.ExponentialBuckets(1024, 2, 8),
			},
		),

		ChunkStoreBlobsTotal: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "chunkstore",
				Name:      "blobs_total",
				Help:      "Total number of unique chunk blobs on disk.",
			},
		),
		ChunkStoreBytesTotal: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "chunkstore",
				Name:      "bytes_total",
				Help:      "Total size of all chunk blobs in bytes.",
			},
		),
		ChunkStorePutsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "chunkstore",
				Name:      "puts_total",
				Help:      "Total number of chunk store Put calls, by whether the blob already existed.",
			},
			[]string{"result"},
		),
		ChunkStoreBytesWritten: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "chunkstore",
				Name:      "bytes_written_total",
				Help:      "Total compressed bytes actually written to new blobs (excludes dedup hits).",
			},
		),

		DBQueryDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "metadb",
				Name:      "query_duration_seconds",
				Help:      "Metadata DB call duration in seconds.",
				Buckets:   []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"query"},
		),
		DBCASRetries: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "metadb",
				Name:      "cas_retries_total",
				Help:      "Total number of UpdateChunkRefCount calls that had to be retried by a caller.",
			},
		),
		DBConnectionsMax: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "metadb",
				Name:      "connections_max",
				Help:      "Configured maximum connections for the active metadata DB backend.",
			},
		),

		GCRunsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "gc",
				Name:      "runs_total",
				Help:      "Total number of garbage collection runs.",
			},
		),
		GCBlobsDeleted: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "gc",
				Name:      "blobs_deleted_total",
				Help:      "Total number of blobs deleted by garbage collection.",
			},
		),
		GCBytesFreed: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "gc",
				Name:      "bytes_freed_total",
				Help:      "Total bytes freed by garbage collection.",
			},
		),
		GCDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "gc",
				Name:      "duration_seconds",
				Help:      "Garbage collection run duration in seconds.",
				Buckets:   []float64{.1, .5, 1, 5, 10, 30, 60, 120},
			},
		),
		GCOrphanBlobs: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "gc",
				Name:      "orphan_blobs",
				Help:      "Current number of orphan blobs pending garbage collection.",
			},
		),
		GCLastRunTime: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "gc",
				Name:      "last_run_timestamp_seconds",
				Help:      "Timestamp of the last garbage collection run.",
			},
		),

		SyncPullsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "sync",
				Name:      "pulls_total",
				Help:      "Total number of sync pulls, by outcome.",
			},
			[]string{"result"},
		),
		SyncBytesFetched: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "sync",
				Name:      "bytes_fetched_total",
				Help:      "Total bytes fetched from peers across all pulls.",
			},
		),
		SyncSavingsRatio: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "sync",
				Name:      "savings_ratio",
				Help:      "Proportion of source bytes not transferred, per delta pull.",
				Buckets:   []float64{0, .1, .25, .5, .75, .9, .95, .99, 1},
			},
		),
		SyncIntegrityFallback: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "sync",
				Name:      "integrity_fallbacks_total",
				Help:      "Total number of pulls that fell back to a whole-object transfer after a delta integrity failure.",
			},
		),

		CacheHitsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "cache",
				Name:      "hits_total",
				Help:      "Total number of cache hits.",
			},
			[]string{"cache"},
		),
		CacheMissesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "cache",
				Name:      "misses_total",
				Help:      "Total number of cache misses.",
			},
			[]string{"cache"},
		),
		CacheEvictions: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "cache",
				Name:      "evictions_total",
				Help:      "Total number of cache evictions.",
			},
		),
	}

	return m
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordOperation records one Storage API call.
func (m *Metrics) RecordOperation(operation, result string, duration float64, bytes int64) {
	m.OperationsTotal.WithLabelValues(operation, result).Inc()
	m.OperationDuration.WithLabelValues(operation).Observe(duration)
	if bytes > 0 {
		m.OperationBytes.WithLabelValues(operation).Add(float64(bytes))
	}
}

// RecordChunkStorePut records a single chunk store Put, tagged by
// whether the blob already existed (dedup hit) or was newly written.
func (m *Metrics) RecordChunkStorePut(isNew bool, compressedSize int64) {
	if isNew {
		m.ChunkStorePutsTotal.WithLabelValues("new").Inc()
		m.ChunkStoreBytesWritten.Add(float64(compressedSize))
	} else {
		m.ChunkStorePutsTotal.WithLabelValues("dedup").Inc()
	}
}

// RecordGCRun records a completed garbage collection run.
func (m *Metrics) RecordGCRun(duration float64, blobsDeleted int, bytesFreed int64) {
	m.GCRunsTotal.Inc()
	m.GCDuration.Observe(duration)
	m.GCBlobsDeleted.Add(float64(blobsDeleted))
	m.GCBytesFreed.Add(float64(bytesFreed))
}

// RecordSyncPull records a completed sync pull.
func (m *Metrics) RecordSyncPull(result string, bytesFetched int64, savingsRatio float64) {
	m.SyncPullsTotal.WithLabelValues(result).Inc()
	m.SyncBytesFetched.Add(float64(bytesFetched))
	if result != "up_to_date" {
		m.SyncSavingsRatio.Observe(savingsRatio)
	}
	if result == "whole_file" {
		m.SyncIntegrityFallback.Inc()
	}
}

// RecordCacheAccess records a cache access.
func (m *Metrics) RecordCacheAccess(cache string, hit bool) {
	if hit {
		m.CacheHitsTotal.WithLabelValues(cache).Inc()
	} else {
		m.CacheMissesTotal.WithLabelValues(cache).Inc()
	}
}
