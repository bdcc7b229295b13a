package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Ingestion metrics
var (
	MessagesIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailarch_messages_ingested_total",
			Help: "Messages accepted into the archive store",
		},
		[]string{"source"}, // "mbox", "lmtp", "reconcile", "stdin"
	)

	MessagesDuplicate = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailarch_messages_duplicate_total",
			Help: "Ingestion attempts short-circuited as exact duplicates",
		},
		[]string{"source"},
	)

	MessagesConflict = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mailarch_messages_conflict_total",
			Help: "Messages rejected because the msgid exists with different content",
		},
	)

	MessagesMalformed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailarch_messages_malformed_total",
			Help: "Raw messages that could not be parsed",
		},
		[]string{"source"},
	)

	MessageSizeBytes = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mailarch_message_size_bytes",
			Help:    "Size distribution of ingested messages",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 8),
		},
	)

	IngestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mailarch_ingest_duration_seconds",
			Help:    "Duration of the full ingestion path per message",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"source"},
	)
)

// Store metrics
var (
	DBQueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailarch_db_queries_total",
			Help: "Archive store queries executed",
		},
		[]string{"operation", "status"},
	)

	ThreadsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mailarch_threads_created_total",
			Help: "New conversation threads created",
		},
	)

	ThreadsJoinedByReference = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mailarch_threads_joined_by_reference_total",
			Help: "Messages joined to a thread via In-Reply-To/References",
		},
	)

	ThreadsJoinedBySubject = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mailarch_threads_joined_by_subject_total",
			Help: "Messages joined to a thread via the base-subject fallback",
		},
	)
)

// Index synchronizer metrics
var (
	IndexWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailarch_index_writes_total",
			Help: "Search index document writes and deletes",
		},
		[]string{"operation", "status"}, // upsert/delete, success/failure
	)

	IndexRetryQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mailarch_index_retry_queue_depth",
			Help: "Documents waiting in the durable index retry queue",
		},
	)

	IndexRetriesExhausted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mailarch_index_retries_exhausted_total",
			Help: "Index writes abandoned after the bounded retry budget",
		},
	)
)

// Reconciliation metrics
var (
	ReconcileChecked = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailarch_reconcile_checked_total",
			Help: "Records compared by reconciliation jobs",
		},
		[]string{"job"}, // "freshness", "completeness"
	)

	ReconcileDiscrepancies = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailarch_reconcile_discrepancies_total",
			Help: "Divergences found between store, index and mbox files",
		},
		[]string{"job"},
	)

	ReconcileRepaired = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailarch_reconcile_repaired_total",
			Help: "Discrepancies repaired by reconciliation jobs",
		},
		[]string{"job"},
	)
)

// Lookup cache metrics
var (
	LookupCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mailarch_lookup_cache_hits_total",
			Help: "List metadata lookups served from cache",
		},
	)

	LookupCacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mailarch_lookup_cache_misses_total",
			Help: "List metadata lookups that went to the store",
		},
	)
)
