package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Generation metrics
	GenerationPasses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "studysched_generation_passes_total",
			Help: "Total number of schedule generation passes",
		},
		[]string{"mode"},
	)

	GenerationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "studysched_generation_duration_seconds",
			Help:    "Schedule generation pass duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ActivitiesScheduled = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "studysched_activities_scheduled_total",
			Help: "Total number of activities produced by the scheduler",
		},
	)

	ActivitiesSkipped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "studysched_activities_skipped_total",
			Help: "Total number of activities skipped due to unresolvable references",
		},
	)

	// Reconciliation metrics
	ActivitiesSaved = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "studysched_activities_saved_total",
			Help: "Total number of activities written back after reconciliation",
		},
	)

	ActivitiesPreserved = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "studysched_activities_preserved_total",
			Help: "Total number of persisted activities preserved over regenerated ones",
		},
	)

	// Resolver metrics
	ResolverLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "studysched_resolver_lookups_total",
			Help: "Total number of backing reference lookups performed",
		},
		[]string{"reference_type"},
	)

	ResolverCacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "studysched_resolver_cache_hits_total",
			Help: "Total number of resolver memo cache hits",
		},
		[]string{"reference_type"},
	)

	// Lock metrics
	LockAcquisitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "studysched_lock_acquisitions_total",
			Help: "Total number of distributed lock acquisitions",
		},
		[]string{"entity_type"},
	)

	LockConflicts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "studysched_lock_conflicts_total",
			Help: "Total number of lock acquisition conflicts",
		},
		[]string{"entity_type"},
	)

	// Recompute worker metrics
	WorkerEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "studysched_worker_events_total",
			Help: "Total number of domain change events processed",
		},
		[]string{"kind", "status"},
	)

	WorkerRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "studysched_worker_retries_total",
			Help: "Total number of recompute retries after execution failures",
		},
	)

	WorkerDeadLetters = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "studysched_worker_dead_letters_total",
			Help: "Total number of events dropped after exhausting retries",
		},
	)

	WorkerQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "studysched_worker_queue_depth",
			Help: "Number of events waiting in the recompute queue",
		},
	)
)
