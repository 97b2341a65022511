package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the guess game.
type Metrics struct {
	// --- Guess lifecycle ---
	GuessesPlaced    *prometheus.CounterVec
	GuessesRejected  *prometheus.CounterVec
	Resolutions      *prometheus.CounterVec
	ResolveRequeues  prometheus.Counter
	RetriesExhausted prometheus.Counter
	ResolveDuration  prometheus.Histogram
	EnqueueFailures  prometheus.Counter

	// --- Price cache ---
	CacheLookups     *prometheus.CounterVec
	CacheWriteErrors *prometheus.CounterVec
	UpstreamRequests *prometheus.CounterVec
	UpstreamDuration *prometheus.HistogramVec

	// --- Scheduler ---
	TasksEnqueued    prometheus.Counter
	TasksDelivered   prometheus.Counter
	TaskRedeliveries prometheus.Counter
	DeadLetters      *prometheus.CounterVec

	// --- Notifier ---
	EventsPublished   *prometheus.CounterVec
	ChangeRecordsSkip *prometheus.CounterVec
	NotifierBatchSize prometheus.Histogram

	// --- Jobs ---
	SweeperRequeues prometheus.Counter
	PricesPurged    prometheus.Counter
	JobRuns         *prometheus.CounterVec

	// --- API ---
	RequestDuration *prometheus.HistogramVec
	RequestErrors   *prometheus.CounterVec
}

// NewMetrics creates all metrics and registers them on reg. Tests pass a fresh
// prometheus.NewRegistry(); the binary passes prometheus.DefaultRegisterer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	upstreamBuckets := []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}
	requestBuckets := []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5}

	return &Metrics{
		GuessesPlaced: f.NewCounterVec(prometheus.CounterOpts{
			Name: "guess_placed_total",
			Help: "Guesses placed",
		}, []string{"instrument", "direction"}),

		GuessesRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "guess_rejected_total",
			Help: "Place requests rejected (unauthorized, invalid, not_found, conflict, upstream)",
		}, []string{"reason"}),

		Resolutions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "guess_resolutions_total",
			Help: "Guesses resolved by outcome and end-price source",
		}, []string{"outcome", "source"}),

		ResolveRequeues: f.NewCounter(prometheus.CounterOpts{
			Name: "guess_resolve_requeues_total",
			Help: "Resolution tasks requeued because the price had not moved",
		}),

		RetriesExhausted: f.NewCounter(prometheus.CounterOpts{
			Name: "guess_retries_exhausted_total",
			Help: "Guesses resolved on a flat market after max retries",
		}),

		ResolveDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "guess_resolve_duration_seconds",
			Help:    "Time to handle one resolution delivery",
			Buckets: requestBuckets,
		}),

		EnqueueFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "guess_enqueue_failures_total",
			Help: "Guesses persisted whose resolution task could not be enqueued",
		}),

		CacheLookups: f.NewCounterVec(prometheus.CounterOpts{
			Name: "price_cache_lookups_total",
			Help: "Fresh-price lookups by tier and result",
		}, []string{"tier", "result"}),

		CacheWriteErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "price_cache_write_errors_total",
			Help: "Best-effort price writes that failed",
		}, []string{"tier"}),

		UpstreamRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "price_upstream_requests_total",
			Help: "Upstream price requests by source and result",
		}, []string{"source", "result"}),

		UpstreamDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "price_upstream_duration_seconds",
			Help:    "Upstream price request latency",
			Buckets: upstreamBuckets,
		}, []string{"source"}),

		TasksEnqueued: f.NewCounter(prometheus.CounterOpts{
			Name: "scheduler_tasks_enqueued_total",
			Help: "Resolution tasks enqueued",
		}),

		TasksDelivered: f.NewCounter(prometheus.CounterOpts{
			Name: "scheduler_tasks_delivered_total",
			Help: "Resolution tasks handed to the handler",
		}),

		TaskRedeliveries: f.NewCounter(prometheus.CounterOpts{
			Name: "scheduler_task_redeliveries_total",
			Help: "Transport redeliveries after a handler error",
		}),

		DeadLetters: f.NewCounterVec(prometheus.CounterOpts{
			Name: "scheduler_dead_letters_total",
			Help: "Tasks routed to the dead-letter path",
		}, []string{"reason"}),

		EventsPublished: f.NewCounterVec(prometheus.CounterOpts{
			Name: "notifier_events_published_total",
			Help: "Events published by type and result",
		}, []string{"type", "result"}),

		ChangeRecordsSkip: f.NewCounterVec(prometheus.CounterOpts{
			Name: "notifier_records_skipped_total",
			Help: "Change records skipped (ignored or malformed)",
		}, []string{"reason"}),

		NotifierBatchSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "notifier_batch_size",
			Help:    "Change records per notifier batch",
			Buckets: []float64{1, 2, 5, 10, 20, 50},
		}),

		SweeperRequeues: f.NewCounter(prometheus.CounterOpts{
			Name: "jobs_sweeper_requeues_total",
			Help: "Stale guesses re-enqueued by the sweeper",
		}),

		PricesPurged: f.NewCounter(prometheus.CounterOpts{
			Name: "jobs_prices_purged_total",
			Help: "Expired price observations deleted",
		}),

		JobRuns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "jobs_runs_total",
			Help: "Periodic job runs by job and result",
		}, []string{"job", "result"}),

		RequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "API request latency",
			Buckets: requestBuckets,
		}, []string{"method"}),

		RequestErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "api_request_errors_total",
			Help: "API errors by method and code",
		}, []string{"method", "code"}),
	}
}
