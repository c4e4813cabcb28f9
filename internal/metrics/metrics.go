package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "webhook_indexer"

var (
	// Inbound webhook deliveries
	DeliveriesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ingest",
		Name:      "deliveries_received_total",
		Help:      "Inbound webhook deliveries by acceptance result",
	}, []string{"result"})

	DeliveriesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ingest",
		Name:      "deliveries_processed_total",
		Help:      "Queued deliveries processed by outcome",
	}, []string{"status"})

	DeliveryLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "ingest",
		Name:      "delivery_duration_seconds",
		Help:      "Delivery processing duration including the target transaction",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	}, []string{"kind"})

	EventsClassified = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ingest",
		Name:      "events_classified_total",
		Help:      "Events matched to a category",
	}, []string{"category"})

	EventsUnclassified = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ingest",
		Name:      "events_unclassified_total",
		Help:      "Events dropped because no category matched",
	})

	RecordsUpserted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ingest",
		Name:      "records_upserted_total",
		Help:      "Category records written to target datastores",
	}, []string{"category"})

	// Backfill
	BackfillPagesFetched = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "backfill",
		Name:      "pages_fetched_total",
		Help:      "Historical pages fetched from the provider",
	})

	BackfillDeferrals = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "backfill",
		Name:      "deferrals_total",
		Help:      "Backfill steps deferred by reason",
	}, []string{"reason"})

	// Provider API
	ProviderCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "provider",
		Name:      "calls_total",
		Help:      "Provider API calls by operation and status class",
	}, []string{"operation", "status"})

	ProviderCallLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "provider",
		Name:      "call_duration_seconds",
		Help:      "Provider API call duration",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"operation"})

	RateLimitRefusals = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ratelimit",
		Name:      "refusals_total",
		Help:      "Token bucket refusals by key",
	}, []string{"key"})

	CircuitState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "circuit",
		Name:      "state",
		Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"service"})

	CircuitTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "circuit",
		Name:      "transitions_total",
		Help:      "Circuit breaker state transitions",
	}, []string{"service", "from", "to"})

	// Webhook registry
	RegistryOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "registry",
		Name:      "operations_total",
		Help:      "Webhook registry operations by result",
	}, []string{"operation", "result"})

	// Jobs and queue
	JobTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "jobs",
		Name:      "transitions_total",
		Help:      "Indexing job status transitions",
	}, []string{"from", "to"})

	QueueEntriesClaimed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "queue",
		Name:      "entries_claimed_total",
		Help:      "Queue entries claimed by workers",
	}, []string{"kind"})

	QueueEntriesRetried = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "queue",
		Name:      "entries_retried_total",
		Help:      "Queue entries rescheduled after an error",
	}, []string{"kind"})

	QueueEntriesFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "queue",
		Name:      "entries_failed_total",
		Help:      "Queue entries that exhausted their attempts",
	}, []string{"kind"})

	// Target datastore pools
	TargetPoolsOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "db",
		Name:      "target_pools_open",
		Help:      "Open target datastore connection pools",
	})

	DBPoolInUse = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "db",
		Name:      "pool_in_use",
		Help:      "Connections in use per pool",
	}, []string{"pool"})

	DBPoolIdle = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "db",
		Name:      "pool_idle",
		Help:      "Idle connections per pool",
	}, []string{"pool"})

	DBPoolWaitCount = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "db",
		Name:      "pool_wait_count",
		Help:      "Total connection waits per pool",
	}, []string{"pool"})

	// Notifications and alerts
	NotificationsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "notify",
		Name:      "published_total",
		Help:      "Job-updated notifications by sink and result",
	}, []string{"sink", "result"})

	AlertsSentTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "alert",
		Name:      "sent_total",
		Help:      "Alerts sent by channel and type",
	}, []string{"channel", "type"})

	AlertsCooldownSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "alert",
		Name:      "cooldown_skipped_total",
		Help:      "Alerts suppressed by cooldown",
	}, []string{"channel", "type"})
)
