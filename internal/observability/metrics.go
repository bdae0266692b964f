package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Sync metrics. Labels are limited to kind, status and outcome so that
// cardinality stays bounded regardless of how many sessions or wallets exist.
var (
	// QueueTransitions counts applied queue status transitions by kind and
	// destination status.
	QueueTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_queue_transitions_total",
			Help: "Queue item status transitions applied.",
		},
		[]string{"kind", "to"},
	)

	// Transmissions counts authority submissions by kind and outcome
	// (confirmed, duplicate, transient, permanent, rejected_gate).
	Transmissions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_transmissions_total",
			Help: "Authority submissions by outcome.",
		},
		[]string{"kind", "outcome"},
	)

	// RetryDelay records the backoff chosen after a transient failure.
	RetryDelay = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sync_retry_delay_seconds",
			Help:    "Backoff delay scheduled after transient failures.",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 12), // 250ms..~8.5m
		},
	)

	// DrainDuration records the wall time of one drain pass.
	DrainDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sync_drain_duration_seconds",
			Help:    "Duration of drain passes.",
			Buckets: prometheus.DefBuckets,
		},
	)

	// QueueItems gauges the number of queue items per status after each drain.
	QueueItems = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sync_queue_items",
			Help: "Queue items by status.",
		},
		[]string{"status"},
	)

	// Online is 1 while the engine considers the authority reachable.
	Online = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sync_online",
			Help: "1 when connectivity to the authority is available.",
		},
	)
)

func init() {
	prometheus.MustRegister(QueueTransitions, Transmissions, RetryDelay, DrainDuration, QueueItems, Online)
}
