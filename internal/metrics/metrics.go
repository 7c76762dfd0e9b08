// Package metrics exposes Prometheus instrumentation shared by all
// components.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// singleton instance
	instance *Metrics
	once     sync.Once
)

// Metrics holds Prometheus metrics for the arrival bot.
type Metrics struct {
	// Fetcher metrics
	FetchesTotal     *prometheus.CounterVec
	FetchDuration    prometheus.Histogram
	FetchErrorsTotal *prometheus.CounterVec
	ArrivalsPerFetch prometheus.Histogram

	// Poller metrics
	CyclesTotal         *prometheus.CounterVec
	CycleDuration       prometheus.Histogram
	TrackedStops        prometheus.Gauge
	StopsDegraded       prometheus.Gauge
	ConsecutiveFailures *prometheus.GaugeVec

	// Diff metrics
	ChangesTotal *prometheus.CounterVec

	// Dispatcher metrics
	TasksEnqueuedTotal  prometheus.Counter
	TasksDeliveredTotal prometheus.Counter
	TasksDroppedTotal   *prometheus.CounterVec
	SendRetriesTotal    prometheus.Counter
	QueueDepth          prometheus.Gauge
	SendDuration        prometheus.Histogram

	// Registry metrics
	SubscriptionsActive prometheus.Gauge
}

// GetMetrics returns the metrics singleton.
func GetMetrics() *Metrics {
	once.Do(func() {
		instance = newMetrics()
	})
	return instance
}

// newMetrics initializes and registers all metrics.
func newMetrics() *Metrics {
	m := &Metrics{}

	m.FetchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arrivalbot_fetches_total",
			Help: "Total number of stop forecast fetches",
		},
		[]string{"outcome"},
	)

	m.FetchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "arrivalbot_fetch_duration_seconds",
			Help:    "Stop forecast fetch duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // from 10ms to ~40s
		},
	)

	m.FetchErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arrivalbot_fetch_errors_total",
			Help: "Total number of fetch errors by kind",
		},
		[]string{"kind"},
	)

	m.ArrivalsPerFetch = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "arrivalbot_arrivals_per_fetch",
			Help:    "Number of arrival events per successful fetch",
			Buckets: prometheus.LinearBuckets(0, 5, 10),
		},
	)

	m.CyclesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arrivalbot_poll_cycles_total",
			Help: "Total number of poll cycles",
		},
		[]string{"outcome"},
	)

	m.CycleDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "arrivalbot_poll_cycle_duration_seconds",
			Help:    "Full fetch-diff-dispatch cycle duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		},
	)

	m.TrackedStops = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "arrivalbot_tracked_stops",
			Help: "Number of stops currently being polled",
		},
	)

	m.StopsDegraded = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "arrivalbot_stops_degraded",
			Help: "Number of stops past the consecutive-failure threshold",
		},
	)

	m.ConsecutiveFailures = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "arrivalbot_stop_consecutive_failures",
			Help: "Consecutive fetch failures per stop",
		},
		[]string{"stop_id"},
	)

	m.ChangesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arrivalbot_changes_total",
			Help: "Total notifiable changes by kind",
		},
		[]string{"kind"},
	)

	m.TasksEnqueuedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "arrivalbot_notification_tasks_enqueued_total",
			Help: "Total notification tasks enqueued",
		},
	)

	m.TasksDeliveredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "arrivalbot_notification_tasks_delivered_total",
			Help: "Total notification tasks delivered",
		},
	)

	m.TasksDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arrivalbot_notification_tasks_dropped_total",
			Help: "Total notification tasks dropped by reason",
		},
		[]string{"reason"},
	)

	m.SendRetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "arrivalbot_send_retries_total",
			Help: "Total send retries after transient failures",
		},
	)

	m.QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "arrivalbot_notification_queue_depth",
			Help: "Notification tasks waiting for delivery",
		},
	)

	m.SendDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "arrivalbot_send_duration_seconds",
			Help:    "Bot send call duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 10),
		},
	)

	m.SubscriptionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "arrivalbot_subscriptions_active",
			Help: "Number of stored subscriptions",
		},
	)

	return m
}
