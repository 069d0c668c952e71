package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Ingestion metrics
	EventsConsumed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chainsight_events_consumed_total",
			Help: "Total number of events consumed from the stream",
		},
		[]string{"partition"},
	)

	EventsCommitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chainsight_events_committed_total",
			Help: "Total number of events durably committed to both sinks",
		},
		[]string{"partition"},
	)

	EventsDeadLettered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chainsight_events_dead_lettered_total",
			Help: "Total number of events routed to the dead-letter stream",
		},
		[]string{"partition", "reason"},
	)

	WatermarkOffset = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chainsight_watermark_committed_offset",
			Help: "Highest durably committed offset per partition",
		},
		[]string{"partition"},
	)

	// Dual-sink writer metrics
	SinkWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chainsight_sink_writes_total",
			Help: "Sink write attempts by final status",
		},
		[]string{"sink", "status"},
	)

	SinkWriteDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chainsight_sink_write_duration_seconds",
			Help:    "Duration of sink writes including retries",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"sink"},
	)

	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chainsight_sink_breaker_open",
			Help: "1 when the sink circuit breaker is open, 0 otherwise",
		},
		[]string{"sink"},
	)

	BufferedWrites = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chainsight_sink_buffered_writes",
			Help: "Writes buffered locally while the sink breaker is open",
		},
		[]string{"sink"},
	)

	// Quality monitor metrics
	QualityChecks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chainsight_quality_checks_total",
			Help: "Reconciliation window evaluations by status",
		},
		[]string{"status"},
	)

	QualityFreshnessLag = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chainsight_quality_freshness_lag_seconds",
			Help: "Freshness lag observed in the most recent evaluated window",
		},
	)

	QualityCompletenessDelta = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chainsight_quality_completeness_delta",
			Help: "Relative count delta between sinks in the most recent evaluated window",
		},
	)

	// Alerting metrics
	AlertTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chainsight_alert_transitions_total",
			Help: "Alert lifecycle transitions by target state",
		},
		[]string{"state"},
	)

	NotificationErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chainsight_notification_errors_total",
			Help: "Failed deliveries to the external alert channel",
		},
	)
)
