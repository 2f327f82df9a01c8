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

// Metrics holds Prometheus metrics for the notification hub
type Metrics struct {
	// API metrics
	APIRequestsTotal     *prometheus.CounterVec
	APIRequestDuration   *prometheus.HistogramVec
	APIActiveConnections prometheus.Gauge

	// Connection metrics
	ConnectionState       prometheus.Gauge
	ConnectionAttempts    *prometheus.CounterVec
	ConnectionBackoff     prometheus.Histogram
	UpstreamMessagesTotal prometheus.Counter
	HealthChecksTotal     *prometheus.CounterVec

	// Ingest metrics
	IngestEventsTotal   *prometheus.CounterVec
	IngestEventDuration prometheus.Histogram

	// History metrics
	HistorySize      prometheus.Gauge
	HistoryUnread    prometheus.Gauge
	HistoryEvictions prometheus.Counter

	// Hub metrics
	HubSubscribers    prometheus.Gauge
	HubDeltasTotal    *prometheus.CounterVec
	HubDeliveryDelay  prometheus.Histogram
	HubMutationsTotal *prometheus.CounterVec

	// Alert metrics
	AlertsTotal        *prometheus.CounterVec
	PermissionRequests *prometheus.CounterVec
}

// GetMetrics returns the metrics singleton
func GetMetrics() *Metrics {
	once.Do(func() {
		instance = newMetrics(prometheus.DefaultRegisterer)
	})
	return instance
}

// NewMetrics builds an unshared set of metrics registered on reg.
// Useful in tests that need to read counter values in isolation.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return newMetrics(reg)
}

// newMetrics initializes and registers all metrics
func newMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{}
	factory := promauto.With(reg)

	// API metrics
	m.APIRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notihub_api_requests_total",
			Help: "Total number of API requests",
		},
		[]string{"method", "path", "status"},
	)

	m.APIRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "notihub_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15), // from 1ms to ~16s
		},
		[]string{"method", "path"},
	)

	m.APIActiveConnections = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "notihub_api_stream_connections",
			Help: "Number of open WebSocket stream connections",
		},
	)

	// Connection metrics
	m.ConnectionState = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "notihub_connection_state",
			Help: "Upstream connection state (0=disconnected, 1=connecting, 2=connected, 3=backoff)",
		},
	)

	m.ConnectionAttempts = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notihub_connection_attempts_total",
			Help: "Total number of upstream connection attempts",
		},
		[]string{"result"},
	)

	m.ConnectionBackoff = factory.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "notihub_connection_backoff_seconds",
			Help:    "Delay waited before reconnecting to the upstream",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 10), // from 250ms to ~2min
		},
	)

	m.UpstreamMessagesTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "notihub_upstream_messages_total",
			Help: "Total number of raw messages received from the upstream",
		},
	)

	m.HealthChecksTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notihub_health_checks_total",
			Help: "Total number of upstream health polls",
		},
		[]string{"result"},
	)

	// Ingest metrics
	m.IngestEventsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notihub_ingest_events_total",
			Help: "Total number of inbound events by outcome",
		},
		[]string{"result"}, // accepted, duplicate, invalid, heartbeat
	)

	m.IngestEventDuration = factory.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "notihub_ingest_event_duration_seconds",
			Help:    "Time spent ingesting one inbound event",
			Buckets: prometheus.ExponentialBuckets(0.00001, 2, 15), // from 10µs to ~160ms
		},
	)

	// History metrics
	m.HistorySize = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "notihub_history_records",
			Help: "Number of records held in the history",
		},
	)

	m.HistoryUnread = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "notihub_history_unread",
			Help: "Number of unread records held in the history",
		},
	)

	m.HistoryEvictions = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "notihub_history_evictions_total",
			Help: "Total number of records evicted by the capacity bound",
		},
	)

	// Hub metrics
	m.HubSubscribers = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "notihub_hub_subscribers",
			Help: "Number of active hub subscriptions",
		},
	)

	m.HubDeltasTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notihub_hub_deltas_total",
			Help: "Total number of deltas by delivery outcome",
		},
		[]string{"result"}, // delivered, dropped, failed
	)

	m.HubDeliveryDelay = factory.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "notihub_hub_delivery_delay_seconds",
			Help:    "Delay between a mutation and its delivery to a subscriber",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 15), // from 0.1ms to ~1.6s
		},
	)

	m.HubMutationsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notihub_hub_mutations_total",
			Help: "Total number of successful hub mutations",
		},
		[]string{"kind"},
	)

	// Alert metrics
	m.AlertsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notihub_alerts_total",
			Help: "Total number of out-of-band alert decisions by outcome",
		},
		[]string{"result"}, // sent, failed, suppressed, rate_limited, duplicate
	)

	m.PermissionRequests = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notihub_permission_requests_total",
			Help: "Total number of alert permission requests by answer",
		},
		[]string{"answer"},
	)

	return m
}
