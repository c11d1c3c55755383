package boardsync

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector defines the interface for collecting synchronizer metrics
type MetricsCollector interface {
	RecordMessage(kind string, outcome string)
	RecordConnection(connected bool)
	RecordReconnectScheduled(attempt int, delay time.Duration)
	RecordReconnectExhausted()
	RecordSnapshotFetch(success bool, duration time.Duration)
}

// Message outcomes used as metric labels.
const (
	OutcomeApplied       = "applied"
	OutcomeParseError    = "parse_error"
	OutcomeProtocolError = "protocol_error"
	OutcomeStale         = "stale"
)

// NoOpMetricsCollector is a no-op implementation for when metrics aren't needed
type NoOpMetricsCollector struct{}

func (NoOpMetricsCollector) RecordMessage(kind string, outcome string)                 {}
func (NoOpMetricsCollector) RecordConnection(connected bool)                           {}
func (NoOpMetricsCollector) RecordReconnectScheduled(attempt int, delay time.Duration) {}
func (NoOpMetricsCollector) RecordReconnectExhausted()                                 {}
func (NoOpMetricsCollector) RecordSnapshotFetch(success bool, duration time.Duration)  {}

// PrometheusMetrics implements MetricsCollector using Prometheus
type PrometheusMetrics struct {
	messages       *prometheus.CounterVec
	connected      prometheus.Gauge
	reconnects     *prometheus.CounterVec
	reconnectDelay prometheus.Histogram
	exhausted      prometheus.Counter
	fetches        *prometheus.CounterVec
	fetchDuration  prometheus.Histogram
}

// NewPrometheusMetrics creates the collectors and registers them with reg.
func NewPrometheusMetrics(reg prometheus.Registerer) (*PrometheusMetrics, error) {
	m := &PrometheusMetrics{
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "boardsync",
			Name:      "push_messages_total",
			Help:      "Push messages received, by kind and outcome.",
		}, []string{"kind", "outcome"}),
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "boardsync",
			Name:      "connected",
			Help:      "1 while the push channel is open.",
		}),
		reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "boardsync",
			Name:      "reconnects_scheduled_total",
			Help:      "Reconnect attempts scheduled, by attempt number.",
		}, []string{"attempt"}),
		reconnectDelay: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "boardsync",
			Name:      "reconnect_delay_seconds",
			Help:      "Backoff delay before each reconnect attempt.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 8),
		}),
		exhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "boardsync",
			Name:      "reconnects_exhausted_total",
			Help:      "Times the reconnect budget ran out.",
		}),
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "boardsync",
			Name:      "snapshot_fetches_total",
			Help:      "Snapshot fetches, by result.",
		}, []string{"result"}),
		fetchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "boardsync",
			Name:      "snapshot_fetch_duration_seconds",
			Help:      "Snapshot fetch latency.",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	for _, c := range []prometheus.Collector{
		m.messages, m.connected, m.reconnects, m.reconnectDelay,
		m.exhausted, m.fetches, m.fetchDuration,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *PrometheusMetrics) RecordMessage(kind string, outcome string) {
	m.messages.WithLabelValues(kind, outcome).Inc()
}

func (m *PrometheusMetrics) RecordConnection(connected bool) {
	if connected {
		m.connected.Set(1)
		return
	}
	m.connected.Set(0)
}

func (m *PrometheusMetrics) RecordReconnectScheduled(attempt int, delay time.Duration) {
	m.reconnects.WithLabelValues(strconv.Itoa(attempt)).Inc()
	m.reconnectDelay.Observe(delay.Seconds())
}

func (m *PrometheusMetrics) RecordReconnectExhausted() {
	m.exhausted.Inc()
}

func (m *PrometheusMetrics) RecordSnapshotFetch(success bool, duration time.Duration) {
	result := "success"
	if !success {
		result = "failure"
	}
	m.fetches.WithLabelValues(result).Inc()
	m.fetchDuration.Observe(duration.Seconds())
}
