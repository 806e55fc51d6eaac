package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// NotifierMetrics собирает метрики рассылки событий трекинга.
type NotifierMetrics struct {
	subscriptions prometheus.Gauge
	deliveries    *prometheus.CounterVec
	dropped       *prometheus.CounterVec
	latency       *prometheus.HistogramVec
}

func NewNotifierMetrics() *NotifierMetrics {
	return NewNotifierMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

func NewNotifierMetricsWithRegisterer(r prometheus.Registerer) *NotifierMetrics {
	return &NotifierMetrics{
		subscriptions: gauge(r, prometheus.GaugeOpts{
			Name: "ordertrack_tracking_subscriptions",
			Help: "Active tracking subscriptions",
		}),
		deliveries: counterVec(r, prometheus.CounterOpts{
			Name: "ordertrack_tracking_deliveries_total",
			Help: "Status event deliveries by result",
		}, "result"),
		dropped: counterVec(r, prometheus.CounterOpts{
			Name: "ordertrack_tracking_events_dropped_total",
			Help: "Status events dropped before delivery",
		}, "reason"),
		latency: histogramVec(r, prometheus.HistogramOpts{
			Name:    "ordertrack_tracking_delivery_seconds",
			Help:    "Time spent delivering one event including retries",
			Buckets: prometheus.DefBuckets,
		}, "result"),
	}
}

func (m *NotifierMetrics) SubscriptionOpened() {
	if m != nil {
		m.subscriptions.Inc()
	}
}

func (m *NotifierMetrics) SubscriptionClosed() {
	if m != nil {
		m.subscriptions.Dec()
	}
}

// RecordDelivery: result = delivered|failed.
func (m *NotifierMetrics) RecordDelivery(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(result).Inc()
	m.latency.WithLabelValues(result).Observe(d.Seconds())
}

// RecordDropped: reason = stale|overflow.
func (m *NotifierMetrics) RecordDropped(reason string) {
	if m != nil {
		m.dropped.WithLabelValues(reason).Inc()
	}
}
