package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// OrderMetrics собирает метрики команд фасада заказов.
type OrderMetrics struct {
	created     prometheus.Counter
	transitions *prometheus.CounterVec
	failures    *prometheus.CounterVec
	conflicts   prometheus.Counter
	duration    *prometheus.HistogramVec
}

// NewOrderMetrics регистрирует метрики в DefaultRegisterer.
func NewOrderMetrics() *OrderMetrics {
	return NewOrderMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

// NewOrderMetricsWithRegisterer регистрирует метрики в переданном реестре.
func NewOrderMetricsWithRegisterer(r prometheus.Registerer) *OrderMetrics {
	return &OrderMetrics{
		created: counter(r, prometheus.CounterOpts{
			Name: "ordertrack_orders_created_total",
			Help: "Total number of orders created",
		}),
		transitions: counterVec(r, prometheus.CounterOpts{
			Name: "ordertrack_order_transitions_total",
			Help: "Committed order status transitions",
		}, "from", "to"),
		failures: counterVec(r, prometheus.CounterOpts{
			Name: "ordertrack_order_operation_failures_total",
			Help: "Failed facade operations by error kind",
		}, "operation", "kind"),
		conflicts: counter(r, prometheus.CounterOpts{
			Name: "ordertrack_order_version_conflicts_total",
			Help: "Writes rejected by optimistic concurrency control",
		}),
		duration: histogramVec(r, prometheus.HistogramOpts{
			Name:    "ordertrack_order_operation_duration_seconds",
			Help:    "Duration of facade operations in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
		}, "operation"),
	}
}

// RecordCreated увеличивает счётчик созданных заказов.
func (m *OrderMetrics) RecordCreated() {
	if m == nil {
		return
	}
	m.created.Inc()
}

// RecordTransition учитывает переход статуса после коммита.
func (m *OrderMetrics) RecordTransition(from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(from, to).Inc()
}

// RecordFailure учитывает ошибку операции; conflict дополнительно идёт в отдельный счётчик.
func (m *OrderMetrics) RecordFailure(operation, kind string) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(operation, kind).Inc()
	if kind == "conflict" {
		m.conflicts.Inc()
	}
}

func (m *OrderMetrics) RecordDuration(operation string, d time.Duration) {
	if m == nil {
		return
	}
	m.duration.WithLabelValues(operation).Observe(d.Seconds())
}
