package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// OutboxMetrics собирает метрики публикации transactional outbox.
type OutboxMetrics struct {
	attempts  *prometheus.CounterVec
	pending   prometheus.Gauge
	oldestAge prometheus.Gauge
	purged    prometheus.Counter
}

func NewOutboxMetrics() *OutboxMetrics {
	return NewOutboxMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

func NewOutboxMetricsWithRegisterer(r prometheus.Registerer) *OutboxMetrics {
	return &OutboxMetrics{
		attempts: counterVec(r, prometheus.CounterOpts{
			Name: "ordertrack_outbox_publish_attempts_total",
			Help: "Outbox publish attempts grouped by result",
		}, "result"),
		pending: gauge(r, prometheus.GaugeOpts{
			Name: "ordertrack_outbox_pending_records",
			Help: "Pending records in the transactional outbox",
		}),
		oldestAge: gauge(r, prometheus.GaugeOpts{
			Name: "ordertrack_outbox_oldest_pending_age_seconds",
			Help: "Age of the oldest pending outbox record",
		}),
		purged: counter(r, prometheus.CounterOpts{
			Name: "ordertrack_outbox_purged_total",
			Help: "Sent outbox records removed by the retention job",
		}),
	}
}

// RecordAttempt: result = sent|retry_error|failed|dlq_failed.
func (m *OutboxMetrics) RecordAttempt(result string) {
	if m != nil {
		m.attempts.WithLabelValues(result).Inc()
	}
}

// SetBacklog обновляет размер и возраст backlog.
func (m *OutboxMetrics) SetBacklog(pending int, oldestAge time.Duration) {
	if m == nil {
		return
	}
	if oldestAge < 0 {
		oldestAge = 0
	}
	m.pending.Set(float64(pending))
	m.oldestAge.Set(oldestAge.Seconds())
}

func (m *OutboxMetrics) RecordPurged(n int) {
	if m != nil && n > 0 {
		m.purged.Add(float64(n))
	}
}
