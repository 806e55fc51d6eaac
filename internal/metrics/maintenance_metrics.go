package metrics

import "github.com/prometheus/client_golang/prometheus"

// MaintenanceMetrics собирает метрики фоновых заданий обслуживания.
type MaintenanceMetrics struct {
	runs    *prometheus.CounterVec
	removed *prometheus.CounterVec
}

func NewMaintenanceMetrics() *MaintenanceMetrics {
	return NewMaintenanceMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

func NewMaintenanceMetricsWithRegisterer(r prometheus.Registerer) *MaintenanceMetrics {
	return &MaintenanceMetrics{
		runs: counterVec(r, prometheus.CounterOpts{
			Name: "ordertrack_maintenance_runs_total",
			Help: "Maintenance job runs grouped by job and result",
		}, "job", "result"),
		removed: counterVec(r, prometheus.CounterOpts{
			Name: "ordertrack_maintenance_removed_total",
			Help: "Records or subscriptions removed by maintenance jobs",
		}, "job"),
	}
}

// RecordRun: result = ok|error.
func (m *MaintenanceMetrics) RecordRun(job, result string) {
	if m != nil {
		m.runs.WithLabelValues(job, result).Inc()
	}
}

func (m *MaintenanceMetrics) RecordRemoved(job string, n int) {
	if m != nil && n > 0 {
		m.removed.WithLabelValues(job).Add(float64(n))
	}
}
