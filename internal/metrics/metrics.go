// Package metrics records job and row counters for the export and import
// pipelines and can write them to a node-exporter textfile.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "crate"

// Metrics holds the pipeline collectors on their own registry.
type Metrics struct {
	registry *prometheus.Registry

	jobs        *prometheus.CounterVec
	jobDuration *prometheus.HistogramVec
	rows        *prometheus.CounterVec
	skipped     *prometheus.CounterVec
	running     prometheus.Gauge
}

// New registers the collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		// Labels: kind (export, import), status (completed_successfully, completed_failed)
		jobs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "total",
			Help:      "Jobs finished, by kind and terminal status",
		}, []string{"kind", "status"}),
		jobDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "duration_seconds",
			Help:      "Wall time of finished jobs",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 3600},
		}, []string{"kind"}),
		// Labels: kind, table
		rows: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rows",
			Name:      "processed_total",
			Help:      "Rows written to archives or restored from them",
		}, []string{"kind", "table"}),
		skipped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rows",
			Name:      "skipped_total",
			Help:      "Rows dropped during import, by table and reason",
		}, []string{"table", "reason"}),
		running: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "running",
			Help:      "Jobs currently processing",
		}),
	}
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// JobStarted marks a job as running.
func (m *Metrics) JobStarted() { m.running.Inc() }

// JobFinished records a job's outcome and duration.
func (m *Metrics) JobFinished(kind, status string, d time.Duration) {
	m.running.Dec()
	m.jobs.WithLabelValues(kind, status).Inc()
	m.jobDuration.WithLabelValues(kind).Observe(d.Seconds())
}

// Rows counts n rows of table processed by a job of kind.
func (m *Metrics) Rows(kind, table string, n int) {
	if n > 0 {
		m.rows.WithLabelValues(kind, table).Add(float64(n))
	}
}

// Skipped counts one row of table dropped for reason.
func (m *Metrics) Skipped(table, reason string) {
	m.skipped.WithLabelValues(table, reason).Inc()
}

// WriteTextfile writes every collector to path in the text exposition format.
func (m *Metrics) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, m.registry)
}
