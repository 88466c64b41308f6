// Package metrics provides Prometheus metrics collection for the
// backup/restore engine (C18).
package metrics

import (
	"os"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics exposed on /metrics.
type Metrics struct {
	// HTTP metrics
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	// Error metrics
	ErrorsTotal *prometheus.CounterVec

	// Run lifecycle metrics
	RunsTotal          *prometheus.CounterVec
	RunDuration        *prometheus.HistogramVec
	RunsInFlight       prometheus.Gauge
	ArchiveBytesTotal  *prometheus.CounterVec
	ArchiveFilesTotal  *prometheus.CounterVec

	// Reconciler metrics
	ReconcilerTasksTotal   *prometheus.CounterVec
	ReconcilerTaskDuration *prometheus.HistogramVec
	ReconcilerQueueDepth   *prometheus.GaugeVec

	// Database metrics
	DatabaseQueriesTotal    *prometheus.CounterVec
	DatabaseQueryDuration   *prometheus.HistogramVec
	DatabaseConnectionsOpen prometheus.Gauge

	// Service health
	ServiceUptime prometheus.Gauge
	ServiceInfo   *prometheus.GaugeVec
}

// New creates a new Metrics instance with all collectors registered
// against the default Prometheus registry.
func New(serviceName string) *Metrics {
	return NewWithRegistry(serviceName, prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a new Metrics instance with a custom
// registry, primarily for test isolation.
func NewWithRegistry(serviceName string, registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"service", "method", "path", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"service", "method", "path"},
		),
		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "Current number of HTTP requests being processed",
			},
		),

		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "errors_total",
				Help: "Total number of errors",
			},
			[]string{"service", "type", "operation"},
		),

		RunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "backup_runs_total",
				Help: "Total number of backup/restore runs by terminal status",
			},
			[]string{"job_id", "status"},
		),
		RunDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "backup_run_duration_seconds",
				Help:    "Run duration in seconds, started_at to ended_at",
				Buckets: []float64{1, 5, 30, 60, 300, 900, 3600, 14400, 43200},
			},
			[]string{"job_id", "status"},
		),
		RunsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "backup_runs_in_flight",
				Help: "Current number of runs in the running state",
			},
		),
		ArchiveBytesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "backup_archive_bytes_total",
				Help: "Total bytes written to archive parts",
			},
			[]string{"job_id"},
		),
		ArchiveFilesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "backup_archive_files_total",
				Help: "Total files recorded in the entries index",
			},
			[]string{"job_id"},
		),

		ReconcilerTasksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reconciler_tasks_total",
				Help: "Total reconciler task outcomes by loop kind and terminal status",
			},
			[]string{"kind", "status"},
		),
		ReconcilerTaskDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "reconciler_task_duration_seconds",
				Help:    "Time spent processing one reconciler task",
				Buckets: []float64{.01, .05, .1, .5, 1, 5, 30, 120},
			},
			[]string{"kind"},
		),
		ReconcilerQueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "reconciler_queue_depth",
				Help: "Non-terminal task count per reconciler loop kind",
			},
			[]string{"kind"},
		),

		DatabaseQueriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "database_queries_total",
				Help: "Total number of database queries",
			},
			[]string{"service", "operation", "status"},
		),
		DatabaseQueryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "database_query_duration_seconds",
				Help:    "Database query duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"service", "operation"},
		),
		DatabaseConnectionsOpen: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "database_connections_open",
				Help: "Current number of open database connections",
			},
		),

		ServiceUptime: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "service_uptime_seconds",
				Help: "Service uptime in seconds",
			},
		),
		ServiceInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "service_info",
				Help: "Service information",
			},
			[]string{"service", "version", "environment"},
		),
	}

	if registerer != nil {
		registerer.MustRegister(
			m.RequestsTotal,
			m.RequestDuration,
			m.RequestsInFlight,
			m.ErrorsTotal,
			m.RunsTotal,
			m.RunDuration,
			m.RunsInFlight,
			m.ArchiveBytesTotal,
			m.ArchiveFilesTotal,
			m.ReconcilerTasksTotal,
			m.ReconcilerTaskDuration,
			m.ReconcilerQueueDepth,
			m.DatabaseQueriesTotal,
			m.DatabaseQueryDuration,
			m.DatabaseConnectionsOpen,
			m.ServiceUptime,
			m.ServiceInfo,
		)
	}

	m.ServiceInfo.WithLabelValues(serviceName, "1.0.0", getEnvironment()).Set(1)

	return m
}

// RecordHTTPRequest records an HTTP request.
func (m *Metrics) RecordHTTPRequest(service, method, path, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(service, method, path, status).Inc()
	m.RequestDuration.WithLabelValues(service, method, path).Observe(duration.Seconds())
}

// RecordError records an error.
func (m *Metrics) RecordError(service, errorType, operation string) {
	m.ErrorsTotal.WithLabelValues(service, errorType, operation).Inc()
}

// RecordRun records a run's terminal status and wall-clock duration.
func (m *Metrics) RecordRun(jobID, status string, duration time.Duration) {
	m.RunsTotal.WithLabelValues(jobID, status).Inc()
	m.RunDuration.WithLabelValues(jobID, status).Observe(duration.Seconds())
}

// RecordArchiveProgress adds to a job's cumulative archive byte and
// file counters, called as the archive pipeline streams entries.
func (m *Metrics) RecordArchiveProgress(jobID string, bytes int64, files int64) {
	m.ArchiveBytesTotal.WithLabelValues(jobID).Add(float64(bytes))
	m.ArchiveFilesTotal.WithLabelValues(jobID).Add(float64(files))
}

// RecordReconcilerTask records one reconciler task's terminal outcome
// and processing latency.
func (m *Metrics) RecordReconcilerTask(kind, status string, duration time.Duration) {
	m.ReconcilerTasksTotal.WithLabelValues(kind, status).Inc()
	m.ReconcilerTaskDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// SetReconcilerQueueDepth reports the current non-terminal task count
// for one reconciler loop kind.
func (m *Metrics) SetReconcilerQueueDepth(kind string, depth int) {
	m.ReconcilerQueueDepth.WithLabelValues(kind).Set(float64(depth))
}

// RecordDatabaseQuery records a database query.
func (m *Metrics) RecordDatabaseQuery(service, operation, status string, duration time.Duration) {
	m.DatabaseQueriesTotal.WithLabelValues(service, operation, status).Inc()
	m.DatabaseQueryDuration.WithLabelValues(service, operation).Observe(duration.Seconds())
}

// SetDatabaseConnections sets the number of open database connections.
func (m *Metrics) SetDatabaseConnections(count int) {
	m.DatabaseConnectionsOpen.Set(float64(count))
}

// UpdateUptime updates the service uptime gauge.
func (m *Metrics) UpdateUptime(startTime time.Time) {
	m.ServiceUptime.Set(time.Since(startTime).Seconds())
}

// IncrementInFlight increments the in-flight HTTP requests counter.
func (m *Metrics) IncrementInFlight() { m.RequestsInFlight.Inc() }

// DecrementInFlight decrements the in-flight HTTP requests counter.
func (m *Metrics) DecrementInFlight() { m.RequestsInFlight.Dec() }

// IncrementRunsInFlight increments the in-flight runs gauge.
func (m *Metrics) IncrementRunsInFlight() { m.RunsInFlight.Inc() }

// DecrementRunsInFlight decrements the in-flight runs gauge.
func (m *Metrics) DecrementRunsInFlight() { m.RunsInFlight.Dec() }

func getEnvironment() string {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv("ENVIRONMENT")))
	if raw == "" {
		return "development"
	}
	return raw
}

// Enabled returns whether Prometheus metrics should be exposed.
//
// Defaults:
//   - production: disabled unless explicitly enabled via METRICS_ENABLED
//   - non-production: enabled unless explicitly disabled via METRICS_ENABLED
func Enabled() bool {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv("METRICS_ENABLED")))
	if raw == "" {
		return getEnvironment() != "production"
	}
	switch raw {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

var (
	globalMetrics *Metrics
	globalMu      sync.Mutex
)

// Init initializes the global metrics instance.
func Init(serviceName string) *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalMetrics == nil {
		globalMetrics = New(serviceName)
	}
	return globalMetrics
}

// Global returns the global metrics instance.
func Global() *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalMetrics == nil {
		globalMetrics = New("unknown")
	}
	return globalMetrics
}
