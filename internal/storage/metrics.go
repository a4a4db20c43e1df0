// Package storage provides Prometheus metrics for storage and lock adapter operations.
package storage

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// BackendType indicates the active persistence backend.
	// Values: 1 = sqlite (lite), 2 = postgres (standard)
	BackendType = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "txproxy",
			Subsystem: "storage",
			Name:      "backend_type",
			Help:      "Active storage backend (1=sqlite, 2=postgres)",
		},
		[]string{"backend"},
	)

	// OperationsTotal counts adapter operations by kind, backend, and status.
	OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "txproxy",
			Subsystem: "storage",
			Name:      "operations_total",
			Help:      "Total storage adapter operations by operation, backend, status",
		},
		[]string{"operation", "backend", "status"},
	)

	// OperationDuration tracks adapter operation latency in seconds.
	OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "txproxy",
			Subsystem: "storage",
			Name:      "operation_duration_seconds",
			Help:      "Storage adapter operation duration in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
		},
		[]string{"operation", "backend"},
	)

	// ErrorsTotal counts adapter errors by operation, backend, and error type.
	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "txproxy",
			Subsystem: "storage",
			Name:      "errors_total",
			Help:      "Total storage adapter errors by operation, backend, error type",
		},
		[]string{"operation", "backend", "error_type"},
	)

	// SQLiteFileSizeBytes tracks the SQLite database file size (Lite profile only).
	SQLiteFileSizeBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "txproxy",
			Subsystem: "storage",
			Name:      "sqlite_file_size_bytes",
			Help:      "SQLite database file size in bytes (Lite profile only)",
		},
	)

	// HealthStatus indicates storage health state.
	// Values: 0 = unhealthy, 1 = healthy
	HealthStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "txproxy",
			Subsystem: "storage",
			Name:      "health_status",
			Help:      "Storage health status (0=unhealthy, 1=healthy)",
		},
		[]string{"backend"},
	)

	// Connections tracks connection pool statistics (Postgres only).
	Connections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "txproxy",
			Subsystem: "storage",
			Name:      "connections",
			Help:      "Storage connection pool stats (Postgres only)",
		},
		[]string{"backend", "state"},
	)

	// LockWaitDuration tracks time spent waiting to acquire a lock.
	LockWaitDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "txproxy",
			Subsystem: "lock",
			Name:      "wait_duration_seconds",
			Help:      "Time spent waiting to acquire a lock, by kind and provider",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
		[]string{"kind", "provider"},
	)

	// LockContentionTotal counts failed non-suspending lock attempts.
	LockContentionTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "txproxy",
			Subsystem: "lock",
			Name:      "contention_total",
			Help:      "Total non-suspending lock attempts that found the lock already held",
		},
		[]string{"kind", "provider"},
	)
)

// RecordOperation records a storage adapter operation outcome.
func RecordOperation(operation, backend, status string) {
	OperationsTotal.WithLabelValues(operation, backend, status).Inc()
}

// RecordOperationDuration records adapter operation latency in seconds.
func RecordOperationDuration(operation, backend string, seconds float64) {
	OperationDuration.WithLabelValues(operation, backend).Observe(seconds)
}

// RecordError records a storage adapter error with type classification.
func RecordError(operation, backend, errorType string) {
	ErrorsTotal.WithLabelValues(operation, backend, errorType).Inc()
}

// SetBackendType sets the active storage backend indicator.
func SetBackendType(backend string, value float64) {
	BackendType.WithLabelValues(backend).Set(value)
}

// SetHealthStatus sets storage health status.
func SetHealthStatus(backend string, status float64) {
	HealthStatus.WithLabelValues(backend).Set(status)
}

// SetSQLiteFileSize sets the SQLite file size in bytes (Lite profile only).
func SetSQLiteFileSize(bytes int64) {
	SQLiteFileSizeBytes.Set(float64(bytes))
}

// SetConnectionStats sets connection pool stats (Postgres only).
func SetConnectionStats(backend string, total, idle, inUse int32) {
	Connections.WithLabelValues(backend, "total").Set(float64(total))
	Connections.WithLabelValues(backend, "idle").Set(float64(idle))
	Connections.WithLabelValues(backend, "in_use").Set(float64(inUse))
}

// RecordLockWait records time spent waiting on a lock acquisition.
func RecordLockWait(kind, provider string, seconds float64) {
	LockWaitDuration.WithLabelValues(kind, provider).Observe(seconds)
}

// RecordLockContention records a failed non-suspending lock attempt.
func RecordLockContention(kind, provider string) {
	LockContentionTotal.WithLabelValues(kind, provider).Inc()
}
