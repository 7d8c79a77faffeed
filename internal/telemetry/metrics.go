// Package telemetry provides application-level observability for the audit service.
//
// # Prometheus Metrics Endpoint
//
// All metrics are registered against the default Prometheus registry and are
// served by the side-channel HTTP server started by main.go:
//
//	GET http://<host>:<AUDIT_TELEMETRY_METRICS_PROMETHEUS_PORT>/metrics
//
// Default port: 9090. The endpoint is not served by the Gin router.
//
// # Metric Groups
//
//   - HTTP request counters and latency histograms (labelled by route template, not raw URL)
//   - Capture and dispatch counters for the audit interceptor
//   - Queue job state transitions, job latency and queue depth
//   - Batch insert outcomes and retention deletions
//   - Cache hit/miss/error counters
//   - Scheduler run outcomes
//   - Database connection pool gauge (polled every 30 s)
package telemetry

import (
	"database/sql"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics, labelled by method, route template and status code.
//
// Example PromQL queries:
//   - Request rate (req/s, 5 m window):  rate(http_requests_total[5m])
//   - p99 latency per route:             histogram_quantile(0.99, sum by (path, le) (rate(http_request_duration_seconds_bucket[5m])))
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests processed, by method, route template, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, by method and route template.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"method", "path"},
	)
)

// Capture metrics, recorded by the audit interceptor.
//
// AuditRecordsCapturedTotal counts every record the interceptor produced, by
// action type and outcome ("success" or "failure").
//
// AuditDispatchTotal counts how each captured record left the request path:
// "queued" (enqueued for a worker), "direct" (queue unavailable, synchronous
// write succeeded) or "dropped" (both paths failed; the record only exists in
// the error log).
//
// Example PromQL queries:
//   - Audit loss rate:  rate(audit_dispatch_total{path="dropped"}[5m])
var (
	AuditRecordsCapturedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_records_captured_total",
			Help: "Total number of audit records produced by the capture interceptor, by action type and outcome.",
		},
		[]string{"action_type", "outcome"},
	)

	AuditDispatchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_dispatch_total",
			Help: "Total number of captured audit records by dispatch path (queued, direct, dropped).",
		},
		[]string{"path"},
	)
)

// Queue metrics.
//
// AuditJobsTotal counts job state transitions ("succeeded", "retrying",
// "failed_permanently") by job type. An alert on failed_permanently is the
// signal that audit events were lost from durable storage.
//
// AuditQueueDepth mirrors the last Counts() snapshot per state.
var (
	AuditJobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_jobs_total",
			Help: "Total number of audit job state transitions, by job type and resulting state.",
		},
		[]string{"type", "state"},
	)

	AuditJobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "audit_job_duration_seconds",
			Help:    "Duration of a single audit job attempt, by job type.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"type"},
	)

	AuditQueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "audit_queue_depth",
			Help: "Number of audit jobs per queue state (waiting, active, delayed, completed, failed).",
		},
		[]string{"state"},
	)
)

// Batch and retention metrics.
var (
	AuditBatchRecordsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_batch_records_total",
			Help: "Total number of records handled by the batch service, by outcome (inserted, invalid, store_error).",
		},
		[]string{"outcome"},
	)

	AuditRetentionDeletedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_retention_deleted_total",
			Help: "Total number of audit records removed by retention, by reason (expired, archived, bulk).",
		},
		[]string{"reason"},
	)
)

// CacheOperationsTotal counts cache operations by op (get, set, delete,
// delete_pattern) and result (hit, miss, ok, error).
//
// Example PromQL queries:
//   - Hit ratio:  sum(rate(audit_cache_operations_total{op="get",result="hit"}[5m])) / sum(rate(audit_cache_operations_total{op="get"}[5m]))
var CacheOperationsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "audit_cache_operations_total",
		Help: "Total number of cache operations, by operation and result.",
	},
	[]string{"op", "result"},
)

// SchedulerRunsTotal counts scheduled job runs by job name and result
// ("success", "error", "skipped"). "skipped" means the previous run was still
// active, locally or on another replica.
var SchedulerRunsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "audit_scheduler_runs_total",
		Help: "Total number of scheduled job runs, by job and result.",
	},
	[]string{"job", "result"},
)

// DBOpenConnections tracks the number of open connections held by the pool.
// It is sampled every 30 seconds by StartDBStatsCollector.
var DBOpenConnections = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "db_open_connections",
		Help: "Current number of open database connections in the pool.",
	},
)

// StartDBStatsCollector samples sql.DB pool statistics every 30 seconds. The
// goroutine exits when the database becomes unreachable, which happens when the
// application shuts down and closes the pool.
func StartDBStatsCollector(db *sql.DB) {
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			if err := db.Ping(); err != nil {
				slog.Warn("db stats collector: database unreachable, stopping collector", "error", err)
				return
			}
			DBOpenConnections.Set(float64(db.Stats().OpenConnections))
		}
	}()
}
