// Package observability provides Prometheus metrics for the medium lock daemon.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	// namespace is the Prometheus metric namespace prefix for all medialock metrics.
	namespace = "medialock"
)

// Metrics holds all Prometheus metrics for the daemon.
type Metrics struct {
	registry *prometheus.Registry

	// Lock operation metrics
	lockOpsTotal      *prometheus.CounterVec
	lockOpsDuration   *prometheus.HistogramVec
	lockRetriesTotal  prometheus.Counter
	skippedMediaTotal prometheus.Counter

	// Session metrics
	machinesLocked prometheus.Gauge
	orphanedLocks  prometheus.Gauge

	// Attachment transaction metrics
	attachmentTxnTotal *prometheus.CounterVec

	// Circuit breaker metrics
	breakerRejectionsTotal *prometheus.CounterVec

	// Audit metrics
	auditEventsTotal *prometheus.CounterVec
}

// NewMetrics creates a new Metrics instance with all metrics registered.
// Uses a custom registry so repeated construction in tests does not panic.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,

		lockOpsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "lock_operations_total",
				Help:      "Total number of lock operations by type and status",
			},
			[]string{"operation", "status"},
		),

		lockOpsDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "lock_operation_duration_seconds",
				Help:      "Duration of lock operations in seconds",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
			},
			[]string{"operation"},
		),

		lockRetriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lock_retries_total",
			Help:      "Total number of lock attempts retried after a transient failure",
		}),

		skippedMediaTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "skipped_media_total",
			Help:      "Total number of media skipped while locking because they were being created or deleted",
		}),

		machinesLocked: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "machines_locked",
			Help:      "Number of machines currently holding their medium locks",
		}),

		orphanedLocks: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "orphaned_locks",
			Help:      "Number of locked media no running machine holds, as of the last reconciliation",
		}),

		attachmentTxnTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "attachment_transactions_total",
				Help:      "Total number of attachment commits and rollbacks",
			},
			[]string{"operation"},
		),

		breakerRejectionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_rejections_total",
				Help:      "Total number of lock requests rejected by an open circuit breaker, by machine",
			},
			[]string{"machine"},
		),

		auditEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "audit_events_total",
				Help:      "Total number of audit events by category and severity",
			},
			[]string{"category", "severity"},
		),
	}

	reg.MustRegister(
		m.lockOpsTotal,
		m.lockOpsDuration,
		m.lockRetriesTotal,
		m.skippedMediaTotal,
		m.machinesLocked,
		m.orphanedLocks,
		m.attachmentTxnTotal,
		m.breakerRejectionsTotal,
		m.auditEventsTotal,
	)

	return m
}

// Handler returns an http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Registry exposes the custom registry, mainly for tests
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordLockOp records a lock operation with timing.
// operation should be one of: start, stop, change_medium, snapshot.
func (m *Metrics) RecordLockOp(operation string, err error, duration time.Duration) {
	status := "success"
	if err != nil {
		status = "failure"
	}
	m.lockOpsTotal.WithLabelValues(operation, status).Inc()
	m.lockOpsDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordLockRetry records one retried lock attempt.
func (m *Metrics) RecordLockRetry() {
	m.lockRetriesTotal.Inc()
}

// RecordSkippedMedia adds n media skipped during a lock.
func (m *Metrics) RecordSkippedMedia(n int) {
	if n > 0 {
		m.skippedMediaTotal.Add(float64(n))
	}
}

// RecordMachineLocked increments the locked machines gauge.
func (m *Metrics) RecordMachineLocked() {
	m.machinesLocked.Inc()
}

// RecordMachineUnlocked decrements the locked machines gauge.
func (m *Metrics) RecordMachineUnlocked() {
	m.machinesLocked.Dec()
}

// RecordOrphanedLocks sets the orphaned locks gauge.
func (m *Metrics) RecordOrphanedLocks(n int) {
	m.orphanedLocks.Set(float64(n))
}

// RecordAttachmentTxn records an attachment transaction.
// operation should be one of: commit, rollback.
func (m *Metrics) RecordAttachmentTxn(operation string) {
	m.attachmentTxnTotal.WithLabelValues(operation).Inc()
}

// RecordBreakerRejection records a request rejected by the machine's breaker.
func (m *Metrics) RecordBreakerRejection(machine string) {
	m.breakerRejectionsTotal.WithLabelValues(machine).Inc()
}

// RecordAuditEvent counts an audit event.
func (m *Metrics) RecordAuditEvent(category, severity string) {
	m.auditEventsTotal.WithLabelValues(category, severity).Inc()
}
