// Package metrics exposes Prometheus collectors for the orchestrator, its
// scheduled jobs and the external services it depends on.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "vaultline"

// Tasks

// TasksProcessed counts pending descriptors handled by result (success, error).
var TasksProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "tasks_processed_total",
	Help:      "Pending descriptors processed, by result.",
}, []string{"result"})

// ApprovalsExecuted counts approved actions dispatched, by action kind and result.
var ApprovalsExecuted = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "approvals_executed_total",
	Help:      "Approved actions executed, by action and result.",
}, []string{"action", "result"})

// ApprovalsRejected counts rejected descriptors archived.
var ApprovalsRejected = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "approvals_rejected_total",
	Help:      "Rejected actions archived.",
})

// PendingTasks tracks descriptors waiting in Needs_Action.
var PendingTasks = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: namespace,
	Name:      "pending_tasks",
	Help:      "Descriptors waiting in Needs_Action.",
})

// FolderDescriptors tracks the descriptor count of each vault folder.
var FolderDescriptors = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: namespace,
	Name:      "folder_descriptors",
	Help:      "Descriptors currently in each vault folder.",
}, []string{"folder"})

// Processor

// ProcessorInvocations counts reasoning-processor attempts by result
// (ok, timeout, exit_error, not_found).
var ProcessorInvocations = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "processor_invocations_total",
	Help:      "Reasoning processor attempts by result.",
}, []string{"result"})

// ProcessorLatency tracks wall time of a single processor attempt.
var ProcessorLatency = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: namespace,
	Name:      "processor_latency_seconds",
	Help:      "Reasoning processor attempt duration in seconds.",
	Buckets:   []float64{0.5, 1, 5, 10, 30, 60, 120},
})

// Plans

// PlanIteration tracks the iteration counter of the active plan (0 when none).
var PlanIteration = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: namespace,
	Name:      "plan_iteration",
	Help:      "Iteration counter of the active plan.",
})

// Scheduler

// JobRuns counts scheduled job executions by job and result (ok, error).
var JobRuns = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "job_runs_total",
	Help:      "Scheduled job runs by job and result.",
}, []string{"job", "result"})

// JobDuration tracks job run duration in seconds.
var JobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: namespace,
	Name:      "job_duration_seconds",
	Help:      "Scheduled job duration in seconds.",
	Buckets:   prometheus.DefBuckets,
}, []string{"job"})

// Health

// ServiceHealthy tracks external service health (1=healthy, 0=unhealthy).
var ServiceHealthy = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: namespace,
	Name:      "service_healthy",
	Help:      "External service health (1=healthy, 0=unhealthy).",
}, []string{"service"})

// Degraded is 1 while the degraded marker is present.
var Degraded = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: namespace,
	Name:      "degraded",
	Help:      "1 while the orchestrator runs in degraded mode.",
})

// Audit

// AuditEntries counts audit log appends by action type.
var AuditEntries = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "audit_entries_total",
	Help:      "Audit log entries appended, by action type.",
}, []string{"action_type"})

// BoolGauge converts a health flag into a gauge value.
func BoolGauge(ok bool) float64 {
	if ok {
		return 1
	}
	return 0
}
