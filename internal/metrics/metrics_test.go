package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestCollectorsRegistered(t *testing.T) {
	TasksProcessed.WithLabelValues("success").Inc()
	ApprovalsExecuted.WithLabelValues("odoo_payment", "needs_approval").Inc()
	ProcessorInvocations.WithLabelValues("timeout").Inc()
	JobRuns.WithLabelValues("dashboard_refresh", "ok").Inc()
	ServiceHealthy.WithLabelValues("odoo").Set(BoolGauge(false))
	AuditEntries.WithLabelValues("task_processed").Inc()

	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("Gather() error: %v", err)
	}
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, name := range []string{
		"vaultline_tasks_processed_total",
		"vaultline_approvals_executed_total",
		"vaultline_processor_invocations_total",
		"vaultline_job_runs_total",
		"vaultline_service_healthy",
		"vaultline_audit_entries_total",
	} {
		if !names[name] {
			t.Errorf("metric %q not found", name)
		}
	}
}

func gaugeValue(t *testing.T, name, label, value string) float64 {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("Gather() error: %v", err)
	}
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, m := range f.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == label && lp.GetValue() == value {
					return m.GetGauge().GetValue()
				}
			}
		}
	}
	t.Fatalf("%s{%s=%q} not found", name, label, value)
	return 0
}

func TestServiceHealthyGauge(t *testing.T) {
	ServiceHealthy.WithLabelValues("gmail").Set(BoolGauge(true))
	if got := gaugeValue(t, "vaultline_service_healthy", "service", "gmail"); got != 1 {
		t.Fatalf("gmail gauge = %v, want 1", got)
	}
	ServiceHealthy.WithLabelValues("gmail").Set(BoolGauge(false))
	if got := gaugeValue(t, "vaultline_service_healthy", "service", "gmail"); got != 0 {
		t.Fatalf("gmail gauge = %v, want 0", got)
	}
}
