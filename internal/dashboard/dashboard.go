// Package dashboard projects the vault into counts and renders Dashboard.md.
package dashboard

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"vaultline/internal/domain"
	"vaultline/internal/frontmatter"
	"vaultline/internal/health"
	"vaultline/internal/metrics"
	"vaultline/internal/plan"
	"vaultline/internal/social"
	"vaultline/internal/store"
)

// Version is written into the dashboard header.
const Version = "0.3.0"

// Folders are the vault folders counted on the dashboard, in display order.
var Folders = []string{
	domain.StatePending.Dir(),
	domain.StateClaimed.Dir(),
	domain.StateAwaitingApproval.Dir(),
	domain.StateApproved.Dir(),
	domain.StateRejected.Dir(),
	store.DirPlans,
}

// OdooStatus is the dashboard line for an Odoo URL.
func OdooStatus(url string) string {
	if strings.TrimSpace(url) == "" {
		return "Not configured"
	}
	return fmt.Sprintf("Configured (%s)", url)
}

// Project computes the snapshot of the vault at now. It only reads.
func Project(s store.Store, reg *health.Registry, now time.Time, odooURL string) domain.Snapshot {
	snap := domain.Snapshot{
		GeneratedAt:   now.UTC().Format(time.RFC3339),
		Counts:        map[string]int{},
		DoneToday:     s.DoneToday(now),
		SocialPending: s.CountPrefix(domain.StateAwaitingApproval.Dir(), social.DraftPrefixes()...),
		OdooStatus:    OdooStatus(odooURL),
		Services:      map[string]domain.ServiceHealth{},
	}
	for _, f := range Folders {
		snap.Counts[f] = s.Count(f)
	}
	if reg != nil {
		snap.Services = reg.Status()
	}
	if st, ok := (plan.Tracker{Root: s.Root}).Get(); ok {
		done := 0
		for _, step := range st.Steps {
			if step.Completed {
				done++
			}
		}
		snap.ActivePlan = st.TaskName
		snap.ActivePlanSteps = fmt.Sprintf("%d/%d (iteration %d/%d)", done, len(st.Steps), st.Iteration, st.MaxIterations)
	}
	return snap
}

// Write renders snap into Dashboard.md, replacing the whole file, and
// publishes the folder counts as gauges.
func Write(s store.Store, snap domain.Snapshot) error {
	for folder, n := range snap.Counts {
		metrics.FolderDescriptors.WithLabelValues(folder).Set(float64(n))
	}
	metrics.PendingTasks.Set(float64(snap.Counts[domain.StatePending.Dir()]))
	data, err := Render(snap)
	if err != nil {
		return err
	}
	if err := store.WriteFileAtomic(s.Path(store.DashboardFile), data, 0o644); err != nil {
		return fmt.Errorf("write dashboard: %w", err)
	}
	return nil
}

// Render returns the Markdown for snap.
func Render(snap domain.Snapshot) ([]byte, error) {
	ts := snap.GeneratedAt
	c := snap.Counts
	var b strings.Builder
	b.WriteString("# Operations Dashboard\n\n")
	b.WriteString("## System Status\n")
	b.WriteString("| Component | Status | Last Check |\n")
	b.WriteString("|-----------|--------|------------|\n")
	fmt.Fprintf(&b, "| Orchestrator | Active | %s |\n", ts)
	fmt.Fprintf(&b, "| Odoo (Accounting) | %s | %s |\n", snap.OdooStatus, ts)
	names := make([]string, 0, len(snap.Services))
	for name := range snap.Services {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		svc := snap.Services[name]
		status := "Healthy"
		if !svc.Healthy {
			status = "Degraded"
			if svc.LastError != nil {
				status += ": " + oneLine(*svc.LastError)
			}
		}
		fmt.Fprintf(&b, "| %s | %s | %s |\n", name, status, svc.LastCheck)
	}

	b.WriteString("\n## Inbox Summary\n")
	fmt.Fprintf(&b, "- **Pending Actions**: %d\n", c[domain.StatePending.Dir()])
	fmt.Fprintf(&b, "- **In Progress**: %d\n", c[domain.StateClaimed.Dir()])
	fmt.Fprintf(&b, "- **Completed Today**: %d\n", snap.DoneToday)

	b.WriteString("\n## Approval Queue\n")
	fmt.Fprintf(&b, "- **Pending Approval**: %d\n", c[domain.StateAwaitingApproval.Dir()])
	fmt.Fprintf(&b, "- **Social Media Drafts Pending**: %d\n", snap.SocialPending)
	fmt.Fprintf(&b, "- **Approved (ready)**: %d\n", c[domain.StateApproved.Dir()])
	fmt.Fprintf(&b, "- **Rejected (to archive)**: %d\n", c[domain.StateRejected.Dir()])
	fmt.Fprintf(&b, "- **Active Plans**: %d\n", c[store.DirPlans])
	if snap.ActivePlan != "" {
		fmt.Fprintf(&b, "- **Current Plan**: %s, steps %s\n", snap.ActivePlan, snap.ActivePlanSteps)
	}

	b.WriteString("\n## Quick Links\n")
	b.WriteString("- [[Company_Handbook]] - Rules of engagement\n")
	b.WriteString("- [[Business_Goals]] - Content strategy\n")
	b.WriteString("- [[Needs_Action/]] - Items requiring processing\n")
	b.WriteString("- [[Pending_Approval/]] - Awaiting human approval\n")
	b.WriteString("- [[Plans/]] - Active task plans\n")
	b.WriteString("- [[Done/]] - Completed tasks\n")
	b.WriteString("- [[Logs/]] - Audit trail\n")
	b.WriteString("- [[Briefings/]] - Daily & weekly summaries\n")

	return frontmatter.Render([]frontmatter.Field{
		{Key: "last_updated", Value: ts},
		{Key: "version", Value: Version},
	}, b.String())
}

func oneLine(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "|", "/")
	if r := []rune(s); len(r) > 80 {
		s = string(r[:80]) + "..."
	}
	return s
}
