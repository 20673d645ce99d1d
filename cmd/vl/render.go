package main

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/jedib0t/go-pretty/v6/table"

	"vaultline/internal/dashboard"
	"vaultline/internal/domain"
)

var (
	okBadge = lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("#FFFFFF")).
		Background(lipgloss.Color("#2E8B57")).
		Padding(0, 1)
	degradedBadge = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FFFFFF")).
			Background(lipgloss.Color("#FF6B6B")).
			Padding(0, 1)
	heading = lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("#5B8DEF"))
	muted = lipgloss.NewStyle().Foreground(lipgloss.Color("#AAAAAA"))
)

func badge(ok bool) string {
	if ok {
		return okBadge.Render("OK")
	}
	return degradedBadge.Render("DEGRADED")
}

func newTable() table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleLight)
	return t
}

func renderSnapshot(snap domain.Snapshot, healthy bool) {
	fmt.Printf("%s %s\n", heading.Render("Vaultline"), badge(healthy))
	fmt.Println(muted.Render("generated " + snap.GeneratedAt))
	t := newTable()
	t.AppendHeader(table.Row{"Folder", "Count"})
	for _, f := range dashboard.Folders {
		t.AppendRow(table.Row{f, snap.Counts[f]})
	}
	t.AppendSeparator()
	t.AppendRow(table.Row{"Done today", snap.DoneToday})
	t.AppendRow(table.Row{"Social drafts pending", snap.SocialPending})
	t.AppendRow(table.Row{"Odoo", snap.OdooStatus})
	if snap.ActivePlan != "" {
		t.AppendRow(table.Row{"Active plan", snap.ActivePlan + " " + snap.ActivePlanSteps})
	}
	t.Render()
	if len(snap.Services) > 0 {
		renderServices(snap.Services)
	}
}

func renderServices(services map[string]domain.ServiceHealth) {
	names := make([]string, 0, len(services))
	for name := range services {
		names = append(names, name)
	}
	sort.Strings(names)
	t := newTable()
	t.AppendHeader(table.Row{"Service", "Healthy", "Last check", "Last error"})
	for _, name := range names {
		rec := services[name]
		lastErr := ""
		if rec.LastError != nil {
			lastErr = oneLine(*rec.LastError, 60)
		}
		t.AppendRow(table.Row{name, rec.Healthy, rec.LastCheck, lastErr})
	}
	t.Render()
}

func renderDescriptors(items []domain.Descriptor) {
	t := newTable()
	t.AppendHeader(table.Row{"Name", "State", "Kind", "Modified"})
	for _, d := range items {
		t.AppendRow(table.Row{d.Name, d.State, d.Kind, d.ModTime})
	}
	t.Render()
}

func renderEvents(items []domain.Event) {
	t := newTable()
	t.AppendHeader(table.Row{"Time", "Action", "Actor", "File"})
	for _, e := range items {
		t.AppendRow(table.Row{e.TS, e.ActionType, e.Actor, e.File})
	}
	t.Render()
}

func renderPlan(st domain.IterationState) {
	fmt.Printf("%s %s (iteration %d/%d)\n", heading.Render("Plan"), st.TaskName, st.Iteration, st.MaxIterations)
	t := newTable()
	t.AppendHeader(table.Row{"Step", "Done", "Description"})
	for _, s := range st.Steps {
		mark := " "
		if s.Completed {
			mark = "x"
		}
		t.AppendRow(table.Row{s.ID, mark, s.Description})
	}
	t.Render()
}

func oneLine(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}
