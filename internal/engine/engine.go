// Package engine runs orchestrator cycles over the vault: the pending drain,
// the approved and rejected drains, then the dashboard.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"time"

	"vaultline/internal/approval"
	"vaultline/internal/dashboard"
	"vaultline/internal/domain"
	"vaultline/internal/events"
	"vaultline/internal/health"
	"vaultline/internal/metrics"
	"vaultline/internal/plan"
	"vaultline/internal/processor"
	"vaultline/internal/store"
)

const (
	ResultSuccess = "success"
	ResultError   = "error"

	// ProcessorActor is the actor recorded for processed tasks.
	ProcessorActor = "processor"
	maxSummary     = 500
)

// Engine owns every task-state transition. Only one goroutine may run a
// cycle at a time.
type Engine struct {
	Store      store.Store
	Processor  processor.Processor
	Planner    plan.Planner
	Tracker    plan.Tracker
	Dispatcher approval.Dispatcher
	Audit      plan.Auditor
	Health     *health.Registry
	OdooURL    string
	Now        func() time.Time
	Logger     *log.Logger
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) logger() *log.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return log.Default()
}

// Outcome describes one processed task.
type Outcome struct {
	Task    string       `json:"task"`
	Done    string       `json:"done"`
	Result  string       `json:"result"`
	Summary string       `json:"summary"`
	Plan    *domain.Plan `json:"plan,omitempty"`
}

// Cycle summarises one RunOnce.
type Cycle struct {
	Processed []Outcome `json:"processed"`
	Approved  int       `json:"approved"`
	Rejected  int       `json:"rejected"`
}

// Empty reports whether the cycle found no work.
func (c Cycle) Empty() bool {
	return len(c.Processed) == 0 && c.Approved == 0 && c.Rejected == 0
}

// RunOnce drains pending tasks oldest first, then Approved, then Rejected,
// and regenerates the dashboard. Failures of single items are logged and do
// not stop the cycle.
func (e Engine) RunOnce(ctx context.Context) (Cycle, error) {
	var cycle Cycle
	pending, err := e.Store.ListPending(ctx)
	if err != nil {
		return cycle, fmt.Errorf("list pending: %w", err)
	}
	if len(pending) > 0 {
		e.logger().Printf("orchestrator: found %d pending task(s)", len(pending))
	}
	for _, d := range pending {
		if err := ctx.Err(); err != nil {
			return cycle, err
		}
		out, err := e.ProcessTask(ctx, d)
		if err != nil {
			if errors.Is(err, store.ErrAlreadyClaimed) {
				e.logger().Printf("orchestrator: %s already claimed, skipping", d.Name)
				continue
			}
			e.logger().Printf("orchestrator: process %s failed: %v", d.Name, err)
			continue
		}
		cycle.Processed = append(cycle.Processed, out)
	}

	if cycle.Approved, err = e.Dispatcher.DrainApproved(ctx); err != nil {
		e.logger().Printf("orchestrator: approved drain: %v", err)
	}
	if cycle.Rejected, err = e.Dispatcher.DrainRejected(ctx); err != nil {
		e.logger().Printf("orchestrator: rejected drain: %v", err)
	}

	if err := e.UpdateDashboard(); err != nil {
		e.logger().Printf("orchestrator: %v", err)
	}
	if cycle.Empty() {
		e.logger().Printf("orchestrator: no pending tasks or actions found")
	}
	return cycle, ctx.Err()
}

// UpdateDashboard projects the vault and rewrites Dashboard.md.
func (e Engine) UpdateDashboard() error {
	return dashboard.Write(e.Store, dashboard.Project(e.Store, e.Health, e.now(), e.OdooURL))
}

// ProcessTask claims d, plans it when complex, hands it to the processor and
// archives it in Done with one task_processed entry. ErrAlreadyClaimed is
// returned when another cycle took the task first.
func (e Engine) ProcessTask(ctx context.Context, d domain.Descriptor) (Outcome, error) {
	claimed, err := e.Store.Claim(ctx, d)
	if err != nil {
		return Outcome{}, err
	}
	e.logger().Printf("orchestrator: claimed %s", d.Name)
	out := Outcome{Task: d.Name}

	header, content, err := e.Store.Read(claimed)
	if err != nil {
		// the descriptor still exists but cannot be read; archive it as failed
		out.Result = ResultError
		out.Summary = "ERROR: " + err.Error()
		return e.finish(ctx, claimed, out, "")
	}

	current := claimed
	planFile := ""
	if plan.NeedsPlanning(header, content) {
		e.logger().Printf("orchestrator: complex task detected, creating plan for %s", d.Name)
		p, err := e.Planner.CreatePlan(ctx, claimed, content)
		if err != nil {
			e.logger().Printf("orchestrator: plan %s: %v", d.Name, err)
		} else {
			out.Plan = &p
			planFile = p.Name
			if len(p.Steps) > 0 {
				if _, err := e.Tracker.Start(claimed.Stem(), p.Steps); err != nil {
					e.logger().Printf("orchestrator: start iteration state for %s: %v", d.Name, err)
				}
			}
			if active, err := e.Store.Transition(ctx, claimed, domain.StateClaimed, domain.StatePlanActive); err == nil {
				current = active
			}
		}
	}

	handbook := e.Store.ReadFile(store.HandbookFile)
	text, err := e.Processor.Invoke(ctx, taskPrompt(handbook, content), e.Store.Root)
	out.Summary = processor.Text(text, err)
	out.Result = ResultSuccess
	if processor.Failed(text, err) {
		out.Result = ResultError
	}
	out, err = e.finish(ctx, current, out, planFile)
	if err != nil {
		return out, err
	}
	if name := header.Get("copied_to"); name != "" {
		if archived, err := e.Store.ArchiveAttachment(ctx, filepath.Base(name)); err != nil {
			e.logger().Printf("orchestrator: archive attachment %s: %v", name, err)
		} else {
			e.logger().Printf("orchestrator: moved attachment to Done: %s", archived)
		}
	}
	return out, nil
}

// finish writes the task_processed entry and moves the descriptor to Done.
func (e Engine) finish(ctx context.Context, d domain.Descriptor, out Outcome, planFile string) (Outcome, error) {
	payload := events.Payload{
		"task_file": out.Task,
		"result":    out.Result,
		"summary":   truncate(out.Summary, maxSummary),
	}
	if planFile != "" {
		payload["plan_file"] = planFile
	}
	if e.Audit != nil {
		if _, err := e.Audit.Append(ctx, events.TaskProcessed, ProcessorActor, payload); err != nil {
			e.logger().Printf("orchestrator: audit %s: %v", out.Task, err)
		}
	}
	metrics.TasksProcessed.WithLabelValues(out.Result).Inc()

	var done domain.Descriptor
	var err error
	if out.Result == ResultError {
		done, err = e.Store.Fail(ctx, d)
	} else {
		done, err = e.Store.Complete(ctx, d)
	}
	if err != nil {
		return out, fmt.Errorf("archive %s: %w", out.Task, err)
	}
	out.Done = done.Name
	e.logger().Printf("orchestrator: moved to Done: %s", done.Name)
	return out, nil
}

func taskPrompt(handbook, content string) string {
	return fmt.Sprintf(`You are an operations assistant processing a task from the vault.

## Company Rules
%s

## Task to Process
%s

## Instructions
1. Read and understand the task
2. Determine what actions are needed
3. If the task requires human approval (payments, sensitive actions), create a file in Pending_Approval/
4. Otherwise, process the task and provide a summary
5. Be concise in your response

Respond with a brief summary of what you did or what needs to happen next.`, handbook, content)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
