// Package plan classifies complex descriptors, materialises their checklist
// plans and bounds how many automated iterations a plan may consume.
package plan

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"strings"
	"time"

	"vaultline/internal/domain"
	"vaultline/internal/events"
	"vaultline/internal/frontmatter"
	"vaultline/internal/processor"
	"vaultline/internal/store"
)

const (
	checkboxMarker = "- [ ]"
	minChecklist   = 5
	stepIDLen      = 40
)

var complexTypes = map[string]struct{}{
	"multi_step": {},
	"complex":    {},
	"project":    {},
}

// NeedsPlanning reports whether a descriptor is complex. Only structural
// markers are inspected: the type and needs_plan header keys, the number of
// unchecked checklist items and two literal phrases.
func NeedsPlanning(header frontmatter.Header, content string) bool {
	if _, ok := complexTypes[header.Get("type")]; ok {
		return true
	}
	if strings.EqualFold(header.Get("needs_plan"), "true") {
		return true
	}
	if strings.Count(content, checkboxMarker) >= minChecklist {
		return true
	}
	lower := strings.ToLower(content)
	return strings.Contains(lower, "multi-step") || strings.Contains(lower, "complex task")
}

// StepID derives a step id from its description.
func StepID(desc string) string {
	r := []rune(desc)
	if len(r) > stepIDLen {
		r = r[:stepIDLen]
	}
	return strings.ReplaceAll(strings.ToLower(string(r)), " ", "_")
}

// ExtractSteps collects unchecked checklist lines in order. Colliding ids get
// a _2, _3 ... suffix.
func ExtractSteps(text string) []domain.Step {
	var steps []domain.Step
	used := map[string]bool{}
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, checkboxMarker) {
			continue
		}
		desc := strings.TrimSpace(trimmed[len(checkboxMarker):])
		base := StepID(desc)
		id := base
		for n := 2; used[id]; n++ {
			id = fmt.Sprintf("%s_%d", base, n)
		}
		used[id] = true
		steps = append(steps, domain.Step{ID: id, Description: desc})
	}
	return steps
}

// Auditor appends audit entries.
type Auditor interface {
	Append(ctx context.Context, actionType, actor string, payload events.Payload) (domain.AuditEntry, error)
}

// Planner writes Plans/PLAN_<stem>.md for complex descriptors.
type Planner struct {
	Store     store.Store
	Processor processor.Processor
	Audit     Auditor
	Now       func() time.Time
	Logger    *log.Logger
}

func (p Planner) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

func (p Planner) logger() *log.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return log.Default()
}

// PlanName returns the plan file name for a descriptor.
func PlanName(d domain.Descriptor) string {
	return "PLAN_" + d.Stem() + ".md"
}

// CreatePlan asks the processor for a plan and writes it. When the processor
// fails the fallback template is written instead.
func (p Planner) CreatePlan(ctx context.Context, d domain.Descriptor, content string) (domain.Plan, error) {
	handbook := p.Store.ReadFile(store.HandbookFile)
	text, err := p.Processor.Invoke(ctx, planPrompt(handbook, content), p.Store.Root)
	fallback := processor.Failed(text, err)
	if fallback {
		p.logger().Printf("planner: processor failed for %s, writing template: %v", d.Name, err)
		text = p.fallback(d, content)
	}
	name := PlanName(d)
	path := p.Store.Path(store.DirPlans, name)
	if err := store.WriteFileAtomic(path, []byte(text), 0o644); err != nil {
		return domain.Plan{}, fmt.Errorf("write plan %s: %w", name, err)
	}
	p.logger().Printf("planner: created %s", name)
	if p.Audit != nil {
		if _, err := p.Audit.Append(ctx, events.PlanCreated, "orchestrator", events.Payload{
			"task_file": d.Name,
			"plan_file": name,
			"fallback":  fallback,
		}); err != nil {
			p.logger().Printf("planner: audit %s: %v", name, err)
		}
	}
	return domain.Plan{
		Name:       name,
		Path:       filepath.ToSlash(filepath.Join(store.DirPlans, name)),
		SourceTask: d.Name,
		Fallback:   fallback,
		Steps:      ExtractSteps(text),
	}, nil
}

func (p Planner) fallback(d domain.Descriptor, content string) string {
	header, _ := frontmatter.Lenient([]byte(content))
	body := fmt.Sprintf(`# Plan: %[1]s

## Objective
Process task: %[1]s

## Steps
- [ ] Review task content and requirements
- [ ] Determine necessary actions
- [ ] Execute actions (with approvals if needed)
- [ ] Verify completion
- [ ] Log results

## Required Approvals
- Review task details to determine if approvals are needed

## Estimated Actions
- 3-5 automated actions

## Notes
_Auto-generated plan template. The processor was unable to generate a detailed plan._
`, d.Stem())
	out, err := frontmatter.Render([]frontmatter.Field{
		{Key: "type", Value: "plan"},
		{Key: "status", Value: "active"},
		{Key: "source_task", Value: d.Name},
		{Key: "priority", Value: header.GetOr("priority", string(domain.PriorityMedium))},
		{Key: "created", Value: p.now().UTC().Format(time.RFC3339)},
	}, body)
	if err != nil {
		return body
	}
	return string(out)
}

func planPrompt(handbook, content string) string {
	return fmt.Sprintf(`You are an operations assistant creating a detailed plan for a complex task.

## Company Rules
%s

## Task to Plan
%s

## Instructions
Create a structured plan in markdown format with these sections:
1. **Objective**: One sentence describing the goal
2. **Steps**: Numbered checklist of concrete actions (use - [ ] format)
3. **Required Approvals**: List any steps that need human approval
4. **Estimated Actions**: How many automated actions this plan involves
5. **Priority**: Based on the task priority
6. **Dependencies**: Any prerequisites or blockers

Write ONLY the plan content (no extra commentary). Start with a YAML frontmatter block containing type: plan, status: active, and the task source filename.`, handbook, content)
}
