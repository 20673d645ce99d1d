package domain

import (
	"fmt"
	"strings"
)

// State is the location of a descriptor in the vault.
type State string

const (
	StatePending          State = "pending"
	StateClaimed          State = "claimed"
	StatePlanActive       State = "plan_active"
	StateAwaitingApproval State = "awaiting_approval"
	StateApproved         State = "approved"
	StateRejected         State = "rejected"
	StateDone             State = "done"
	StateError            State = "error"
)

// Dir returns the vault folder backing a state. PlanActive descriptors stay in
// In_Progress while their plan runs, and Error descriptors are archived to Done.
func (s State) Dir() string {
	switch s {
	case StatePending:
		return "Needs_Action"
	case StateClaimed, StatePlanActive:
		return "In_Progress"
	case StateAwaitingApproval:
		return "Pending_Approval"
	case StateApproved:
		return "Approved"
	case StateRejected:
		return "Rejected"
	case StateDone, StateError:
		return "Done"
	}
	return ""
}

// ParseState accepts a state name or its folder name.
func ParseState(v string) (State, error) {
	v = strings.TrimSpace(v)
	for _, s := range States {
		if strings.EqualFold(v, string(s)) || strings.EqualFold(v, s.Dir()) {
			return s, nil
		}
	}
	return "", fmt.Errorf("unknown state %q", v)
}

// States lists every state in lifecycle order.
var States = []State{
	StatePending,
	StateClaimed,
	StatePlanActive,
	StateAwaitingApproval,
	StateApproved,
	StateRejected,
	StateDone,
	StateError,
}

// Producer name prefixes recognised as tasks in Needs_Action.
var TaskPrefixes = []string{"FILE_", "EMAIL_", "TASK_", "LINKEDIN_", "FB_", "IG_", "TWEET_", "ODOO_"}

// HasTaskPrefix reports whether a file name carries a producer prefix.
func HasTaskPrefix(name string) bool {
	for _, p := range TaskPrefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}

type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

type Kind string

const (
	KindFileDrop   Kind = "file_drop"
	KindEmail      Kind = "email"
	KindSocial     Kind = "social_draft"
	KindAccounting Kind = "accounting_action"
	KindGeneric    Kind = "generic"
)

// KindFromName infers the descriptor kind from its producer prefix.
func KindFromName(name string) Kind {
	switch {
	case strings.HasPrefix(name, "FILE_"):
		return KindFileDrop
	case strings.HasPrefix(name, "EMAIL_"):
		return KindEmail
	case strings.HasPrefix(name, "LINKEDIN_"), strings.HasPrefix(name, "FB_"),
		strings.HasPrefix(name, "IG_"), strings.HasPrefix(name, "TWEET_"):
		return KindSocial
	case strings.HasPrefix(name, "ODOO_"):
		return KindAccounting
	}
	return KindGeneric
}

// Descriptor is a task file at a known state location.
type Descriptor struct {
	Name    string `json:"name"`
	State   State  `json:"state"`
	Path    string `json:"path"`
	Kind    Kind   `json:"kind"`
	ModTime string `json:"mod_time" format:"date-time"`
}

// Stem returns the name without its extension.
func (d Descriptor) Stem() string {
	if i := strings.LastIndex(d.Name, "."); i > 0 {
		return d.Name[:i]
	}
	return d.Name
}

// Step is one checklist item of a plan.
type Step struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	Completed   bool   `json:"completed"`
}

// IterationState is the persisted state of the single active plan.
type IterationState struct {
	TaskName      string `json:"task_name"`
	Created       string `json:"created" format:"date-time"`
	Iteration     int    `json:"iteration"`
	MaxIterations int    `json:"max_iterations"`
	Steps         []Step `json:"steps"`
}

// Plan is the materialised checklist for a complex descriptor.
type Plan struct {
	Name       string `json:"name"`
	Path       string `json:"path"`
	SourceTask string `json:"source_task"`
	Fallback   bool   `json:"fallback"`
	Steps      []Step `json:"steps"`
}

// AuditEntry is one record of the day-partitioned audit log.
type AuditEntry map[string]any

func (e AuditEntry) ID() string         { return e.Str("id") }
func (e AuditEntry) ActionType() string { return e.Str("action_type") }
func (e AuditEntry) Actor() string      { return e.Str("actor") }
func (e AuditEntry) Timestamp() string  { return e.Str("timestamp") }

// Str returns a string field, or "" when absent or not a string.
func (e AuditEntry) Str(key string) string {
	if v, ok := e[key].(string); ok {
		return v
	}
	return ""
}

// ServiceHealth is the last known state of an external dependency.
type ServiceHealth struct {
	Healthy   bool    `json:"healthy"`
	LastCheck string  `json:"last_check" format:"date-time"`
	LastError *string `json:"last_error"`
}

// Snapshot is the dashboard projection of the vault.
type Snapshot struct {
	GeneratedAt     string                   `json:"generated_at" format:"date-time"`
	Counts          map[string]int           `json:"counts"`
	DoneToday       int                      `json:"done_today"`
	SocialPending   int                      `json:"social_pending"`
	OdooStatus      string                   `json:"odoo_status"`
	Services        map[string]ServiceHealth `json:"services"`
	ActivePlan      string                   `json:"active_plan,omitempty"`
	ActivePlanSteps string                   `json:"active_plan_steps,omitempty"`
}

// JobRun records one scheduler job execution.
type JobRun struct {
	ID         string  `json:"id"`
	Job        string  `json:"job"`
	Zone       string  `json:"zone"`
	StartedAt  string  `json:"started_at" format:"date-time"`
	FinishedAt string  `json:"finished_at" format:"date-time"`
	Status     string  `json:"status" enum:"ok,error"`
	Error      *string `json:"error,omitempty"`
}

// Event is an audit entry as indexed in the local database.
type Event struct {
	ID         string         `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	ActionType string         `json:"action_type"`
	Actor      string         `json:"actor"`
	File       string         `json:"file,omitempty"`
	Payload    map[string]any `json:"payload"`
}

// Notification tracks delivery of one approval request to one endpoint.
type Notification struct {
	File      string  `json:"file"`
	Endpoint  string  `json:"endpoint"`
	Status    string  `json:"status" enum:"pending,delivered,failed"`
	Attempts  int     `json:"attempts"`
	LastError *string `json:"last_error,omitempty"`
	UpdatedAt string  `json:"updated_at" format:"date-time"`
}
