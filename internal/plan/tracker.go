package plan

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"vaultline/internal/domain"
	"vaultline/internal/events"
	"vaultline/internal/metrics"
	"vaultline/internal/store"
)

const (
	StateFile     = ".task_state.json"
	MaxIterations = 10
)

var (
	ErrNoActivePlan = errors.New("no active plan")
	ErrUnknownStep  = errors.New("unknown step")
)

// Decision answers whether automated work on the active plan may go on.
type Decision int

const (
	Stop Decision = iota
	Continue
	StopCeiling
)

func (d Decision) String() string {
	switch d {
	case Continue:
		return "continue"
	case StopCeiling:
		return "stop_ceiling"
	}
	return "stop"
}

// Tracker persists the iteration state of the single active plan in
// <vault>/.task_state.json.
type Tracker struct {
	Root   string
	Audit  Auditor
	Now    func() time.Time
	Logger *log.Logger
}

func (t Tracker) path() string {
	return filepath.Join(t.Root, StateFile)
}

func (t Tracker) now() time.Time {
	if t.Now != nil {
		return t.Now()
	}
	return time.Now()
}

func (t Tracker) logger() *log.Logger {
	if t.Logger != nil {
		return t.Logger
	}
	return log.Default()
}

// Start replaces any previous state with a fresh plan at iteration 0.
func (t Tracker) Start(name string, steps []domain.Step) (domain.IterationState, error) {
	st := domain.IterationState{
		TaskName:      name,
		Created:       t.now().UTC().Format(time.RFC3339),
		MaxIterations: MaxIterations,
		Steps:         make([]domain.Step, len(steps)),
	}
	for i, s := range steps {
		if s.Description == "" {
			s.Description = s.ID
		}
		s.Completed = false
		st.Steps[i] = s
	}
	if err := t.save(st); err != nil {
		return domain.IterationState{}, err
	}
	metrics.PlanIteration.Set(0)
	t.logger().Printf("plan: started %s (%d steps)", name, len(steps))
	return st, nil
}

// Get returns the current state. A missing or unreadable file means no state.
func (t Tracker) Get() (domain.IterationState, bool) {
	data, err := os.ReadFile(t.path())
	if err != nil {
		return domain.IterationState{}, false
	}
	var st domain.IterationState
	if err := json.Unmarshal(data, &st); err != nil {
		return domain.IterationState{}, false
	}
	if st.MaxIterations <= 0 {
		st.MaxIterations = MaxIterations
	}
	return st, true
}

// CompleteStep marks a step completed. Completing a completed step changes
// nothing and is not an error.
func (t Tracker) CompleteStep(id string) (domain.IterationState, error) {
	st, ok := t.Get()
	if !ok {
		return st, ErrNoActivePlan
	}
	for i := range st.Steps {
		if st.Steps[i].ID != id {
			continue
		}
		if st.Steps[i].Completed {
			return st, nil
		}
		st.Steps[i].Completed = true
		if err := t.save(st); err != nil {
			return st, err
		}
		t.logger().Printf("plan: completed step %s", id)
		return st, nil
	}
	return st, fmt.Errorf("%w: %s", ErrUnknownStep, id)
}

// IncrementIteration adds one to the iteration counter and persists it.
func (t Tracker) IncrementIteration() (domain.IterationState, error) {
	st, ok := t.Get()
	if !ok {
		return st, ErrNoActivePlan
	}
	st.Iteration++
	if err := t.save(st); err != nil {
		return st, err
	}
	metrics.PlanIteration.Set(float64(st.Iteration))
	return st, nil
}

// Active reports whether a plan with incomplete steps exists.
func (t Tracker) Active() bool {
	return len(t.Incomplete()) > 0
}

// Incomplete returns the steps not yet completed.
func (t Tracker) Incomplete() []domain.Step {
	st, ok := t.Get()
	if !ok {
		return nil
	}
	var out []domain.Step
	for _, s := range st.Steps {
		if !s.Completed {
			out = append(out, s)
		}
	}
	return out
}

// Clear removes the state file.
func (t Tracker) Clear() error {
	err := os.Remove(t.path())
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	metrics.PlanIteration.Set(0)
	return nil
}

// ShouldContinue decides whether work on the active plan may go on. Continue
// is returned only when a step is incomplete and the iteration is below the
// ceiling; the incremented iteration is persisted first. Both stop outcomes
// end the plan and clear its state.
func (t Tracker) ShouldContinue(ctx context.Context) (Decision, error) {
	st, ok := t.Get()
	if !ok {
		return Stop, nil
	}
	incomplete := 0
	for _, s := range st.Steps {
		if !s.Completed {
			incomplete++
		}
	}
	if st.Iteration >= st.MaxIterations {
		t.logger().Printf("plan: %s reached iteration ceiling %d with %d incomplete steps", st.TaskName, st.MaxIterations, incomplete)
		if t.Audit != nil {
			if _, err := t.Audit.Append(ctx, events.IterationCeiling, "orchestrator", events.Payload{
				"task_name":        st.TaskName,
				"iteration":        st.Iteration,
				"max_iterations":   st.MaxIterations,
				"incomplete_steps": incomplete,
			}); err != nil {
				t.logger().Printf("plan: audit ceiling: %v", err)
			}
		}
		return StopCeiling, t.Clear()
	}
	if incomplete == 0 {
		return Stop, t.Clear()
	}
	st.Iteration++
	if err := t.save(st); err != nil {
		return Stop, fmt.Errorf("persist iteration: %w", err)
	}
	metrics.PlanIteration.Set(float64(st.Iteration))
	return Continue, nil
}

func (t Tracker) save(st domain.IterationState) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	return store.WriteFileAtomic(t.path(), data, 0o644)
}
