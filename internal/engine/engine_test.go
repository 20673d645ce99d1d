package engine_test

import (
	"context"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"vaultline/internal/approval"
	"vaultline/internal/domain"
	"vaultline/internal/engine"
	"vaultline/internal/events"
	"vaultline/internal/health"
	"vaultline/internal/plan"
	"vaultline/internal/processor"
	"vaultline/internal/store"
)

type testEnv struct {
	Engine engine.Engine
	Store  store.Store
	Ctx    context.Context
	Now    time.Time
	Calls  *int
}

func newTestEnv(t *testing.T, proc func(prompt string) (string, error)) testEnv {
	t.Helper()
	root := t.TempDir()
	s, err := store.Open(root)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	now := time.Date(2024, 3, 5, 14, 30, 0, 0, time.Local)
	clock := func() time.Time { return now }
	s.Now = clock
	if err := s.EnsureLayout(); err != nil {
		t.Fatalf("layout: %v", err)
	}
	if err := os.WriteFile(s.Path(store.HandbookFile), []byte("Payments over $100 need approval."), 0o644); err != nil {
		t.Fatal(err)
	}
	quiet := log.New(io.Discard, "", 0)
	calls := new(int)
	p := processor.Func(func(_ context.Context, prompt, _ string) (string, error) {
		*calls++
		return proc(prompt)
	})
	audit := &events.Writer{Root: root, Now: clock, Logger: quiet}
	reg := health.NewRegistry()
	eng := engine.Engine{
		Store:     s,
		Processor: p,
		Planner:   plan.Planner{Store: s, Processor: p, Audit: audit, Now: clock, Logger: quiet},
		Tracker:   plan.Tracker{Root: root, Audit: audit, Now: clock, Logger: quiet},
		Dispatcher: approval.Dispatcher{
			Store:     s,
			Executors: approval.NewExecutors(approval.Wiring{Processor: p, Workdir: root, Logger: quiet}),
			Audit:     audit,
			Logger:    quiet,
		},
		Audit:  audit,
		Health: reg,
		Now:    clock,
		Logger: quiet,
	}
	return testEnv{Engine: eng, Store: s, Ctx: context.Background(), Now: now, Calls: calls}
}

func (env testEnv) write(t *testing.T, state domain.State, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(env.Store.Dir(state), name), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func (env testEnv) entries(actionType string) []domain.AuditEntry {
	var out []domain.AuditEntry
	for _, e := range (events.Reader{Root: env.Store.Root}).Day(env.Now) {
		if e.ActionType() == actionType {
			out = append(out, e)
		}
	}
	return out
}

// locations lists every folder holding a file whose name ends in name.
func (env testEnv) locations(name string) []string {
	var out []string
	for _, dir := range []string{"Needs_Action", "In_Progress", "Pending_Approval", "Approved", "Rejected", "Done"} {
		matches, _ := filepath.Glob(filepath.Join(env.Store.Root, dir, "*"+name))
		for range matches {
			out = append(out, dir)
		}
	}
	return out
}

func TestFileDropEndToEnd(t *testing.T) {
	env := newTestEnv(t, func(string) (string, error) { return "Summarised the report.", nil })
	env.write(t, domain.StatePending, "FILE_report_143000.md", "---\ntype: file_drop\npriority: high\n---\n\n# Report\n- [ ] Review\n")

	cycle, err := env.Engine.RunOnce(env.Ctx)
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if len(cycle.Processed) != 1 || cycle.Processed[0].Result != engine.ResultSuccess {
		t.Fatalf("cycle = %+v", cycle)
	}
	if loc := env.locations("FILE_report_143000.md"); len(loc) != 1 || loc[0] != "Done" {
		t.Fatalf("locations = %v", loc)
	}
	if cycle.Processed[0].Done != "20240305_143000_FILE_report_143000.md" {
		t.Errorf("done name = %q", cycle.Processed[0].Done)
	}
	got := env.entries(events.TaskProcessed)
	if len(got) != 1 {
		t.Fatalf("task_processed entries = %d, want 1", len(got))
	}
	if got[0].Str("task_file") != "FILE_report_143000.md" || got[0].Str("result") != "success" || got[0].Actor() != engine.ProcessorActor {
		t.Errorf("entry = %v", got[0])
	}
	if !env.Store.Exists(store.DashboardFile) {
		t.Errorf("dashboard not written")
	}

	// a second cycle finds nothing
	cycle, err = env.Engine.RunOnce(env.Ctx)
	if err != nil || !cycle.Empty() {
		t.Fatalf("second cycle = %+v err = %v", cycle, err)
	}
	if len(env.entries(events.TaskProcessed)) != 1 {
		t.Fatalf("task processed twice")
	}
}

func TestProcessorFailureArchivesWithError(t *testing.T) {
	env := newTestEnv(t, func(string) (string, error) { return "", processor.ErrTimeout })
	env.write(t, domain.StatePending, "EMAIL_abc_090000.md", "---\ntype: email\n---\n\nHello\n")
	if _, err := env.Engine.RunOnce(env.Ctx); err != nil {
		t.Fatal(err)
	}
	if loc := env.locations("EMAIL_abc_090000.md"); len(loc) != 1 || loc[0] != "Done" {
		t.Fatalf("locations = %v", loc)
	}
	got := env.entries(events.TaskProcessed)
	if len(got) != 1 || got[0].Str("result") != "error" || !strings.HasPrefix(got[0].Str("summary"), "ERROR:") {
		t.Fatalf("entries = %v", got)
	}
}

func TestComplexTaskCreatesPlanAndIterationState(t *testing.T) {
	env := newTestEnv(t, func(prompt string) (string, error) {
		if strings.Contains(prompt, "creating a detailed plan") {
			return "ERROR: busy", nil
		}
		return "Started.", nil
	})
	body := "---\ntype: task\n---\n\n- [ ] one\n- [ ] two\n- [ ] three\n- [ ] four\n- [ ] five\n"
	env.write(t, domain.StatePending, "TASK_launch.md", body)
	cycle, err := env.Engine.RunOnce(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	out := cycle.Processed[0]
	if out.Plan == nil || !out.Plan.Fallback || len(out.Plan.Steps) != 5 {
		t.Fatalf("plan = %+v", out.Plan)
	}
	if !env.Store.Exists(filepath.Join(store.DirPlans, "PLAN_TASK_launch.md")) {
		t.Fatalf("plan file missing")
	}
	st, ok := env.Engine.Tracker.Get()
	if !ok || st.TaskName != "TASK_launch" || len(st.Steps) != 5 || st.Iteration != 0 {
		t.Fatalf("state = %+v ok=%v", st, ok)
	}
	if len(env.entries(events.PlanCreated)) != 1 {
		t.Errorf("plan_created missing")
	}
	if got := env.entries(events.TaskProcessed); len(got) != 1 || got[0].Str("plan_file") != "PLAN_TASK_launch.md" {
		t.Errorf("task entries = %v", got)
	}
	if loc := env.locations("TASK_launch.md"); len(loc) != 1 || loc[0] != "Done" {
		t.Fatalf("locations = %v", loc)
	}
}

func TestFourCheckboxesIsSimple(t *testing.T) {
	env := newTestEnv(t, func(string) (string, error) { return "ok", nil })
	env.write(t, domain.StatePending, "TASK_small.md", "- [ ] a\n- [ ] b\n- [ ] c\n- [ ] d\n")
	cycle, err := env.Engine.RunOnce(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if cycle.Processed[0].Plan != nil {
		t.Fatalf("unexpected plan")
	}
	if *env.Calls != 1 {
		t.Errorf("processor calls = %d, want 1", *env.Calls)
	}
}

func TestCycleDrainsApprovedAndRejected(t *testing.T) {
	env := newTestEnv(t, func(string) (string, error) { return "done", nil })
	env.write(t, domain.StateApproved, "ODOO_payment_acme.md", "---\naction: odoo_payment\namount: 250\n---\n\nPay vendor.\n")
	env.write(t, domain.StateRejected, "TWEET_2024-03-05.md", "---\naction: twitter_post\n---\n")
	cycle, err := env.Engine.RunOnce(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if cycle.Approved != 1 || cycle.Rejected != 1 {
		t.Fatalf("cycle = %+v", cycle)
	}
	exec := env.entries(events.ApprovedActionExecuted)
	if len(exec) != 1 || exec[0].Str("result") != "needs_approval" {
		t.Fatalf("executed = %v", exec)
	}
	if loc := env.locations("ODOO_payment_acme.md"); len(loc) != 1 || loc[0] != "Done" {
		t.Fatalf("payment locations = %v", loc)
	}
	if len(env.entries(events.ActionRejected)) != 1 {
		t.Fatalf("rejection not recorded")
	}
}

func TestAttachmentArchivedWithDescriptor(t *testing.T) {
	env := newTestEnv(t, func(string) (string, error) { return "ok", nil })
	env.write(t, domain.StatePending, "invoice.pdf", "%PDF")
	env.write(t, domain.StatePending, "FILE_invoice_143000.md", "---\ntype: file_drop\ncopied_to: Needs_Action/invoice.pdf\n---\n\nbody\n")
	if _, err := env.Engine.RunOnce(env.Ctx); err != nil {
		t.Fatal(err)
	}
	if loc := env.locations("invoice.pdf"); len(loc) != 1 || loc[0] != "Done" {
		t.Fatalf("attachment locations = %v", loc)
	}
}
