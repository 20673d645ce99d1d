package briefing

import (
	"context"
	"errors"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"vaultline/internal/domain"
	"vaultline/internal/events"
	"vaultline/internal/processor"
	"vaultline/internal/store"
)

var quiet = log.New(io.Discard, "", 0)

func newVault(t *testing.T) store.Store {
	t.Helper()
	s, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if err := s.EnsureLayout(); err != nil {
		t.Fatal(err)
	}
	return s
}

func touch(t *testing.T, path string) {
	t.Helper()
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestDailyUsesProcessorOnceAndSkipsWhenPresent(t *testing.T) {
	s := newVault(t)
	now := time.Date(2024, 3, 5, 8, 0, 0, 0, time.Local)
	clock := func() time.Time { return now }
	touch(t, filepath.Join(s.Dir(domain.StateDone), "20240305_070000_FILE_a.md"))
	touch(t, filepath.Join(s.Dir(domain.StateDone), "20240304_070000_FILE_old.md"))
	var prompts []string
	audit := &events.Writer{Root: s.Root, Now: clock, Logger: quiet}
	w := Writer{
		Store: s,
		Processor: processor.Func(func(_ context.Context, prompt, _ string) (string, error) {
			prompts = append(prompts, prompt)
			return "---\ntype: briefing\ndate: 2024-03-05\n---\n\n# Daily Briefing\nAll quiet.\n", nil
		}),
		Audit:  audit,
		Now:    clock,
		Logger: quiet,
	}
	name, created, err := w.Daily(context.Background())
	if err != nil || !created || name != "2024-03-05_Daily.md" {
		t.Fatalf("name=%q created=%v err=%v", name, created, err)
	}
	if !strings.Contains(prompts[0], "### Completed Tasks (1)") || strings.Contains(prompts[0], "FILE_old") {
		t.Errorf("prompt:\n%s", prompts[0])
	}
	if got := s.ReadFile(filepath.Join(store.DirBriefings, name)); !strings.Contains(got, "All quiet.") {
		t.Fatalf("briefing = %q", got)
	}

	_, created, err = w.Daily(context.Background())
	if err != nil || created {
		t.Fatalf("second run created=%v err=%v", created, err)
	}
	if len(prompts) != 1 {
		t.Fatalf("processor calls = %d", len(prompts))
	}
	entries := (events.Reader{Root: s.Root}).Day(now)
	if len(entries) != 1 || entries[0].ActionType() != events.DailyBriefing || entries[0].Str("file") != name {
		t.Fatalf("entries = %v", entries)
	}
}

func TestDailyFallbackWhenProcessorFails(t *testing.T) {
	s := newVault(t)
	now := time.Date(2024, 3, 5, 8, 0, 0, 0, time.Local)
	touch(t, filepath.Join(s.Dir(domain.StatePending), "EMAIL_a.md"))
	touch(t, filepath.Join(s.Dir(domain.StateAwaitingApproval), "TWEET_2024-03-05.md"))
	w := Writer{
		Store: s,
		Processor: processor.Func(func(context.Context, string, string) (string, error) {
			return "", errors.New("exit status 1")
		}),
		Now:    func() time.Time { return now },
		Logger: quiet,
	}
	name, _, err := w.Daily(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	got := s.ReadFile(filepath.Join(store.DirBriefings, name))
	for _, want := range []string{"type: briefing", "# Daily Briefing - 2024-03-05", "- 1 item(s) in Needs_Action", "- 1 item(s) awaiting approval"} {
		if !strings.Contains(got, want) {
			t.Errorf("missing %q in:\n%s", want, got)
		}
	}
}

func TestWeeklyAggregatesAndWritesBothReports(t *testing.T) {
	s := newVault(t)
	now := time.Date(2024, 3, 10, 20, 0, 0, 0, time.Local) // Sunday, ISO week 10
	clock := func() time.Time { return now }
	touch(t, filepath.Join(s.Dir(domain.StateDone), "20240308_100000_TASK_a.md"))
	touch(t, filepath.Join(s.Dir(domain.StateDone), "20240301_100000_TASK_old.md"))
	touch(t, filepath.Join(s.Dir(domain.StateAwaitingApproval), "FB_POST_2024-03-05.md"))
	touch(t, filepath.Join(s.Dir(domain.StateRejected), "TWEET_2024-03-06.md"))

	ctx := context.Background()
	for _, day := range []int{4, 6, 8} {
		at := time.Date(2024, 3, day, 9, 0, 0, 0, time.Local)
		aw := &events.Writer{Root: s.Root, Now: func() time.Time { return at }, Logger: quiet}
		if _, err := aw.Append(ctx, events.TaskProcessed, "processor", events.Payload{"task_file": "x"}); err != nil {
			t.Fatal(err)
		}
		if _, err := aw.Append(ctx, events.DraftGenerated("linkedin"), "scheduler", nil); err != nil {
			t.Fatal(err)
		}
	}

	data := Aggregate(s, now)
	if data.TasksCompleted != 1 || data.EmailsProcessed != 3 || data.Social["linkedin"] != 3 || data.SocialTotal() != 3 {
		t.Fatalf("data = %+v", data)
	}
	if len(data.PendingApproval) != 1 || len(data.Rejected) != 1 {
		t.Fatalf("queues = %v %v", data.PendingApproval, data.Rejected)
	}

	w := Writer{Store: s, Audit: &events.Writer{Root: s.Root, Now: clock, Logger: quiet}, Now: clock, Logger: quiet}
	weekly, ceo, err := w.Weekly(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if weekly != "2024-W10_Weekly.md" || ceo != "2024-W10_CEO_Briefing.md" {
		t.Fatalf("names = %q %q", weekly, ceo)
	}
	wk := s.ReadFile(filepath.Join(store.DirBriefings, weekly))
	for _, want := range []string{"type: weekly_briefing", "- **Tasks Completed**: 1", "| task_processed | 3 |", "- FB_POST_2024-03-05.md", "LinkedIn: 3"} {
		if !strings.Contains(wk, want) {
			t.Errorf("weekly missing %q", want)
		}
	}
	exec := s.ReadFile(filepath.Join(store.DirBriefings, ceo))
	for _, want := range []string{"# CEO Briefing: Week 10, 2024", "| Social Posts Drafted | 3 |", "- **1 items** awaiting your approval"} {
		if !strings.Contains(exec, want) {
			t.Errorf("ceo missing %q", want)
		}
	}
	entries := (events.Reader{Root: s.Root}).Day(now)
	if len(entries) != 1 || entries[0].ActionType() != events.WeeklyAudit || entries[0].Str("ceo_briefing") != ceo {
		t.Fatalf("entries = %v", entries)
	}
}

func TestWeekPrefixUsesISOYear(t *testing.T) {
	if got := WeekPrefix(time.Date(2024, 12, 30, 9, 0, 0, 0, time.UTC)); got != "2025-W01" {
		t.Fatalf("got %q", got)
	}
}
