package app

import (
	"context"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"vaultline/internal/config"
	"vaultline/internal/domain"
	"vaultline/internal/events"
	"vaultline/internal/processor"
	"vaultline/internal/scheduler"
)

var quiet = log.New(io.Discard, "", 0)

func newTestApp(t *testing.T, mutate func(*config.Config)) *App {
	t.Helper()
	cfg := config.Default()
	if mutate != nil {
		mutate(cfg)
	}
	now := time.Date(2024, 3, 5, 14, 30, 0, 0, time.Local)
	a, err := New(context.Background(), Options{
		Vault:  t.TempDir(),
		Config: cfg,
		Processor: processor.Func(func(context.Context, string, string) (string, error) {
			return "Handled the request.", nil
		}),
		Now:    func() time.Time { return now },
		Logger: quiet,
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

func names(jobs []scheduler.Job) string {
	var out []string
	for _, j := range jobs {
		out = append(out, j.Name)
	}
	return strings.Join(out, ",")
}

func TestNewRequiresVault(t *testing.T) {
	_, err := New(context.Background(), Options{Vault: filepath.Join(t.TempDir(), "missing"), Config: config.Default(), Logger: quiet})
	if err == nil {
		t.Fatal("expected error for missing vault")
	}
}

func TestJobsPerZone(t *testing.T) {
	a := newTestApp(t, nil)
	local := names(a.Runner(scheduler.ZoneLocal).Jobs)
	if local != "process_tasks,odoo_health,approval_notify,daily_briefing,weekly_audit" {
		t.Fatalf("local jobs = %s", local)
	}
	cloud := names(a.Runner(scheduler.ZoneCloud).Jobs)
	if cloud != "poll_gmail,process_tasks,odoo_health,linkedin_draft,facebook_draft,twitter_draft,instagram_draft" {
		t.Fatalf("cloud jobs = %s", cloud)
	}
}

func TestVaultSyncOnlyWhenEnabled(t *testing.T) {
	a := newTestApp(t, func(c *config.Config) {
		c.Sync.Enabled = true
		c.Sync.Remote = "origin"
	})
	if !strings.Contains(names(a.Jobs()), JobVaultSync) {
		t.Fatalf("jobs = %s", names(a.Jobs()))
	}
	if b := newTestApp(t, nil); strings.Contains(names(b.Jobs()), JobVaultSync) {
		t.Fatalf("jobs = %s", names(b.Jobs()))
	}
}

func TestProcessTasksJob(t *testing.T) {
	a := newTestApp(t, nil)
	path := filepath.Join(a.Store.Dir(domain.StatePending), "FILE_report_143000.md")
	if err := os.WriteFile(path, []byte("---\ntype: file_drop\n---\n\nSummarise the report.\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	r := a.Runner(scheduler.ZoneLocal)
	if err := r.RunJob(context.Background(), r.Jobs[0]); err != nil {
		t.Fatalf("run: %v", err)
	}
	if n := a.Store.Count(domain.StateDone.Dir()); n != 1 {
		t.Fatalf("done = %d", n)
	}
	run, err := a.Repo.LastJobRun(context.Background(), JobProcessTasks)
	if err != nil || run.Status != scheduler.StatusOK {
		t.Fatalf("job run = %+v err=%v", run, err)
	}
}

func TestCheckOdooWritesAndClearsMarker(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusBadGateway)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/web/login" {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(int(status.Load()))
	}))
	defer srv.Close()
	a := newTestApp(t, func(c *config.Config) { c.Odoo.URL = srv.URL })
	a.Odoo.Retry.MaxRetries = 0
	ctx := context.Background()

	if err := a.CheckOdoo(ctx); err == nil {
		t.Fatal("expected degraded odoo")
	}
	if !a.Marker.Present() {
		t.Fatal("marker not written")
	}
	entries := (events.Reader{Root: a.Store.Root}).Day(a.Now())
	if len(entries) != 1 || entries[0].ActionType() != events.ServiceDegraded || entries[0].Str("service") != "odoo" {
		t.Fatalf("entries = %v", entries)
	}

	status.Store(http.StatusOK)
	if err := a.CheckOdoo(ctx); err != nil {
		t.Fatalf("healthy check: %v", err)
	}
	if a.Marker.Present() {
		t.Fatal("marker not cleared")
	}
}

func TestCheckOdooSkipsWhenUnconfigured(t *testing.T) {
	a := newTestApp(t, nil)
	if err := a.CheckOdoo(context.Background()); err != nil {
		t.Fatalf("err = %v", err)
	}
	if a.Marker.Present() {
		t.Fatal("marker written for unconfigured odoo")
	}
}

func TestPollGmailUnconfiguredIsSkipped(t *testing.T) {
	a := newTestApp(t, nil)
	if err := a.pollGmail(context.Background()); err != nil {
		t.Fatalf("err = %v", err)
	}
}

func TestLockIsExclusive(t *testing.T) {
	a := newTestApp(t, nil)
	l, err := a.Lock()
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	defer l.Release()
	if _, err := a.Lock(); err == nil {
		t.Fatal("second lock should fail")
	}
}
