package repo_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"vaultline/internal/db"
	"vaultline/internal/domain"
	"vaultline/internal/migrate"
	"vaultline/internal/repo"
)

func newTestRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Vault: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(context.Background(), conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo.Repo{DB: conn}
}

func TestMigrateIsIdempotent(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	if err := migrate.Migrate(ctx, r.DB); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	if v := migrate.Version(ctx, r.DB); v != 1 {
		t.Fatalf("version = %d, want 1", v)
	}
}

func TestEventsNewestFirst(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	for i, typ := range []string{"task_processed", "plan_created", "task_processed"} {
		err := r.InsertEvent(ctx, domain.Event{
			ID:         fmt.Sprintf("ev-%d", i),
			TS:         fmt.Sprintf("2024-03-05T14:3%d:00Z", i),
			ActionType: typ,
			Actor:      "orchestrator",
			File:       "TASK_a.md",
			Payload:    map[string]any{"result": "success"},
		})
		if err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	// duplicate id is ignored
	if err := r.InsertEvent(ctx, domain.Event{ID: "ev-0", TS: "x", ActionType: "task_processed", Actor: "a"}); err != nil {
		t.Fatalf("duplicate insert: %v", err)
	}
	all, err := r.LatestEvents(ctx, 10, "")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if len(all) != 3 || all[0].ID != "ev-2" || all[0].Payload["result"] != "success" {
		t.Fatalf("events = %+v", all)
	}
	processed, _ := r.LatestEvents(ctx, 10, "task_processed")
	if len(processed) != 2 {
		t.Fatalf("filtered = %d", len(processed))
	}
	n, _ := r.CountEventsSince(ctx, "task_processed", "2024-03-05T14:31:00Z")
	if n != 1 {
		t.Fatalf("count since = %d", n)
	}
}

func TestJobRuns(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	if _, err := r.LastJobRun(ctx, "odoo_health"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("err = %v", err)
	}
	msg := "HTTP 502"
	runs := []domain.JobRun{
		{ID: "r1", Job: "odoo_health", Zone: "both", StartedAt: "2024-03-05T14:00:00Z", FinishedAt: "2024-03-05T14:00:01Z", Status: "ok"},
		{ID: "r2", Job: "odoo_health", Zone: "both", StartedAt: "2024-03-05T14:05:00Z", FinishedAt: "2024-03-05T14:05:01Z", Status: "error", Error: &msg},
	}
	for _, run := range runs {
		if err := r.InsertJobRun(ctx, run); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	last, err := r.LastJobRun(ctx, "odoo_health")
	if err != nil || last.ID != "r2" || last.Error == nil || *last.Error != msg {
		t.Fatalf("last = %+v err=%v", last, err)
	}
}

func TestLedgerKeepsMostRecent(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	base := time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC)
	// ids sort lexicographically in the opposite order of arrival
	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("z%02d", 10-i)
		if err := r.MarkProcessed(ctx, "gmail", id, base.Add(time.Duration(i)*time.Minute)); err != nil {
			t.Fatalf("mark: %v", err)
		}
	}
	removed, err := r.TrimProcessed(ctx, "gmail", 3)
	if err != nil || removed != 2 {
		t.Fatalf("removed=%d err=%v", removed, err)
	}
	for _, c := range []struct {
		id   string
		want bool
	}{{"z10", false}, {"z09", false}, {"z08", true}, {"z06", true}} {
		got, err := r.IsProcessed(ctx, "gmail", c.id)
		if err != nil || got != c.want {
			t.Errorf("IsProcessed(%s) = %v err=%v, want %v", c.id, got, err, c.want)
		}
	}
	if n, _ := r.CountProcessed(ctx, "gmail"); n != 3 {
		t.Fatalf("count = %d", n)
	}
}

func TestNotificationUpsert(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	if _, err := r.GetNotification(ctx, "FB_POST_x.md", "http://hook"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("err = %v", err)
	}
	msg := "connection refused"
	n := domain.Notification{File: "FB_POST_x.md", Endpoint: "http://hook", Status: "pending", Attempts: 1, LastError: &msg, UpdatedAt: "2024-03-05T14:00:00Z"}
	if err := r.UpsertNotification(ctx, n); err != nil {
		t.Fatal(err)
	}
	n.Status, n.Attempts, n.LastError, n.UpdatedAt = "delivered", 2, nil, "2024-03-05T14:01:00Z"
	if err := r.UpsertNotification(ctx, n); err != nil {
		t.Fatal(err)
	}
	got, err := r.GetNotification(ctx, "FB_POST_x.md", "http://hook")
	if err != nil || got.Status != "delivered" || got.Attempts != 2 || got.LastError != nil {
		t.Fatalf("got %+v err=%v", got, err)
	}
	list, _ := r.ListNotifications(ctx, 10)
	if len(list) != 1 {
		t.Fatalf("list = %d", len(list))
	}
}
