package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"vaultline/internal/config"
	"vaultline/internal/db"
	"vaultline/internal/domain"
	"vaultline/internal/events"
	"vaultline/internal/migrate"
	"vaultline/internal/repo"
	"vaultline/internal/store"
)

var quiet = log.New(io.Discard, "", 0)

type hookServer struct {
	mu       sync.Mutex
	requests []Request
	secrets  []string
	fail     bool
}

func (h *hookServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.fail {
		http.Error(w, "bridge offline", http.StatusServiceUnavailable)
		return
	}
	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.requests = append(h.requests, req)
	h.secrets = append(h.secrets, r.Header.Get("X-Vaultline-Secret"))
	w.WriteHeader(http.StatusAccepted)
}

type testEnv struct {
	store store.Store
	repo  repo.Repo
	now   time.Time
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	root := t.TempDir()
	s, err := store.Open(root)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.EnsureLayout(); err != nil {
		t.Fatal(err)
	}
	conn, err := db.Open(db.Config{Vault: root})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(context.Background(), conn); err != nil {
		t.Fatal(err)
	}
	return testEnv{store: s, repo: repo.Repo{DB: conn}, now: time.Date(2024, 3, 5, 9, 0, 0, 0, time.Local)}
}

func (e testEnv) put(t *testing.T, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(e.store.Dir(domain.StateAwaitingApproval), name), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestNotifyDeliversOncePerEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.put(t, "ODOO_payment_acme.md", "---\naction: odoo_payment\npriority: high\n---\n\nPay Acme $250.\n")
	hook := &hookServer{}
	srv := httptest.NewServer(hook)
	defer srv.Close()
	clock := func() time.Time { return env.now }
	n := &Notifier{
		Store:      env.store,
		Webhooks:   []config.WebhookConfig{{URL: srv.URL, Secret: "s3cret"}},
		Deliveries: env.repo,
		Audit:      &events.Writer{Root: env.store.Root, Now: clock, Logger: quiet},
		Now:        clock,
		Logger:     quiet,
	}
	got, err := n.Notify(context.Background())
	if err != nil || got != 1 {
		t.Fatalf("notify got=%d err=%v", got, err)
	}
	if len(hook.requests) != 1 {
		t.Fatalf("requests = %d", len(hook.requests))
	}
	req := hook.requests[0]
	if req.File != "ODOO_payment_acme.md" || req.Action != "odoo_payment" || req.Approve != "APPROVE ODOO_payment_acme.md" {
		t.Fatalf("request = %+v", req)
	}
	if hook.secrets[0] != "s3cret" {
		t.Errorf("secret header = %q", hook.secrets[0])
	}

	// a second tick sends nothing new
	if got, _ := n.Notify(context.Background()); got != 0 || len(hook.requests) != 1 {
		t.Fatalf("second tick got=%d requests=%d", got, len(hook.requests))
	}
	rec, err := env.repo.GetNotification(context.Background(), "ODOO_payment_acme.md", srv.URL)
	if err != nil || rec.Status != StatusDelivered || rec.Attempts != 1 {
		t.Fatalf("record = %+v err=%v", rec, err)
	}
	entries := (events.Reader{Root: env.store.Root}).Day(env.now)
	if len(entries) != 1 || entries[0].ActionType() != events.ApprovalNotified {
		t.Fatalf("entries = %v", entries)
	}
}

func TestNotifyRetriesThenGivesUp(t *testing.T) {
	env := newTestEnv(t)
	env.put(t, "TWEET_2024-03-05.md", "---\naction: twitter_post\n---\n")
	hook := &hookServer{fail: true}
	srv := httptest.NewServer(hook)
	defer srv.Close()
	n := &Notifier{
		Store:       env.store,
		Webhooks:    []config.WebhookConfig{{URL: srv.URL}},
		Deliveries:  env.repo,
		MaxAttempts: 2,
		Logger:      quiet,
	}
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if got, err := n.Notify(ctx); err != nil || got != 0 {
			t.Fatalf("tick %d got=%d err=%v", i, got, err)
		}
	}
	rec, err := env.repo.GetNotification(ctx, "TWEET_2024-03-05.md", srv.URL)
	if err != nil || rec.Status != StatusFailed || rec.Attempts != 2 || rec.LastError == nil {
		t.Fatalf("record = %+v err=%v", rec, err)
	}
}

func TestNotifySkipsDisabledHooks(t *testing.T) {
	env := newTestEnv(t)
	env.put(t, "EMAIL_reply.md", "---\naction: email_send\n---\n")
	off := false
	n := &Notifier{Store: env.store, Webhooks: []config.WebhookConfig{{URL: "http://127.0.0.1:1", Enabled: &off}}, Deliveries: env.repo, Logger: quiet}
	if got, err := n.Notify(context.Background()); err != nil || got != 0 {
		t.Fatalf("got=%d err=%v", got, err)
	}
}

func TestParseReply(t *testing.T) {
	verb, file, err := ParseReply("  approve   FB_POST_2024-03-05.md ")
	if err != nil || verb != Approve || file != "FB_POST_2024-03-05.md" {
		t.Fatalf("verb=%q file=%q err=%v", verb, file, err)
	}
	if _, _, err := ParseReply("maybe later"); !errors.Is(err, ErrUnrecognizedReply) {
		t.Fatalf("err = %v", err)
	}
}

func TestApplyReplyMatchesCaseInsensitively(t *testing.T) {
	env := newTestEnv(t)
	env.put(t, "FB_POST_2024-03-05.md", "---\naction: facebook_post\n---\n")
	env.put(t, "TWEET_2024-03-05.md", "---\naction: twitter_post\n---\n")
	ctx := context.Background()
	verb, d, err := ApplyReply(ctx, env.store, "APPROVE fb_post_2024-03-05.md")
	if err != nil || verb != Approve || d.State != domain.StateApproved {
		t.Fatalf("verb=%q d=%+v err=%v", verb, d, err)
	}
	if _, d, err = ApplyReply(ctx, env.store, "reject TWEET_2024-03-05.md"); err != nil || d.State != domain.StateRejected {
		t.Fatalf("reject d=%+v err=%v", d, err)
	}
	if _, _, err := ApplyReply(ctx, env.store, "APPROVE missing.md"); err == nil {
		t.Fatal("expected error for missing file")
	}
}
