package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"vaultline/internal/app"
	"vaultline/internal/config"
	"vaultline/internal/domain"
	"vaultline/internal/events"
	"vaultline/internal/health"
	"vaultline/internal/processor"
	"vaultline/internal/store"
)

const testSecret = "test-secret"

type testServer struct {
	URL    string
	App    *app.App
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	quiet := log.New(io.Discard, "", 0)
	a, err := app.New(context.Background(), app.Options{
		Vault:  t.TempDir(),
		Config: config.Default(),
		Processor: processor.Func(func(context.Context, string, string) (string, error) {
			return "ok", nil
		}),
		Logger: quiet,
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	handler, err := New(Config{App: a, BasePath: "/v0", Auth: AuthConfig{JWTSecret: testSecret, Logger: quiet}, Logger: quiet})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		App:    a,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			a.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func authHeaders(t *testing.T) map[string]string {
	t.Helper()
	token, err := SignToken(testSecret, "operator", time.Hour, time.Now())
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return map[string]string{"Authorization": "Bearer " + token}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func putApproval(t *testing.T, s store.Store, name, action string) {
	t.Helper()
	content := "---\naction: " + action + "\npriority: high\n---\n\nNeeds a decision.\n"
	if err := os.WriteFile(filepath.Join(s.Dir(domain.StateAwaitingApproval), name), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestHealthIsPublic(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, data)
	}
	var rep health.Report
	if err := json.Unmarshal(data, &rep); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if rep.Status != health.StatusDegraded || rep.VaultOK || rep.Zone != "local" {
		t.Fatalf("report without handbook = %+v", rep)
	}

	if err := os.WriteFile(srv.App.Store.Path(store.HandbookFile), []byte("# Handbook\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/health", nil, nil)
	if err := json.Unmarshal(data, &rep); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if rep.Status != health.StatusOK || !rep.VaultOK {
		t.Fatalf("report = %+v", rep)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/metrics", nil, nil)
	if res.StatusCode != http.StatusOK || !strings.Contains(string(data), "vaultline_") {
		t.Fatalf("metrics status %d", res.StatusCode)
	}
}

func TestOpsAPIRequiresToken(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/status", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status %d: %s", res.StatusCode, data)
	}
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &env); err != nil || env.Error.Code != "unauthorized" {
		t.Fatalf("envelope = %s err=%v", data, err)
	}

	bad, _ := SignToken("other-secret", "operator", time.Hour, time.Now())
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/status", nil, map[string]string{"Authorization": "Bearer " + bad})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("wrong secret status %d", res.StatusCode)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/status", nil, authHeaders(t))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", res.StatusCode, data)
	}
	var snap domain.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := snap.Counts["Needs_Action"]; !ok {
		t.Fatalf("snapshot counts = %v", snap.Counts)
	}
}

func TestApproveAndRejectOverAPI(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	s := srv.App.Store
	putApproval(t, s, "ODOO_payment_acme.md", "odoo_payment")
	putApproval(t, s, "TWEET_2024-03-05.md", "twitter_post")
	h := authHeaders(t)

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/approvals", nil, h)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list status %d: %s", res.StatusCode, data)
	}
	var list approvalList
	if err := json.Unmarshal(data, &list); err != nil || len(list.Items) != 2 {
		t.Fatalf("list = %s err=%v", data, err)
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/approvals/ODOO_payment_acme.md/approve", nil, h)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("approve status %d: %s", res.StatusCode, data)
	}
	var got ApprovalResponse
	if err := json.Unmarshal(data, &got); err != nil || got.State != domain.StateApproved || got.Action != "odoo_payment" {
		t.Fatalf("approve = %s err=%v", data, err)
	}
	if _, err := os.Stat(filepath.Join(s.Dir(domain.StateApproved), "ODOO_payment_acme.md")); err != nil {
		t.Fatalf("not moved: %v", err)
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/approvals/ODOO_payment_acme.md/approve", nil, h)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("second approve status %d: %s", res.StatusCode, data)
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/replies", map[string]any{"text": "reject tweet_2024-03-05.md"}, h)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("reply status %d: %s", res.StatusCode, data)
	}
	var reply ReplyResponse
	if err := json.Unmarshal(data, &reply); err != nil || reply.Verb != "REJECT" || reply.Approval.State != domain.StateRejected {
		t.Fatalf("reply = %s err=%v", data, err)
	}

	res, _ = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/replies", map[string]any{"text": "sounds good"}, h)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("unrecognized reply status %d", res.StatusCode)
	}
}

func TestPlanAndEvents(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	h := authHeaders(t)

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/plan", nil, h)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("plan status %d: %s", res.StatusCode, data)
	}
	if _, err := srv.App.Tracker.Start("PLAN_EMAIL_abc.md", []domain.Step{{ID: "reply", Description: "Reply"}}); err != nil {
		t.Fatal(err)
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/plan", nil, h)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("plan status %d: %s", res.StatusCode, data)
	}
	var st domain.IterationState
	if err := json.Unmarshal(data, &st); err != nil || st.TaskName != "PLAN_EMAIL_abc.md" || len(st.Steps) != 1 {
		t.Fatalf("plan = %s err=%v", data, err)
	}

	if _, err := srv.App.Events.Append(context.Background(), events.TaskProcessed, "processor", events.Payload{"file": "FILE_report.md", "result": "success"}); err != nil {
		t.Fatal(err)
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/events?limit=5", nil, h)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events status %d: %s", res.StatusCode, data)
	}
	var list eventList
	if err := json.Unmarshal(data, &list); err != nil || len(list.Items) != 1 || list.Items[0].ActionType != events.TaskProcessed {
		t.Fatalf("events = %s err=%v", data, err)
	}
}
