package health

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func fixedNow() time.Time { return time.Date(2024, 3, 5, 14, 30, 0, 0, time.UTC) }

func TestRecordFailureThenSuccessClearsError(t *testing.T) {
	r := NewRegistry()
	r.Now = fixedNow
	if r.IsHealthy("odoo") {
		t.Fatalf("unknown service must be unhealthy")
	}
	r.RecordFailure("odoo", errors.New("connection refused"))
	st := r.Status()["odoo"]
	if st.Healthy || st.LastError == nil || *st.LastError != "connection refused" {
		t.Fatalf("after failure = %+v", st)
	}
	r.RecordSuccess("odoo")
	st = r.Status()["odoo"]
	if !st.Healthy || st.LastError != nil {
		t.Fatalf("after success = %+v", st)
	}
	if st.LastCheck != "2024-03-05T14:30:00Z" {
		t.Fatalf("last_check = %q", st.LastCheck)
	}
}

func TestStatusIsACopy(t *testing.T) {
	r := NewRegistry()
	r.RecordFailure("gmail", errors.New("401"))
	snap := r.Status()
	*snap["gmail"].LastError = "mutated"
	delete(snap, "gmail")
	if got := r.Status()["gmail"]; got.LastError == nil || *got.LastError != "401" {
		t.Fatalf("registry changed through snapshot: %+v", got)
	}
}

func TestSummary(t *testing.T) {
	r := NewRegistry()
	if r.Summary() != "No services checked yet." {
		t.Fatalf("empty summary = %q", r.Summary())
	}
	r.Now = fixedNow
	r.RecordSuccess("twitter")
	r.RecordFailure("meta", errors.New("token expired"))
	want := "  meta: DOWN (checked 2024-03-05T14:30:00Z)\n  twitter: OK (checked 2024-03-05T14:30:00Z)"
	if r.Summary() != want {
		t.Fatalf("summary = %q", r.Summary())
	}
}

func TestConcurrentUpdates(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() { defer wg.Done(); r.RecordSuccess("odoo") }()
		go func() { defer wg.Done(); _ = r.Status(); _ = r.IsHealthy("odoo") }()
	}
	wg.Wait()
	if !r.IsHealthy("odoo") {
		t.Fatalf("odoo should be healthy")
	}
}

func TestMarkerSync(t *testing.T) {
	root := t.TempDir()
	m := Marker{Root: root, Now: fixedNow}
	r := NewRegistry()
	r.RecordFailure("odoo", errors.New("HTTP 502"))
	degraded, err := m.Sync(r)
	if err != nil || !degraded {
		t.Fatalf("sync degraded=%v err=%v", degraded, err)
	}
	st, ok := m.Read()
	if !ok || st.Services["odoo"] != "HTTP 502" || st.Since != "2024-03-05T14:30:00Z" {
		t.Fatalf("marker = %+v ok=%v", st, ok)
	}
	r.RecordSuccess("odoo")
	degraded, err = m.Sync(r)
	if err != nil || degraded || m.Present() {
		t.Fatalf("marker should be cleared: degraded=%v err=%v present=%v", degraded, err, m.Present())
	}
}

func TestCheckerReport(t *testing.T) {
	root := t.TempDir()
	reg := NewRegistry()
	c := Checker{Root: root, Zone: "cloud", Registry: reg, Now: fixedNow}

	rep := c.Check()
	if rep.Status != StatusDegraded || rep.VaultOK {
		t.Fatalf("without handbook: %+v", rep)
	}
	if err := os.WriteFile(filepath.Join(root, "Company_Handbook.md"), []byte("# Rules"), 0o644); err != nil {
		t.Fatal(err)
	}
	rep = c.Check()
	if rep.Status != StatusOK || !rep.VaultOK || rep.Zone != "cloud" || rep.Timestamp != "2024-03-05T14:30:00Z" {
		t.Fatalf("healthy vault: %+v", rep)
	}

	reg.RecordFailure("odoo", errors.New("timeout"))
	if _, err := (Marker{Root: root}).Sync(reg); err != nil {
		t.Fatal(err)
	}
	rep = c.Check()
	if rep.Status != StatusDegraded || !rep.VaultOK {
		t.Fatalf("with marker: %+v", rep)
	}
	if !strings.Contains(*rep.Services["odoo"].LastError, "timeout") {
		t.Fatalf("services = %+v", rep.Services)
	}

	missing := Checker{Root: filepath.Join(root, "gone"), Registry: reg}
	if rep := missing.Check(); rep.VaultOK || rep.Status != StatusDegraded {
		t.Fatalf("missing vault: %+v", rep)
	}
}
