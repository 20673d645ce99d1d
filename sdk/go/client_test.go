package vaultlinesdk

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHealthAndApprove(t *testing.T) {
	var gotAuth, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.EscapedPath()
		switch r.URL.Path {
		case "/health":
			json.NewEncoder(w).Encode(map[string]any{"status": "degraded", "zone": "cloud", "vault_ok": true})
		case "/v0/approvals/ODOO payment.md/approve":
			json.NewEncoder(w).Encode(map[string]any{"name": "ODOO payment.md", "state": "approved"})
		default:
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"error":{"code":"not_found","message":"no active plan"}}`))
		}
	}))
	defer srv.Close()

	c := New(srv.URL + "/")
	c.BearerToken = "tok"
	ctx := context.Background()

	h, err := c.Health(ctx)
	if err != nil || !h.Degraded() || h.Zone != "cloud" {
		t.Fatalf("health = %+v err=%v", h, err)
	}
	a, err := c.Approve(ctx, "ODOO payment.md")
	if err != nil || a.State != "approved" {
		t.Fatalf("approve = %+v err=%v", a, err)
	}
	if gotAuth != "Bearer tok" || gotPath != "/v0/approvals/ODOO%20payment.md/approve" {
		t.Fatalf("auth=%q path=%q", gotAuth, gotPath)
	}

	_, err = c.Plan(ctx)
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusNotFound {
		t.Fatalf("plan err = %v", err)
	}
}
