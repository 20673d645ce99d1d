package vaultlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal Vaultline HTTP client for the liveness endpoint and
// the ops API.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// ServiceHealth is the last known state of one external service.
type ServiceHealth struct {
	Healthy   bool    `json:"healthy"`
	LastCheck string  `json:"last_check"`
	LastError *string `json:"last_error"`
}

// Health is the /health report.
type Health struct {
	Status    string                   `json:"status"`
	Zone      string                   `json:"zone"`
	Timestamp string                   `json:"timestamp"`
	VaultOK   bool                     `json:"vault_ok"`
	Services  map[string]ServiceHealth `json:"services"`
}

// Degraded reports whether the remote vault is degraded.
func (h Health) Degraded() bool { return h.Status != "ok" }

// Status is the dashboard snapshot.
type Status struct {
	GeneratedAt     string                   `json:"generated_at"`
	Counts          map[string]int           `json:"counts"`
	DoneToday       int                      `json:"done_today"`
	SocialPending   int                      `json:"social_pending"`
	OdooStatus      string                   `json:"odoo_status"`
	Services        map[string]ServiceHealth `json:"services"`
	ActivePlan      string                   `json:"active_plan,omitempty"`
	ActivePlanSteps string                   `json:"active_plan_steps,omitempty"`
}

// Event is an indexed audit entry.
type Event struct {
	ID         string         `json:"id"`
	TS         string         `json:"ts"`
	ActionType string         `json:"action_type"`
	Actor      string         `json:"actor"`
	File       string         `json:"file,omitempty"`
	Payload    map[string]any `json:"payload"`
}

// Approval is a descriptor awaiting (or past) a human decision.
type Approval struct {
	Name     string `json:"name"`
	State    string `json:"state"`
	Action   string `json:"action"`
	Type     string `json:"type,omitempty"`
	Priority string `json:"priority,omitempty"`
	Created  string `json:"created,omitempty"`
	ModTime  string `json:"mod_time"`
}

// Step is one plan checklist item.
type Step struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	Completed   bool   `json:"completed"`
}

// Plan is the active plan iteration state.
type Plan struct {
	TaskName      string `json:"task_name"`
	Created       string `json:"created"`
	Iteration     int    `json:"iteration"`
	MaxIterations int    `json:"max_iterations"`
	Steps         []Step `json:"steps"`
}

// JobRun is one recorded scheduler job execution.
type JobRun struct {
	ID         string  `json:"id"`
	Job        string  `json:"job"`
	Zone       string  `json:"zone"`
	StartedAt  string  `json:"started_at"`
	FinishedAt string  `json:"finished_at"`
	Status     string  `json:"status"`
	Error      *string `json:"error,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Health fetches the unauthenticated liveness report.
func (c *Client) Health(ctx context.Context) (Health, error) {
	var resp Health
	err := c.do(ctx, http.MethodGet, "health", nil, &resp)
	return resp, err
}

// Status returns the dashboard snapshot.
func (c *Client) Status(ctx context.Context) (Status, error) {
	var resp Status
	err := c.do(ctx, http.MethodGet, "v0/status", nil, &resp)
	return resp, err
}

// Events returns recent audit entries, newest first. An empty actionType
// returns every type.
func (c *Client) Events(ctx context.Context, limit int, actionType string) ([]Event, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if actionType != "" {
		q.Set("type", actionType)
	}
	endpoint := "v0/events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp struct {
		Items []Event `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// Approvals lists descriptors awaiting approval.
func (c *Client) Approvals(ctx context.Context) ([]Approval, error) {
	var resp struct {
		Items []Approval `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "v0/approvals", nil, &resp)
	return resp.Items, err
}

// Approve moves a pending approval to Approved.
func (c *Client) Approve(ctx context.Context, name string) (Approval, error) {
	var resp Approval
	err := c.do(ctx, http.MethodPost, "v0/approvals/"+url.PathEscape(name)+"/approve", nil, &resp)
	return resp, err
}

// Reject moves a pending approval to Rejected.
func (c *Client) Reject(ctx context.Context, name string) (Approval, error) {
	var resp Approval
	err := c.do(ctx, http.MethodPost, "v0/approvals/"+url.PathEscape(name)+"/reject", nil, &resp)
	return resp, err
}

// Reply forwards an "APPROVE <file>" or "REJECT <file>" message.
func (c *Client) Reply(ctx context.Context, text string) (Approval, error) {
	var resp struct {
		Verb     string   `json:"verb"`
		Approval Approval `json:"approval"`
	}
	err := c.do(ctx, http.MethodPost, "v0/replies", map[string]string{"text": text}, &resp)
	return resp.Approval, err
}

// Plan returns the active plan state. A 404 APIError means no plan is active.
func (c *Client) Plan(ctx context.Context) (Plan, error) {
	var resp Plan
	err := c.do(ctx, http.MethodGet, "v0/plan", nil, &resp)
	return resp, err
}

// JobRuns returns recent scheduler runs, optionally for one job.
func (c *Client) JobRuns(ctx context.Context, job string, limit int) ([]JobRun, error) {
	q := url.Values{}
	if job != "" {
		q.Set("job", job)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	endpoint := "v0/jobs"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp struct {
		Items []JobRun `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
