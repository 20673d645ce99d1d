// Package notify posts new approval requests to configured webhooks and
// applies APPROVE/REJECT replies coming back from them.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"regexp"
	"strings"
	"time"

	"vaultline/internal/config"
	"vaultline/internal/domain"
	"vaultline/internal/events"
	"vaultline/internal/repo"
	"vaultline/internal/store"
)

const (
	defaultWebhookTimeout = 5 * time.Second
	// DefaultMaxAttempts bounds deliveries of one file to one endpoint.
	DefaultMaxAttempts = 5

	StatusPending   = "pending"
	StatusDelivered = "delivered"
	StatusFailed    = "failed"

	// EventApprovalRequested is sent in the X-Vaultline-Event header.
	EventApprovalRequested = "approval_requested"
	Actor                  = "notifier"
)

// Deliveries stores per-endpoint delivery state.
type Deliveries interface {
	GetNotification(ctx context.Context, file, endpoint string) (domain.Notification, error)
	UpsertNotification(ctx context.Context, n domain.Notification) error
}

// Auditor appends audit entries.
type Auditor interface {
	Append(ctx context.Context, actionType, actor string, payload events.Payload) (domain.AuditEntry, error)
}

// Notifier delivers every Pending_Approval descriptor once to each active
// webhook, retrying failures on later ticks.
type Notifier struct {
	Store       store.Store
	Webhooks    []config.WebhookConfig
	Deliveries  Deliveries
	Audit       Auditor
	HTTPClient  *http.Client
	MaxAttempts int
	Now         func() time.Time
	Logger      *log.Logger
}

func (n *Notifier) now() time.Time {
	if n.Now != nil {
		return n.Now()
	}
	return time.Now()
}

func (n *Notifier) logger() *log.Logger {
	if n.Logger != nil {
		return n.Logger
	}
	return log.Default()
}

func (n *Notifier) maxAttempts() int {
	if n.MaxAttempts > 0 {
		return n.MaxAttempts
	}
	return DefaultMaxAttempts
}

// Request is the JSON body posted for one approval request.
type Request struct {
	File     string `json:"file"`
	Action   string `json:"action"`
	Type     string `json:"type,omitempty"`
	Priority string `json:"priority,omitempty"`
	Created  string `json:"created,omitempty"`
	Text     string `json:"text"`
	Approve  string `json:"approve"`
	Reject   string `json:"reject"`
}

// Message renders the human-readable notification text.
func Message(file, action string) string {
	return fmt.Sprintf("Approval needed:\n\nFile: %s\nAction: %s\n\nReply:\n  APPROVE %s\n  REJECT %s", file, action, file, file)
}

// Notify delivers outstanding approval requests and returns how many
// deliveries succeeded.
func (n *Notifier) Notify(ctx context.Context) (int, error) {
	var hooks []config.WebhookConfig
	for _, h := range n.Webhooks {
		if h.Active() {
			hooks = append(hooks, h)
		}
	}
	if len(hooks) == 0 {
		return 0, nil
	}
	pending, err := n.Store.ListByState(ctx, domain.StateAwaitingApproval)
	if err != nil {
		return 0, fmt.Errorf("list pending approvals: %w", err)
	}
	delivered := 0
	for _, d := range pending {
		if err := ctx.Err(); err != nil {
			return delivered, err
		}
		req, err := n.request(d)
		if err != nil {
			n.logger().Printf("webhook: read %s failed: %v", d.Name, err)
			continue
		}
		for _, hook := range hooks {
			ok, err := n.deliver(ctx, hook, req)
			if err != nil {
				return delivered, err
			}
			if ok {
				delivered++
			}
		}
	}
	return delivered, nil
}

func (n *Notifier) request(d domain.Descriptor) (Request, error) {
	header, _, err := n.Store.Read(d)
	if err != nil {
		return Request{}, err
	}
	action := header.GetOr("action", "unknown")
	return Request{
		File:     d.Name,
		Action:   action,
		Type:     header.Get("type"),
		Priority: header.Get("priority"),
		Created:  header.Get("created"),
		Text:     Message(d.Name, action),
		Approve:  "APPROVE " + d.Name,
		Reject:   "REJECT " + d.Name,
	}, nil
}

// deliver posts req to hook unless it was already delivered or gave up. It
// reports whether this call delivered. Only delivery-store errors are
// returned.
func (n *Notifier) deliver(ctx context.Context, hook config.WebhookConfig, req Request) (bool, error) {
	rec, err := n.Deliveries.GetNotification(ctx, req.File, hook.URL)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return false, fmt.Errorf("load delivery %s: %w", req.File, err)
	}
	if rec.Status == StatusDelivered || rec.Status == StatusFailed {
		return false, nil
	}
	rec.File = req.File
	rec.Endpoint = hook.URL
	rec.Attempts++
	rec.UpdatedAt = n.now().UTC().Format(time.RFC3339)

	postErr := n.post(ctx, hook, req)
	if postErr != nil {
		msg := postErr.Error()
		rec.LastError = &msg
		rec.Status = StatusPending
		if rec.Attempts >= n.maxAttempts() {
			rec.Status = StatusFailed
		}
		n.logger().Printf("webhook: deliver %s to %s failed (attempt %d): %v", req.File, hook.URL, rec.Attempts, postErr)
	} else {
		rec.Status = StatusDelivered
		rec.LastError = nil
	}
	if err := n.Deliveries.UpsertNotification(ctx, rec); err != nil {
		return false, fmt.Errorf("save delivery %s: %w", req.File, err)
	}
	if postErr != nil {
		return false, nil
	}
	n.logger().Printf("webhook: notified %s of %s", hook.URL, req.File)
	if n.Audit != nil {
		if _, err := n.Audit.Append(ctx, events.ApprovalNotified, Actor, events.Payload{
			"file":     req.File,
			"action":   req.Action,
			"endpoint": hook.URL,
			"attempts": rec.Attempts,
		}); err != nil {
			n.logger().Printf("webhook: audit %s: %v", req.File, err)
		}
	}
	return true, nil
}

func (n *Notifier) post(ctx context.Context, hook config.WebhookConfig, body Request) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	timeout := defaultWebhookTimeout
	if hook.TimeoutSeconds > 0 {
		timeout = time.Duration(hook.TimeoutSeconds) * time.Second
	}
	client := n.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Vaultline-Event", EventApprovalRequested)
	req.Header.Set("X-Vaultline-Delivery", body.File)
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Vaultline-Secret", hook.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(b)))
	}
	return nil
}

// Verb is a reply decision.
type Verb string

const (
	Approve Verb = "APPROVE"
	Reject  Verb = "REJECT"
)

var replyPattern = regexp.MustCompile(`(?i)^(APPROVE|REJECT)\s+(.+)$`)

// ErrUnrecognizedReply is returned for text that is not APPROVE/REJECT <file>.
var ErrUnrecognizedReply = errors.New("unrecognized reply")

// ParseReply splits "APPROVE <file>" or "REJECT <file>".
func ParseReply(text string) (Verb, string, error) {
	m := replyPattern.FindStringSubmatch(strings.TrimSpace(text))
	if m == nil {
		return "", "", fmt.Errorf("%w: %.100s", ErrUnrecognizedReply, text)
	}
	return Verb(strings.ToUpper(m[1])), strings.TrimSpace(m[2]), nil
}

// ApplyReply moves the named Pending_Approval descriptor to Approved or
// Rejected. The file name is matched case-insensitively.
func ApplyReply(ctx context.Context, s store.Store, text string) (Verb, domain.Descriptor, error) {
	verb, name, err := ParseReply(text)
	if err != nil {
		return "", domain.Descriptor{}, err
	}
	if _, err := s.Get(domain.StateAwaitingApproval, name); err != nil {
		for _, candidate := range s.Names(domain.StateAwaitingApproval.Dir()) {
			if strings.EqualFold(candidate, name) {
				name = candidate
				break
			}
		}
	}
	var d domain.Descriptor
	if verb == Approve {
		d, err = s.Approve(ctx, name)
	} else {
		d, err = s.Reject(ctx, name)
	}
	return verb, d, err
}
