// Package approval dispatches human-approved descriptors to the executor for
// their action and archives rejected ones.
package approval

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"vaultline/internal/domain"
	"vaultline/internal/events"
	"vaultline/internal/frontmatter"
	"vaultline/internal/metrics"
	"vaultline/internal/store"
)

// Kind is the action an approved descriptor asks for.
type Kind string

const (
	KindEmailSend     Kind = "email_send"
	KindLinkedInPost  Kind = "linkedin_post"
	KindFacebookPost  Kind = "facebook_post"
	KindInstagramPost Kind = "instagram_post"
	KindTwitterPost   Kind = "twitter_post"
	KindOdooInvoice   Kind = "odoo_invoice"
	KindOdooPayment   Kind = "odoo_payment"
	KindGeneral       Kind = "general"
)

// Kinds lists every action kind.
var Kinds = []Kind{
	KindEmailSend,
	KindLinkedInPost,
	KindFacebookPost,
	KindInstagramPost,
	KindTwitterPost,
	KindOdooInvoice,
	KindOdooPayment,
	KindGeneral,
}

// ParseKind maps an action header value to a Kind. Unknown and empty values
// are general.
func ParseKind(v string) Kind {
	v = strings.ToLower(strings.TrimSpace(v))
	for _, k := range Kinds {
		if v == string(k) {
			return k
		}
	}
	return KindGeneral
}

// Request is one approved descriptor handed to an executor.
type Request struct {
	Name    string
	Kind    Kind
	Header  frontmatter.Header
	Body    string
	Content string
}

// Result is an executor outcome. NeedsApproval is a business hold, not a
// failure of the executor.
type Result struct {
	Success       bool
	NeedsApproval bool
	Detail        string
}

const (
	ResultSuccess       = "success"
	ResultError         = "error"
	ResultNeedsApproval = "needs_approval"
	ResultRejected      = "rejected"
)

// Outcome is the audit result string.
func (r Result) Outcome() string {
	switch {
	case r.NeedsApproval:
		return ResultNeedsApproval
	case r.Success:
		return ResultSuccess
	}
	return ResultError
}

type Executor interface {
	Execute(ctx context.Context, req Request) (Result, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, req Request) (Result, error)

func (f ExecutorFunc) Execute(ctx context.Context, req Request) (Result, error) {
	return f(ctx, req)
}

// Executors holds one executor per Kind.
type Executors struct {
	EmailSend     Executor
	LinkedInPost  Executor
	FacebookPost  Executor
	InstagramPost Executor
	TwitterPost   Executor
	OdooInvoice   Executor
	OdooPayment   Executor
	General       Executor
}

// For returns the executor registered for k.
func (e Executors) For(k Kind) Executor {
	switch k {
	case KindEmailSend:
		return e.EmailSend
	case KindLinkedInPost:
		return e.LinkedInPost
	case KindFacebookPost:
		return e.FacebookPost
	case KindInstagramPost:
		return e.InstagramPost
	case KindTwitterPost:
		return e.TwitterPost
	case KindOdooInvoice:
		return e.OdooInvoice
	case KindOdooPayment:
		return e.OdooPayment
	case KindGeneral:
		return e.General
	}
	return e.General
}

// ErrNoExecutor is reported when no executor is wired for a kind.
var ErrNoExecutor = errors.New("no executor configured")

// Auditor appends audit entries.
type Auditor interface {
	Append(ctx context.Context, actionType, actor string, payload events.Payload) (domain.AuditEntry, error)
}

const maxDetail = 500

// Dispatcher drains Approved and Rejected. Each descriptor ends in Done with
// exactly one audit entry whatever its executor does.
type Dispatcher struct {
	Store     store.Store
	Executors Executors
	Audit     Auditor
	Logger    *log.Logger
}

func (d Dispatcher) logger() *log.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return log.Default()
}

// DrainApproved executes every approved descriptor and archives it. It
// returns the number of descriptors handled.
func (d Dispatcher) DrainApproved(ctx context.Context) (int, error) {
	items, err := d.Store.ListByState(ctx, domain.StateApproved)
	if err != nil {
		return 0, fmt.Errorf("list approved: %w", err)
	}
	if len(items) > 0 {
		d.logger().Printf("dispatcher: found %d approved action(s)", len(items))
	}
	n := 0
	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		d.executeOne(ctx, item)
		n++
	}
	return n, nil
}

func (d Dispatcher) executeOne(ctx context.Context, item domain.Descriptor) {
	header, content, err := d.Store.Read(item)
	req := Request{Name: item.Name, Header: header, Content: content}
	_, body := frontmatter.Lenient([]byte(content))
	req.Body = string(body)
	req.Kind = ParseKind(header.Get("action"))

	var res Result
	if err != nil {
		res = Result{Detail: err.Error()}
	} else {
		d.logger().Printf("dispatcher: executing approved action %s (type: %s)", item.Name, req.Kind)
		res = d.run(ctx, req)
	}
	metrics.ApprovalsExecuted.WithLabelValues(string(req.Kind), res.Outcome()).Inc()
	if d.Audit != nil {
		if _, err := d.Audit.Append(ctx, events.ApprovedActionExecuted, "orchestrator", events.Payload{
			"file":    item.Name,
			"action":  string(req.Kind),
			"result":  res.Outcome(),
			"details": truncate(res.Detail, maxDetail),
		}); err != nil {
			d.logger().Printf("dispatcher: audit %s: %v", item.Name, err)
		}
	}
	if done, err := d.Store.Complete(ctx, item); err != nil {
		d.logger().Printf("dispatcher: archive %s: %v", item.Name, err)
	} else {
		d.logger().Printf("dispatcher: moved to Done: %s", done.Name)
	}
}

// run calls the executor and turns errors and panics into failure results.
func (d Dispatcher) run(ctx context.Context, req Request) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			d.logger().Printf("dispatcher: executor for %s panicked: %v", req.Name, r)
			res = Result{Detail: fmt.Sprintf("executor panic: %v", r)}
		}
	}()
	exec := d.Executors.For(req.Kind)
	if exec == nil {
		return Result{Detail: fmt.Sprintf("%s: %v", req.Kind, ErrNoExecutor)}
	}
	out, err := exec.Execute(ctx, req)
	if err != nil {
		d.logger().Printf("dispatcher: %s failed: %v", req.Name, err)
		return Result{Detail: err.Error()}
	}
	return out
}

// DrainRejected records each rejection and archives the descriptor.
func (d Dispatcher) DrainRejected(ctx context.Context) (int, error) {
	items, err := d.Store.ListByState(ctx, domain.StateRejected)
	if err != nil {
		return 0, fmt.Errorf("list rejected: %w", err)
	}
	n := 0
	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		d.logger().Printf("dispatcher: archiving rejected action: %s", item.Name)
		metrics.ApprovalsRejected.Inc()
		if d.Audit != nil {
			if _, err := d.Audit.Append(ctx, events.ActionRejected, "human", events.Payload{
				"file":   item.Name,
				"result": ResultRejected,
			}); err != nil {
				d.logger().Printf("dispatcher: audit %s: %v", item.Name, err)
			}
		}
		if _, err := d.Store.Complete(ctx, item); err != nil {
			d.logger().Printf("dispatcher: archive %s: %v", item.Name, err)
		}
		n++
	}
	return n, nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
