package approval

import (
	"context"
	"fmt"
	"log"

	"vaultline/internal/odoo"
	"vaultline/internal/processor"
	"vaultline/internal/social"
)

// Delegate hands the approved content to the processor with an
// action-specific instruction.
type Delegate struct {
	Processor   processor.Processor
	Workdir     string
	Instruction string
}

func (d Delegate) Execute(ctx context.Context, req Request) (Result, error) {
	if d.Processor == nil {
		return Result{}, fmt.Errorf("%s: %w", req.Kind, ErrNoExecutor)
	}
	prompt := fmt.Sprintf("%s\n\n%s\n\n%s", delegateHeading(req.Kind), req.Content, d.Instruction)
	text, err := d.Processor.Invoke(ctx, prompt, d.Workdir)
	out := processor.Text(text, err)
	return Result{Success: !processor.Failed(text, err), Detail: out}, nil
}

func delegateHeading(k Kind) string {
	switch k {
	case KindEmailSend:
		return "You are an operations assistant. Execute this approved email action:"
	case KindOdooInvoice:
		return "You are an operations assistant. Execute this approved Odoo invoice action:"
	case KindOdooPayment:
		return "You are an operations assistant. Execute this approved Odoo payment:"
	}
	return "You are an operations assistant. This action has been APPROVED by a human. Execute it:"
}

// Instructions for processor-delegated actions.
const (
	EmailInstruction   = "Use the send_email tool to send this email. If the tool is not available, report that the email server needs to be configured."
	InvoiceInstruction = "Use the create_invoice tool. If the tool is not available, report that the Odoo server needs to be configured."
	PaymentInstruction = "Use the create_payment tool. This payment was human-approved."
	GeneralInstruction = "Carry out the approved action and provide a brief summary."
)

// Social publishes an approved draft to one platform.
type Social struct {
	Publisher *social.Publisher
	Platform  social.Platform
}

func (s Social) Execute(ctx context.Context, req Request) (Result, error) {
	if s.Publisher == nil {
		return Result{}, fmt.Errorf("%s: %w", req.Kind, ErrNoExecutor)
	}
	res, err := s.Publisher.Publish(ctx, s.Platform, req.Header, req.Content)
	if err != nil {
		return Result{}, err
	}
	detail := res.Message
	if res.PostID != "" {
		detail = fmt.Sprintf("%s (id %s)", res.Message, res.PostID)
	}
	return Result{Success: true, Detail: detail}, nil
}

// Payment runs the payment guard first. A payment without a readable amount
// is held like one above the threshold. Amounts within the threshold go to
// the Odoo client when a partner is named and the client is configured, and
// to Fallback otherwise.
type Payment struct {
	Client   *odoo.Client
	Fallback Executor
	Logger   *log.Logger
}

func (p Payment) guard() odoo.PaymentGuard {
	if p.Client != nil {
		return p.Client.Guard()
	}
	return odoo.PaymentGuard{}
}

func (p Payment) Execute(ctx context.Context, req Request) (Result, error) {
	amount, ok := odoo.Amount(req.Header, req.Body)
	if !ok {
		if p.Logger != nil {
			p.Logger.Printf("dispatcher: payment %s has no readable amount, held", req.Name)
		}
		return Result{NeedsApproval: true, Detail: odoo.AmountNotFound}, nil
	}
	partner := partnerName(req)
	guard := p.guard()
	if guard.NeedsApproval(amount) {
		if p.Logger != nil {
			p.Logger.Printf("dispatcher: payment %s of %.2f held by guard", req.Name, amount)
		}
		return Result{NeedsApproval: true, Detail: guard.Reason(amount, partner)}, nil
	}
	if partner != "" && p.Client.Configured() {
		out, err := p.Client.CreatePayment(ctx, partner, amount, req.Header.Get("memo"))
		if err != nil {
			return Result{}, err
		}
		return outcomeResult(out), nil
	}
	if p.Fallback == nil {
		return Result{}, fmt.Errorf("%s: %w", req.Kind, ErrNoExecutor)
	}
	return p.Fallback.Execute(ctx, req)
}

// Invoice creates a customer invoice through the Odoo client when the
// descriptor names a customer and an amount, and uses Fallback otherwise.
type Invoice struct {
	Client   *odoo.Client
	Fallback Executor
}

func (i Invoice) Execute(ctx context.Context, req Request) (Result, error) {
	amount, ok := odoo.Amount(req.Header, req.Body)
	customer := req.Header.Get("customer_name")
	if ok && customer != "" && i.Client.Configured() {
		out, err := i.Client.CreateInvoice(ctx, customer, []odoo.InvoiceLine{{
			Product:  req.Header.GetOr("product", "Service"),
			Quantity: 1,
			Price:    amount,
		}})
		if err != nil {
			return Result{}, err
		}
		return outcomeResult(out), nil
	}
	if i.Fallback == nil {
		return Result{}, fmt.Errorf("%s: %w", req.Kind, ErrNoExecutor)
	}
	return i.Fallback.Execute(ctx, req)
}

func outcomeResult(out odoo.Outcome) Result {
	if out.NeedsApproval {
		return Result{NeedsApproval: true, Detail: out.Message}
	}
	return Result{Success: true, Detail: out.Message}
}

func partnerName(req Request) string {
	for _, key := range []string{"partner", "partner_name", "vendor"} {
		if v := req.Header.Get(key); v != "" {
			return v
		}
	}
	return ""
}

// Wiring collects the collaborators used to build the standard executors.
type Wiring struct {
	Processor processor.Processor
	Workdir   string
	Odoo      *odoo.Client
	Publisher *social.Publisher
	Logger    *log.Logger
}

// NewExecutors builds the standard executor set.
func NewExecutors(w Wiring) Executors {
	delegate := func(instruction string) Delegate {
		return Delegate{Processor: w.Processor, Workdir: w.Workdir, Instruction: instruction}
	}
	return Executors{
		EmailSend:     delegate(EmailInstruction),
		LinkedInPost:  Social{Publisher: w.Publisher, Platform: social.LinkedIn},
		FacebookPost:  Social{Publisher: w.Publisher, Platform: social.Facebook},
		InstagramPost: Social{Publisher: w.Publisher, Platform: social.Instagram},
		TwitterPost:   Social{Publisher: w.Publisher, Platform: social.Twitter},
		OdooInvoice:   Invoice{Client: w.Odoo, Fallback: delegate(InvoiceInstruction)},
		OdooPayment:   Payment{Client: w.Odoo, Fallback: delegate(PaymentInstruction), Logger: w.Logger},
		General:       delegate(GeneralInstruction),
	}
}
