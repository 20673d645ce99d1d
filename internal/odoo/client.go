// Package odoo talks to an Odoo accounting server over JSON-RPC.
package odoo

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"vaultline/internal/health"
	"vaultline/internal/retry"
)

// Service is the health registry key for Odoo.
const Service = "odoo"

var (
	ErrNotConfigured = errors.New("Odoo not configured: set ODOO_URL, ODOO_DB, ODOO_USERNAME and ODOO_PASSWORD")
	ErrAuth          = errors.New("Odoo authentication failed: check credentials")
)

// RPCError is an error object returned by the server.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    struct {
		Name    string `json:"name"`
		Message string `json:"message"`
	} `json:"data"`
}

func (e *RPCError) Error() string {
	if e.Data.Message != "" {
		return fmt.Sprintf("odoo rpc error %d: %s: %s", e.Code, e.Message, e.Data.Message)
	}
	return fmt.Sprintf("odoo rpc error %d: %s", e.Code, e.Message)
}

// StatusError reports a non-200 HTTP response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("odoo http status %d: %s", e.StatusCode, strings.TrimSpace(e.Body))
}

type Config struct {
	URL              string
	DB               string
	Username         string
	Password         string
	DryRun           bool
	PaymentThreshold float64
	Timeout          time.Duration
}

// Client is a thin JSON-RPC client. Every remote call updates the health
// registry under Service.
type Client struct {
	Config     Config
	Health     *health.Registry
	Retry      retry.Policy
	HTTPClient *http.Client
	Logger     *log.Logger

	mu  sync.Mutex
	uid int
	seq atomic.Int64
}

func New(cfg Config, reg *health.Registry, logger *log.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Client{
		Config: cfg,
		Health: reg,
		Retry:  retry.Policy{MaxRetries: 2, BaseDelay: 2 * time.Second, MaxDelay: 30 * time.Second, Logger: logger, Name: "odoo"},
		Logger: logger,
	}
}

// Configured reports whether a server URL is set.
func (c *Client) Configured() bool {
	return c != nil && strings.TrimSpace(c.Config.URL) != ""
}

// Status is the dashboard line for the accounting integration.
func (c *Client) Status() string {
	if !c.Configured() {
		return "Not configured"
	}
	return fmt.Sprintf("Configured (%s)", c.Config.URL)
}

// Guard returns the payment guard for this client's threshold.
func (c *Client) Guard() PaymentGuard {
	return PaymentGuard{Threshold: c.Config.PaymentThreshold}
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Config.Timeout}
	}
	return c.HTTPClient
}

func (c *Client) logger() *log.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return log.Default()
}

func (c *Client) base() string {
	return strings.TrimRight(c.Config.URL, "/")
}

func (c *Client) record(err error) {
	if c.Health == nil {
		return
	}
	if err != nil {
		c.Health.RecordFailure(Service, err)
		return
	}
	c.Health.RecordSuccess(Service)
}

// Ping checks that the web login page answers 200.
func (c *Client) Ping(ctx context.Context) error {
	if !c.Configured() {
		err := ErrNotConfigured
		c.record(err)
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base()+"/web/login", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient().Do(req)
	if err != nil {
		c.record(err)
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		err = &StatusError{StatusCode: resp.StatusCode}
		c.record(err)
		return err
	}
	c.record(nil)
	return nil
}

type rpcRequest struct {
	JSONRPC string         `json:"jsonrpc"`
	Method  string         `json:"method"`
	Params  map[string]any `json:"params"`
	ID      int64          `json:"id"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

// call performs one JSON-RPC request with retry on transport and 5xx errors.
func (c *Client) call(ctx context.Context, service, method string, args ...any) (json.RawMessage, error) {
	if !c.Configured() {
		return nil, ErrNotConfigured
	}
	policy := c.Retry
	policy.Retryable = retryable
	out, err := retry.Value(ctx, policy, func(ctx context.Context) (json.RawMessage, error) {
		return c.post(ctx, service, method, args)
	})
	c.record(err)
	return out, err
}

func retryable(err error) bool {
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) || errors.Is(err, ErrAuth) {
		return false
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode >= 500
	}
	return true
}

func (c *Client) post(ctx context.Context, service, method string, args []any) (json.RawMessage, error) {
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		Method:  "call",
		Params:  map[string]any{"service": service, "method": method, "args": args},
		ID:      c.seq.Add(1),
	})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base()+"/jsonrpc", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	var out rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode odoo response: %w", err)
	}
	if out.Error != nil {
		return nil, out.Error
	}
	return out.Result, nil
}

func (c *Client) authenticate(ctx context.Context) (int, error) {
	c.mu.Lock()
	uid := c.uid
	c.mu.Unlock()
	if uid != 0 {
		return uid, nil
	}
	raw, err := c.call(ctx, "common", "authenticate", c.Config.DB, c.Config.Username, c.Config.Password, map[string]any{})
	if err != nil {
		return 0, err
	}
	// a failed login answers false instead of an id
	if err := json.Unmarshal(raw, &uid); err != nil || uid == 0 {
		c.record(ErrAuth)
		return 0, ErrAuth
	}
	c.mu.Lock()
	c.uid = uid
	c.mu.Unlock()
	return uid, nil
}

func (c *Client) execute(ctx context.Context, model, method string, args []any, kwargs map[string]any) (json.RawMessage, error) {
	uid, err := c.authenticate(ctx)
	if err != nil {
		return nil, err
	}
	if kwargs == nil {
		kwargs = map[string]any{}
	}
	return c.call(ctx, "object", "execute_kw", c.Config.DB, uid, c.Config.Password, model, method, args, kwargs)
}

// SearchRead returns records of model matching domain.
func (c *Client) SearchRead(ctx context.Context, model string, domain []any, fields []string, limit int, order string) ([]map[string]any, error) {
	kw := map[string]any{"fields": fields, "limit": limit}
	if order != "" {
		kw["order"] = order
	}
	raw, err := c.execute(ctx, model, "search_read", []any{domain}, kw)
	if err != nil {
		return nil, err
	}
	var out []map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode %s records: %w", model, err)
	}
	return out, nil
}

// Create inserts one record and returns its id. Servers that answer with a
// list of ids are unwrapped.
func (c *Client) Create(ctx context.Context, model string, values map[string]any) (int, error) {
	raw, err := c.execute(ctx, model, "create", []any{[]any{values}}, nil)
	if err != nil {
		return 0, err
	}
	var id int
	if err := json.Unmarshal(raw, &id); err == nil {
		return id, nil
	}
	var ids []int
	if err := json.Unmarshal(raw, &ids); err != nil || len(ids) == 0 {
		return 0, fmt.Errorf("unexpected create result for %s: %s", model, raw)
	}
	return ids[0], nil
}

// PartnerID finds a partner by exact name, creating it when missing.
func (c *Client) PartnerID(ctx context.Context, name string) (int, error) {
	found, err := c.SearchRead(ctx, "res.partner", []any{[]any{"name", "=", name}}, []string{"id"}, 1, "")
	if err != nil {
		return 0, err
	}
	if len(found) > 0 {
		if id, ok := found[0]["id"].(float64); ok {
			return int(id), nil
		}
	}
	return c.Create(ctx, "res.partner", map[string]any{"name": name})
}

// InvoiceLine is one product line of a customer invoice.
type InvoiceLine struct {
	Product  string  `json:"product"`
	Quantity float64 `json:"quantity"`
	Price    float64 `json:"price"`
}

// Outcome is the result of an accounting write.
type Outcome struct {
	ID            int    `json:"id,omitempty"`
	DryRun        bool   `json:"dry_run,omitempty"`
	NeedsApproval bool   `json:"needs_approval,omitempty"`
	Message       string `json:"message"`
}

// CreateInvoice creates a customer invoice. With DryRun nothing is sent.
func (c *Client) CreateInvoice(ctx context.Context, customer string, lines []InvoiceLine) (Outcome, error) {
	if customer == "" || len(lines) == 0 {
		return Outcome{}, errors.New("invoice requires a customer and at least one line")
	}
	if c.Config.DryRun {
		return Outcome{DryRun: true, Message: fmt.Sprintf("[DRY RUN] Would create invoice for %s", customer)}, nil
	}
	partner, err := c.PartnerID(ctx, customer)
	if err != nil {
		return Outcome{}, err
	}
	var invoiceLines []any
	for _, ln := range lines {
		product := ln.Product
		if product == "" {
			product = "Service"
		}
		qty := ln.Quantity
		if qty == 0 {
			qty = 1
		}
		invoiceLines = append(invoiceLines, []any{0, 0, map[string]any{
			"name":       product,
			"quantity":   qty,
			"price_unit": ln.Price,
		}})
	}
	id, err := c.Create(ctx, "account.move", map[string]any{
		"move_type":        "out_invoice",
		"partner_id":       partner,
		"invoice_line_ids": invoiceLines,
	})
	if err != nil {
		return Outcome{}, err
	}
	c.logger().Printf("odoo: created invoice %d for %s", id, customer)
	return Outcome{ID: id, Message: fmt.Sprintf("Created invoice %d for %s", id, customer)}, nil
}

// CreatePayment registers an outbound supplier payment. Amounts above the
// guard threshold are held and never sent.
func (c *Client) CreatePayment(ctx context.Context, partner string, amount float64, memo string) (Outcome, error) {
	if partner == "" || amount <= 0 {
		return Outcome{}, errors.New("payment requires a partner and a positive amount")
	}
	guard := c.Guard()
	if guard.NeedsApproval(amount) {
		return Outcome{NeedsApproval: true, Message: guard.Reason(amount, partner)}, nil
	}
	if c.Config.DryRun {
		return Outcome{DryRun: true, Message: fmt.Sprintf("[DRY RUN] Would register $%.2f payment to %s", amount, partner)}, nil
	}
	partnerID, err := c.PartnerID(ctx, partner)
	if err != nil {
		return Outcome{}, err
	}
	if memo == "" {
		memo = "Payment to " + partner
	}
	id, err := c.Create(ctx, "account.payment", map[string]any{
		"payment_type": "outbound",
		"partner_type": "supplier",
		"partner_id":   partnerID,
		"amount":       amount,
		"ref":          memo,
	})
	if err != nil {
		return Outcome{}, err
	}
	c.logger().Printf("odoo: registered payment %d of %.2f to %s", id, amount, partner)
	return Outcome{ID: id, Message: fmt.Sprintf("Registered payment %d of $%.2f to %s", id, amount, partner)}, nil
}
