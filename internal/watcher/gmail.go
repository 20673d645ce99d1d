package watcher

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gmail "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"vaultline/internal/domain"
	"vaultline/internal/events"
	"vaultline/internal/frontmatter"
	"vaultline/internal/health"
	"vaultline/internal/repo"
	"vaultline/internal/retry"
	"vaultline/internal/store"
)

const (
	// DefaultGmailURL is the Gmail REST API root.
	DefaultGmailURL = "https://gmail.googleapis.com/"
	// GmailSource names the Gmail entries in the processed-message ledger.
	GmailSource = "gmail"

	defaultMaxResults = 10
	maxBody           = 2000
)

var ErrGmailNotConfigured = errors.New("gmail not configured: set GMAIL_ACCESS_TOKEN, GMAIL_REFRESH_TOKEN or GMAIL_TOKEN_PATH")

// GmailConfig holds the poller credentials. AccessToken and RefreshToken win
// over TokenPath, a JSON token file as written by the Google auth flow. A
// refresh token together with ClientID and ClientSecret renews expired
// access tokens.
type GmailConfig struct {
	AccessToken  string `yaml:"access_token,omitempty"`
	RefreshToken string `yaml:"refresh_token,omitempty"`
	ClientID     string `yaml:"client_id,omitempty"`
	ClientSecret string `yaml:"client_secret,omitempty"`
	TokenPath    string `yaml:"token_path,omitempty"`
	APIURL       string `yaml:"api_url,omitempty"`
	Query        string `yaml:"query,omitempty"`
	MaxResults   int    `yaml:"max_results,omitempty"`
}

// Configured reports whether any credential source is set.
func (c GmailConfig) Configured() bool {
	return strings.TrimSpace(c.AccessToken) != "" ||
		strings.TrimSpace(c.RefreshToken) != "" ||
		strings.TrimSpace(c.TokenPath) != ""
}

// Ledger remembers which message ids were ingested.
type Ledger interface {
	IsProcessed(ctx context.Context, source, id string) (bool, error)
	MarkProcessed(ctx context.Context, source, id string, seenAt time.Time) error
	TrimProcessed(ctx context.Context, source string, keep int) (int64, error)
}

// Email is the part of a Gmail message written into a descriptor.
type Email struct {
	ID      string
	Subject string
	From    string
	Date    string
	Snippet string
	Body    string
	Labels  []string
}

// Gmail polls for unread messages and writes one EMAIL_ descriptor per new
// message.
type Gmail struct {
	Config GmailConfig
	Store  store.Store
	Ledger Ledger
	Audit  Auditor
	Health *health.Registry
	Retry  retry.Policy
	// HTTPClient is the base transport under the OAuth2 client.
	HTTPClient *http.Client
	Now        func() time.Time
	Logger     *log.Logger

	mu     sync.Mutex
	tokens oauth2.TokenSource
}

func (g *Gmail) now() time.Time {
	if g.Now != nil {
		return g.Now()
	}
	return time.Now()
}

func (g *Gmail) logger() *log.Logger {
	if g.Logger != nil {
		return g.Logger
	}
	return log.Default()
}

func (g *Gmail) endpoint() string {
	if g.Config.APIURL != "" {
		return strings.TrimRight(g.Config.APIURL, "/") + "/"
	}
	return DefaultGmailURL
}

// ClassifyEmail assigns critical, high, medium or low from the subject and
// labels.
func ClassifyEmail(subject string, labels []string) string {
	s := strings.ToLower(subject)
	has := func(words ...string) bool {
		for _, w := range words {
			if strings.Contains(s, w) {
				return true
			}
		}
		return false
	}
	for _, l := range labels {
		if l == "IMPORTANT" || l == "CATEGORY_PERSONAL" {
			if has("urgent", "asap", "critical", "payment", "invoice") {
				return "critical"
			}
			return "high"
		}
	}
	switch {
	case has("meeting", "deadline", "review", "action required"):
		return "high"
	case has("update", "report", "summary", "fyi"):
		return "medium"
	default:
		return "low"
	}
}

// Poll fetches unread messages and ingests the new ones. It returns the
// number of descriptors written.
func (g *Gmail) Poll(ctx context.Context) (int, error) {
	svc, err := g.service(ctx)
	if err != nil {
		return 0, err
	}
	emails, err := g.fetchUnread(ctx, svc)
	g.record(err)
	if err != nil {
		return 0, err
	}

	created := 0
	for _, e := range emails {
		if g.Ledger != nil {
			done, err := g.Ledger.IsProcessed(ctx, GmailSource, e.ID)
			if err != nil {
				return created, fmt.Errorf("ledger lookup %s: %w", e.ID, err)
			}
			if done {
				continue
			}
		}
		if _, err := g.Ingest(ctx, e); err != nil {
			g.logger().Printf("gmail: ingest %s: %v", e.ID, err)
			continue
		}
		created++
		if g.Ledger != nil {
			if err := g.Ledger.MarkProcessed(ctx, GmailSource, e.ID, g.now()); err != nil {
				return created, fmt.Errorf("ledger mark %s: %w", e.ID, err)
			}
		}
	}
	if g.Ledger != nil {
		if _, err := g.Ledger.TrimProcessed(ctx, GmailSource, repo.DefaultLedgerCap); err != nil {
			g.logger().Printf("gmail: trim ledger: %v", err)
		}
	}
	if created > 0 {
		g.logger().Printf("gmail: created %d new email action(s)", created)
	} else {
		g.logger().Printf("gmail: no new emails to process")
	}
	return created, nil
}

// Ingest writes the descriptor for e.
func (g *Gmail) Ingest(ctx context.Context, e Email) (domain.Descriptor, error) {
	now := g.now()
	created := now.UTC().Format(time.RFC3339)
	id := e.ID
	if len(id) > 12 {
		id = id[:12]
	}
	name := fmt.Sprintf("EMAIL_%s_%s.md", id, now.Format("150405"))
	priority := ClassifyEmail(e.Subject, e.Labels)
	text := e.Body
	if text == "" {
		text = e.Snippet
	}

	body := fmt.Sprintf(`# Email: %s

## Sender
%s

## Date
%s

## Body
%s

## Suggested Actions
- [ ] Read and understand email content
- [ ] Determine if reply is needed
- [ ] If payment/sensitive: create approval in /Pending_Approval
- [ ] Process and move to /Done
`, e.Subject, e.From, e.Date, text)

	d, err := g.Store.Create(ctx, domain.StatePending, name, []frontmatter.Field{
		{Key: "type", Value: "email"},
		{Key: "source", Value: "gmail"},
		{Key: "message_id", Value: e.ID},
		{Key: "from", Value: e.From},
		{Key: "subject", Value: e.Subject},
		{Key: "date", Value: e.Date},
		{Key: "priority", Value: priority},
		{Key: "status", Value: "pending"},
		{Key: "created", Value: created},
	}, body)
	if err != nil {
		return domain.Descriptor{}, err
	}
	g.logger().Printf("gmail: created email action: %s (priority: %s)", name, priority)
	if g.Audit != nil {
		if _, err := g.Audit.Append(ctx, events.EmailReceived, Actor, events.Payload{
			"file":       name,
			"message_id": e.ID,
			"subject":    e.Subject,
			"priority":   priority,
		}); err != nil {
			g.logger().Printf("gmail: audit %s: %v", name, err)
		}
	}
	return d, nil
}

func (g *Gmail) record(err error) {
	if g.Health == nil {
		return
	}
	if err != nil {
		g.Health.RecordFailure(GmailSource, err)
		return
	}
	g.Health.RecordSuccess(GmailSource)
}

// tokenSource returns the cached OAuth2 token source, building it from the
// config on first use.
func (g *Gmail) tokenSource(ctx context.Context) (oauth2.TokenSource, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.tokens != nil {
		return g.tokens, nil
	}
	// the source outlives this poll and refreshes through the base client
	ctx = context.WithoutCancel(ctx)
	if g.HTTPClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, g.HTTPClient)
	}
	cfg := g.Config
	var (
		ts  oauth2.TokenSource
		err error
	)
	switch {
	case strings.TrimSpace(cfg.AccessToken) != "" || strings.TrimSpace(cfg.RefreshToken) != "":
		ts = refreshing(ctx, tokenFile{
			Token:        strings.TrimSpace(cfg.AccessToken),
			RefreshToken: strings.TrimSpace(cfg.RefreshToken),
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
		})
	case cfg.TokenPath != "":
		ts, err = fileTokenSource(ctx, cfg.TokenPath, g.logger())
	default:
		return nil, ErrGmailNotConfigured
	}
	if err != nil {
		return nil, err
	}
	g.tokens = ts
	return ts, nil
}

func (g *Gmail) service(ctx context.Context) (*gmail.Service, error) {
	ts, err := g.tokenSource(ctx)
	if err != nil {
		return nil, err
	}
	base := g.HTTPClient
	if base == nil {
		base = &http.Client{Timeout: 30 * time.Second}
	}
	hc := oauth2.NewClient(context.WithValue(ctx, oauth2.HTTPClient, base), ts)
	hc.Timeout = base.Timeout
	return gmail.NewService(ctx, option.WithHTTPClient(hc), option.WithEndpoint(g.endpoint()))
}

// tokenFile is the JSON token file. Unknown fields survive a rewrite.
type tokenFile struct {
	Token        string   `json:"token,omitempty"`
	AccessToken  string   `json:"access_token,omitempty"`
	RefreshToken string   `json:"refresh_token,omitempty"`
	TokenURI     string   `json:"token_uri,omitempty"`
	ClientID     string   `json:"client_id,omitempty"`
	ClientSecret string   `json:"client_secret,omitempty"`
	Scopes       []string `json:"scopes,omitempty"`
	Expiry       string   `json:"expiry,omitempty"`
}

func (f tokenFile) accessToken() string {
	if f.Token != "" {
		return f.Token
	}
	return f.AccessToken
}

// refreshing returns a source that renews the access token when it expires
// and a refresh token and client are known, and a static source otherwise.
func refreshing(ctx context.Context, f tokenFile) oauth2.TokenSource {
	tok := &oauth2.Token{AccessToken: f.accessToken(), RefreshToken: f.RefreshToken, TokenType: "Bearer"}
	if f.Expiry != "" {
		if exp, err := time.Parse(time.RFC3339Nano, f.Expiry); err == nil {
			tok.Expiry = exp
		}
	}
	if f.RefreshToken == "" || f.ClientID == "" {
		return oauth2.StaticTokenSource(tok)
	}
	if tok.Expiry.IsZero() || tok.AccessToken == "" {
		// unknown lifetime: renew on first use
		tok.Expiry = time.Unix(1, 0)
	}
	endpoint := google.Endpoint
	if f.TokenURI != "" {
		endpoint.TokenURL = f.TokenURI
	}
	conf := &oauth2.Config{
		ClientID:     f.ClientID,
		ClientSecret: f.ClientSecret,
		Endpoint:     endpoint,
		Scopes:       f.Scopes,
	}
	return conf.TokenSource(ctx, tok)
}

func fileTokenSource(ctx context.Context, path string, logger *log.Logger) (oauth2.TokenSource, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read gmail token: %w", err)
	}
	var f tokenFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse gmail token: %w", err)
	}
	if f.accessToken() == "" && f.RefreshToken == "" {
		return nil, fmt.Errorf("gmail token file %s has no token", path)
	}
	return &persistingSource{path: path, src: refreshing(ctx, f), last: f.accessToken(), logger: logger}, nil
}

// persistingSource writes renewed access tokens back to the token file.
type persistingSource struct {
	path   string
	src    oauth2.TokenSource
	logger *log.Logger

	mu   sync.Mutex
	last string
}

func (p *persistingSource) Token() (*oauth2.Token, error) {
	tok, err := p.src.Token()
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if tok.AccessToken != p.last {
		if err := p.save(tok); err != nil {
			p.logger.Printf("gmail: save refreshed token: %v", err)
		} else {
			p.logger.Printf("gmail: access token refreshed")
		}
		p.last = tok.AccessToken
	}
	return tok, nil
}

func (p *persistingSource) save(tok *oauth2.Token) error {
	fields := map[string]any{}
	if data, err := os.ReadFile(p.path); err == nil {
		_ = json.Unmarshal(data, &fields)
	}
	fields["token"] = tok.AccessToken
	delete(fields, "access_token")
	if tok.RefreshToken != "" {
		fields["refresh_token"] = tok.RefreshToken
	}
	if !tok.Expiry.IsZero() {
		fields["expiry"] = tok.Expiry.UTC().Format(time.RFC3339Nano)
	}
	data, err := json.MarshalIndent(fields, "", "  ")
	if err != nil {
		return err
	}
	return store.WriteFileAtomic(p.path, data, 0o600)
}

func (g *Gmail) fetchUnread(ctx context.Context, svc *gmail.Service) ([]Email, error) {
	query := g.Config.Query
	if query == "" {
		query = "is:unread"
	}
	limit := g.Config.MaxResults
	if limit <= 0 {
		limit = defaultMaxResults
	}

	var list *gmail.ListMessagesResponse
	err := g.call(ctx, func(ctx context.Context) error {
		var err error
		list, err = svc.Users.Messages.List("me").Q(query).MaxResults(int64(limit)).Context(ctx).Do()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	var out []Email
	for _, m := range list.Messages {
		var msg *gmail.Message
		err := g.call(ctx, func(ctx context.Context) error {
			var err error
			msg, err = svc.Users.Messages.Get("me", m.Id).Format("full").Context(ctx).Do()
			return err
		})
		if err != nil {
			g.logger().Printf("gmail: fetch message %s: %v", m.Id, err)
			continue
		}
		out = append(out, toEmail(m.Id, msg))
	}
	return out, nil
}

// call retries fn on transport errors, 429 and 5xx answers.
func (g *Gmail) call(ctx context.Context, fn func(ctx context.Context) error) error {
	policy := g.Retry
	policy.Name = "gmail"
	policy.Retryable = func(err error) bool {
		var apiErr *googleapi.Error
		if errors.As(err, &apiErr) {
			return apiErr.Code == http.StatusTooManyRequests || apiErr.Code >= 500
		}
		var authErr *oauth2.RetrieveError
		return !errors.As(err, &authErr)
	}
	return retry.Do(ctx, policy, fn)
}

func toEmail(id string, msg *gmail.Message) Email {
	headers := map[string]string{}
	if msg.Payload != nil {
		for _, h := range msg.Payload.Headers {
			headers[h.Name] = h.Value
		}
	}
	e := Email{
		ID:      id,
		Subject: headers["Subject"],
		From:    headers["From"],
		Date:    headers["Date"],
		Snippet: msg.Snippet,
		Labels:  msg.LabelIds,
	}
	if e.Subject == "" {
		e.Subject = "(no subject)"
	}
	if e.From == "" {
		e.From = "unknown"
	}
	e.Body = plainText(msg.Payload)
	if r := []rune(e.Body); len(r) > maxBody {
		e.Body = string(r[:maxBody])
	}
	return e
}

// plainText returns the first text/plain part, or the top-level body when
// the message is not multipart.
func plainText(p *gmail.MessagePart) string {
	if p == nil {
		return ""
	}
	if len(p.Parts) == 0 {
		return partData(p)
	}
	for _, part := range p.Parts {
		if part.MimeType == "text/plain" {
			if text := partData(part); text != "" {
				return text
			}
		}
	}
	return ""
}

func partData(p *gmail.MessagePart) string {
	if p.Body == nil {
		return ""
	}
	return decodeBase64URL(p.Body.Data)
}

func decodeBase64URL(s string) string {
	if s == "" {
		return ""
	}
	if b, err := base64.URLEncoding.DecodeString(s); err == nil {
		return string(b)
	}
	if b, err := base64.RawURLEncoding.DecodeString(s); err == nil {
		return string(b)
	}
	return ""
}
