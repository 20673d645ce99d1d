package social

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/dghubble/oauth1"
	"github.com/google/uuid"

	"vaultline/internal/frontmatter"
	"vaultline/internal/health"
	"vaultline/internal/retry"
)

const (
	DefaultGraphURL    = "https://graph.facebook.com/v19.0"
	DefaultTwitterURL  = "https://api.twitter.com"
	DefaultLinkedInURL = "https://api.linkedin.com"
)

var (
	ErrMetaNotConfigured     = errors.New("Meta not configured: set META_PAGE_ID and META_ACCESS_TOKEN")
	ErrInstagramAccount      = errors.New("Instagram not configured: set META_INSTAGRAM_ACCOUNT_ID")
	ErrTwitterNotConfigured  = errors.New("Twitter not configured: set TWITTER_API_KEY, TWITTER_API_SECRET, TWITTER_ACCESS_TOKEN and TWITTER_ACCESS_TOKEN_SECRET")
	ErrLinkedInNotConfigured = errors.New("LinkedIn not configured: set LINKEDIN_ACCESS_TOKEN and LINKEDIN_PERSON_URN")
	ErrImageRequired         = errors.New("Instagram posts require an image_url in frontmatter")
)

// APIError reports a non-success response from a platform API.
type APIError struct {
	Platform   Platform
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s api status %d: %s", e.Platform, e.StatusCode, strings.TrimSpace(e.Body))
}

type MetaConfig struct {
	PageID             string
	AccessToken        string
	InstagramAccountID string
	GraphURL           string
}

func (c MetaConfig) configured() bool {
	return c.PageID != "" && c.AccessToken != ""
}

type TwitterConfig struct {
	APIKey            string
	APISecret         string
	AccessToken       string
	AccessTokenSecret string
	APIURL            string
}

func (c TwitterConfig) configured() bool {
	return c.APIKey != "" && c.APISecret != "" && c.AccessToken != "" && c.AccessTokenSecret != ""
}

type LinkedInConfig struct {
	AccessToken string
	AuthorURN   string
	APIURL      string
}

func (c LinkedInConfig) configured() bool {
	return c.AccessToken != "" && c.AuthorURN != ""
}

type Config struct {
	Meta     MetaConfig
	Twitter  TwitterConfig
	LinkedIn LinkedInConfig
	DryRun   bool
	Timeout  time.Duration
}

// Result is the outcome of one publish attempt.
type Result struct {
	DryRun  bool   `json:"dry_run,omitempty"`
	PostID  string `json:"post_id,omitempty"`
	Message string `json:"message"`
}

// Publisher posts approved drafts. Every remote call updates the health
// registry under the platform name.
type Publisher struct {
	Config     Config
	Health     *health.Registry
	Retry      retry.Policy
	HTTPClient *http.Client
	Logger     *log.Logger
	// Nonce overrides the OAuth1 nonce source.
	Nonce func() string
}

func NewPublisher(cfg Config, reg *health.Registry, logger *log.Logger) *Publisher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Publisher{
		Config: cfg,
		Health: reg,
		Retry:  retry.Policy{MaxRetries: 2, BaseDelay: 2 * time.Second, MaxDelay: 30 * time.Second, Logger: logger, Name: "social"},
		Logger: logger,
	}
}

func (p *Publisher) httpClient() *http.Client {
	if p.HTTPClient == nil {
		p.HTTPClient = &http.Client{Timeout: p.Config.Timeout}
	}
	return p.HTTPClient
}

func (p *Publisher) logger() *log.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return log.Default()
}

func (p *Publisher) nonce() string {
	if p.Nonce != nil {
		return p.Nonce()
	}
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

func (p *Publisher) record(platform Platform, err error) {
	if p.Health == nil {
		return
	}
	if err != nil {
		p.Health.RecordFailure(platform.Service(), err)
		return
	}
	p.Health.RecordSuccess(platform.Service())
}

// Status is the dashboard line for a platform.
func (p *Publisher) Status(platform Platform) string {
	ok := false
	switch platform {
	case Facebook:
		ok = p.Config.Meta.configured()
	case Instagram:
		ok = p.Config.Meta.configured() && p.Config.Meta.InstagramAccountID != ""
	case Twitter:
		ok = p.Config.Twitter.configured()
	case LinkedIn:
		ok = p.Config.LinkedIn.configured()
	}
	if !ok {
		return "Not configured"
	}
	if p.Config.DryRun {
		return "Configured (dry run)"
	}
	return "Configured"
}

// Publish posts the approved draft content to platform.
func (p *Publisher) Publish(ctx context.Context, platform Platform, header frontmatter.Header, content string) (Result, error) {
	text, err := PostText(content)
	if err != nil {
		return Result{}, err
	}
	switch platform {
	case Facebook:
		if !p.Config.Meta.configured() {
			return Result{}, ErrMetaNotConfigured
		}
		if p.Config.DryRun {
			return p.simulate(platform, text), nil
		}
		return p.postFacebook(ctx, text)
	case Instagram:
		if !p.Config.Meta.configured() {
			return Result{}, ErrMetaNotConfigured
		}
		image := header.Get("image_url")
		if image == "" {
			return Result{}, ErrImageRequired
		}
		if p.Config.DryRun {
			return p.simulate(platform, text), nil
		}
		if p.Config.Meta.InstagramAccountID == "" {
			return Result{}, ErrInstagramAccount
		}
		return p.postInstagram(ctx, text, image)
	case Twitter:
		if n := utf8.RuneCountInString(text); n > TweetMaxLength {
			return Result{}, fmt.Errorf("tweet exceeds %d chars (%d)", TweetMaxLength, n)
		}
		if p.Config.DryRun {
			return p.simulate(platform, text), nil
		}
		if !p.Config.Twitter.configured() {
			return Result{}, ErrTwitterNotConfigured
		}
		return p.postTweet(ctx, text)
	case LinkedIn:
		if p.Config.DryRun {
			return p.simulate(platform, text), nil
		}
		if !p.Config.LinkedIn.configured() {
			return Result{}, ErrLinkedInNotConfigured
		}
		return p.postLinkedIn(ctx, text)
	}
	return Result{}, fmt.Errorf("unknown platform %q", platform)
}

func (p *Publisher) simulate(platform Platform, text string) Result {
	preview := text
	if r := []rune(preview); len(r) > 200 {
		preview = string(r[:200])
	}
	p.logger().Printf("social: [DRY RUN] would post to %s: %s", platform, preview)
	if platform == Twitter {
		return Result{DryRun: true, Message: "Tweet simulated (DRY_RUN=true)"}
	}
	return Result{DryRun: true, Message: "Post simulated (DRY_RUN=true)"}
}

func (p *Publisher) postFacebook(ctx context.Context, text string) (Result, error) {
	cfg := p.Config.Meta
	id, err := p.graphPost(ctx, Facebook, "/"+cfg.PageID+"/feed", url.Values{
		"message":      {text},
		"access_token": {cfg.AccessToken},
	})
	if err != nil {
		return Result{}, err
	}
	p.logger().Printf("social: posted to facebook: %s", id)
	return Result{PostID: id, Message: "Posted to Facebook"}, nil
}

func (p *Publisher) postInstagram(ctx context.Context, text, image string) (Result, error) {
	cfg := p.Config.Meta
	creation, err := p.graphPost(ctx, Instagram, "/"+cfg.InstagramAccountID+"/media", url.Values{
		"image_url":    {image},
		"caption":      {text},
		"access_token": {cfg.AccessToken},
	})
	if err != nil {
		return Result{}, fmt.Errorf("container creation failed: %w", err)
	}
	id, err := p.graphPost(ctx, Instagram, "/"+cfg.InstagramAccountID+"/media_publish", url.Values{
		"creation_id":  {creation},
		"access_token": {cfg.AccessToken},
	})
	if err != nil {
		return Result{}, fmt.Errorf("publish failed: %w", err)
	}
	p.logger().Printf("social: posted to instagram: %s", id)
	return Result{PostID: id, Message: "Posted to Instagram"}, nil
}

func (p *Publisher) graphPost(ctx context.Context, platform Platform, path string, params url.Values) (string, error) {
	base := strings.TrimRight(p.Config.Meta.GraphURL, "/")
	if base == "" {
		base = DefaultGraphURL
	}
	endpoint := base + path + "?" + params.Encode()
	var out struct {
		ID string `json:"id"`
	}
	err := p.do(ctx, platform, func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	}, &out)
	return out.ID, err
}

func (p *Publisher) postTweet(ctx context.Context, text string) (Result, error) {
	cfg := p.Config.Twitter
	base := strings.TrimRight(cfg.APIURL, "/")
	if base == "" {
		base = DefaultTwitterURL
	}
	endpoint := base + "/2/tweets"
	body, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return Result{}, err
	}
	var out struct {
		Data struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	err = p.send(ctx, Twitter, p.twitterClient(ctx), func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	}, &out)
	if err != nil {
		return Result{}, err
	}
	p.logger().Printf("social: posted tweet: %s", out.Data.ID)
	return Result{PostID: out.Data.ID, Message: "Posted tweet"}, nil
}

func (p *Publisher) postLinkedIn(ctx context.Context, text string) (Result, error) {
	cfg := p.Config.LinkedIn
	base := strings.TrimRight(cfg.APIURL, "/")
	if base == "" {
		base = DefaultLinkedInURL
	}
	body, err := json.Marshal(map[string]any{
		"author":         cfg.AuthorURN,
		"lifecycleState": "PUBLISHED",
		"specificContent": map[string]any{
			"com.linkedin.ugc.ShareContent": map[string]any{
				"shareCommentary":    map[string]string{"text": text},
				"shareMediaCategory": "NONE",
			},
		},
		"visibility": map[string]string{"com.linkedin.ugc.MemberNetworkVisibility": "PUBLIC"},
	})
	if err != nil {
		return Result{}, err
	}
	var out struct {
		ID string `json:"id"`
	}
	err = p.do(ctx, LinkedIn, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/v2/ugcPosts", bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+cfg.AccessToken)
		req.Header.Set("X-Restli-Protocol-Version", "2.0.0")
		return req, nil
	}, &out)
	if err != nil {
		return Result{}, err
	}
	p.logger().Printf("social: posted to linkedin: %s", out.ID)
	return Result{PostID: out.ID, Message: "Posted to LinkedIn"}, nil
}

// do sends a request built by newReq with retry on transport errors, 429 and
// 5xx responses, and decodes a JSON body into out.
// twitterClient signs every request with OAuth1 user context. JSON bodies are
// not part of the signature base.
func (p *Publisher) twitterClient(ctx context.Context) *http.Client {
	cfg := p.Config.Twitter
	conf := oauth1.NewConfig(cfg.APIKey, cfg.APISecret)
	conf.Noncer = nonceFunc(p.nonce)
	base := p.httpClient()
	client := conf.Client(context.WithValue(ctx, oauth1.HTTPClient, base), oauth1.NewToken(cfg.AccessToken, cfg.AccessTokenSecret))
	client.Timeout = base.Timeout
	return client
}

type nonceFunc func() string

func (f nonceFunc) Nonce() string { return f() }

func (p *Publisher) do(ctx context.Context, platform Platform, newReq func(context.Context) (*http.Request, error), out any) error {
	return p.send(ctx, platform, p.httpClient(), newReq, out)
}

func (p *Publisher) send(ctx context.Context, platform Platform, client *http.Client, newReq func(context.Context) (*http.Request, error), out any) error {
	policy := p.Retry
	policy.Name = string(platform)
	policy.Retryable = retryable
	err := retry.Do(ctx, policy, func(ctx context.Context) error {
		req, err := newReq(ctx)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			return &APIError{Platform: platform, StatusCode: resp.StatusCode, Body: string(b)}
		}
		if out == nil {
			return nil
		}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		if len(bytes.TrimSpace(data)) == 0 {
			return nil
		}
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode %s response: %w", platform, err)
		}
		return nil
	})
	p.record(platform, err)
	return err
}

func retryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= 500
	}
	return true
}
