package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// FileName is the config file at the vault root.
const FileName = "vaultline.yml"

// Config models vaultline.yml.
type Config struct {
	Vault  string `yaml:"vault,omitempty"`
	Zone   string `yaml:"zone"`
	DryRun bool   `yaml:"dry_run"`
	Health struct {
		Port int `yaml:"port"`
	} `yaml:"health"`
	API struct {
		JWTSecret string `yaml:"jwt_secret,omitempty"`
	} `yaml:"api"`
	Orchestrator struct {
		Interval time.Duration `yaml:"interval"`
	} `yaml:"orchestrator"`
	Processor ProcessorConfig `yaml:"processor"`
	Retry     RetryConfig     `yaml:"retry"`
	Odoo      OdooConfig      `yaml:"odoo"`
	Meta      MetaConfig      `yaml:"meta"`
	Twitter   TwitterConfig   `yaml:"twitter"`
	LinkedIn  LinkedInConfig  `yaml:"linkedin"`
	Gmail     GmailConfig     `yaml:"gmail"`
	Webhooks  []WebhookConfig `yaml:"webhooks,omitempty"`
	Sync      SyncConfig      `yaml:"sync"`
}

type ProcessorConfig struct {
	Command    string        `yaml:"command,omitempty"`
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"max_retries"`
}

type RetryConfig struct {
	MaxRetries int           `yaml:"max_retries"`
	BaseDelay  time.Duration `yaml:"base_delay"`
	MaxDelay   time.Duration `yaml:"max_delay"`
}

type OdooConfig struct {
	URL              string  `yaml:"url,omitempty"`
	DB               string  `yaml:"db,omitempty"`
	Username         string  `yaml:"username,omitempty"`
	Password         string  `yaml:"password,omitempty"`
	PaymentThreshold float64 `yaml:"payment_threshold"`
}

type MetaConfig struct {
	PageID             string `yaml:"page_id,omitempty"`
	AccessToken        string `yaml:"access_token,omitempty"`
	InstagramAccountID string `yaml:"instagram_account_id,omitempty"`
	GraphURL           string `yaml:"graph_url,omitempty"`
}

type TwitterConfig struct {
	APIKey            string `yaml:"api_key,omitempty"`
	APISecret         string `yaml:"api_secret,omitempty"`
	AccessToken       string `yaml:"access_token,omitempty"`
	AccessTokenSecret string `yaml:"access_token_secret,omitempty"`
	APIURL            string `yaml:"api_url,omitempty"`
}

type LinkedInConfig struct {
	AccessToken string `yaml:"access_token,omitempty"`
	AuthorURN   string `yaml:"author_urn,omitempty"`
	APIURL      string `yaml:"api_url,omitempty"`
}

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

// WebhookConfig is one approval notification endpoint.
type WebhookConfig struct {
	URL            string `yaml:"url"`
	Secret         string `yaml:"secret,omitempty"`
	Enabled        *bool  `yaml:"enabled,omitempty"`
	TimeoutSeconds int    `yaml:"timeout_seconds,omitempty"`
}

// Active reports whether the hook should receive deliveries.
func (w WebhookConfig) Active() bool {
	return strings.TrimSpace(w.URL) != "" && (w.Enabled == nil || *w.Enabled)
}

type SyncConfig struct {
	Enabled bool   `yaml:"enabled"`
	Remote  string `yaml:"remote,omitempty"`
	Branch  string `yaml:"branch,omitempty"`
}

// Load reads and validates config from the vault root.
func Load(vault string) (*Config, error) {
	path := Path(vault)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with vl init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config is usable.
func (c *Config) Validate() error {
	switch c.Zone {
	case "cloud", "local", "both":
	default:
		return fmt.Errorf("config.zone must be cloud, local or both, got %q", c.Zone)
	}
	if c.Health.Port < 0 || c.Health.Port > 65535 {
		return fmt.Errorf("config.health.port %d out of range", c.Health.Port)
	}
	if c.Orchestrator.Interval < time.Second {
		return fmt.Errorf("config.orchestrator.interval must be at least 1s")
	}
	if c.Processor.Timeout <= 0 {
		return fmt.Errorf("config.processor.timeout must be positive")
	}
	if c.Processor.MaxRetries < 0 || c.Retry.MaxRetries < 0 {
		return fmt.Errorf("max_retries must not be negative")
	}
	if c.Retry.BaseDelay <= 0 || c.Retry.MaxDelay <= 0 {
		return fmt.Errorf("config.retry.base_delay and max_delay must be positive")
	}
	if c.Retry.BaseDelay > c.Retry.MaxDelay {
		return fmt.Errorf("config.retry.base_delay exceeds max_delay")
	}
	if c.Odoo.PaymentThreshold < 0 {
		return fmt.Errorf("config.odoo.payment_threshold must not be negative")
	}
	if c.Odoo.URL != "" {
		if err := checkURL(c.Odoo.URL); err != nil {
			return fmt.Errorf("config.odoo.url: %w", err)
		}
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
		if err := checkURL(hook.URL); err != nil {
			return fmt.Errorf("config.webhooks[%d].url: %w", i, err)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("config.webhooks[%d].timeout_seconds must not be negative", i)
		}
	}
	if c.Sync.Enabled && strings.TrimSpace(c.Sync.Remote) == "" {
		return fmt.Errorf("config.sync.remote is required when sync is enabled")
	}
	return nil
}

func checkURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https")
	}
	if u.Host == "" {
		return fmt.Errorf("host is required")
	}
	return nil
}

// Path returns the config file path for a vault.
func Path(vault string) string {
	if vault == "" {
		vault = "."
	}
	return filepath.Join(vault, FileName)
}

// GenerateDefault returns default config YAML for a zone.
func GenerateDefault(zone string) string {
	if zone == "" {
		zone = "local"
	}
	return fmt.Sprintf(defaultTemplate, zone)
}

// LoadOptional returns Default() if the config file does not exist.
func LoadOptional(vault string) (*Config, error) {
	path := Path(vault)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the built-in configuration.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(GenerateDefault("local")), &cfg)
	return &cfg
}

// FromYAML parses config over the defaults and validates it.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// YAML renders the config, for vl config show.
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}

// Redacted returns a copy with secrets masked.
func (c *Config) Redacted() *Config {
	out := *c
	mask := func(s *string) {
		if *s != "" {
			*s = "***"
		}
	}
	mask(&out.API.JWTSecret)
	mask(&out.Odoo.Password)
	mask(&out.Meta.AccessToken)
	mask(&out.Twitter.APISecret)
	mask(&out.Twitter.AccessToken)
	mask(&out.Twitter.AccessTokenSecret)
	mask(&out.LinkedIn.AccessToken)
	mask(&out.Gmail.AccessToken)
	mask(&out.Gmail.RefreshToken)
	mask(&out.Gmail.ClientSecret)
	out.Webhooks = append([]WebhookConfig(nil), c.Webhooks...)
	for i := range out.Webhooks {
		mask(&out.Webhooks[i].Secret)
	}
	return &out
}

const defaultTemplate = `zone: %s
dry_run: true

health:
  port: 8080

orchestrator:
  interval: 30s

processor:
  timeout: 120s
  max_retries: 2

retry:
  max_retries: 3
  base_delay: 1s
  max_delay: 30s

odoo:
  payment_threshold: 100

meta: {}
twitter: {}
linkedin: {}
gmail: {}

# webhooks:
#   - url: https://example.com/approvals
#     secret: change-me

sync:
  enabled: false
`
