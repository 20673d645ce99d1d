package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"vaultline/internal/app"
	"vaultline/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "vl",
	Short: "Vaultline CLI",
	Long: `Vaultline runs a Markdown vault as a task queue for an operations assistant.
Core concepts:
- Vault: a folder of Markdown files; the folder a file sits in is its state (Needs_Action, In_Progress, Pending_Approval, Approved, Rejected, Done).
- Descriptor: one task file with a YAML header; producers drop them into Needs_Action.
- Processor: the reasoning CLI invoked for each task, with a hard timeout.
- Plan: a checklist created for complex tasks, tracked with a bounded iteration counter (see vl plan).
- Approval: sensitive actions wait in Pending_Approval until a human moves them (vl approve / vl reject).
- Zones: cloud runs producers and drafts, local runs approvals and briefings; both runs everything.
- Audit log: one JSON file per day under Logs/, view with 'vl log tail'.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// exitCodeError ends the process with a specific exit code.
type exitCodeError struct {
	code int
	msg  string
}

func (e *exitCodeError) Error() string { return e.msg }

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		var ec *exitCodeError
		if errors.As(err, &ec) {
			if ec.msg != "" {
				fmt.Fprintln(os.Stderr, ec.msg)
			}
			os.Exit(ec.code)
		}
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

// envBindings maps config keys to the environment variables honoured besides
// the VAULTLINE_ prefixed form.
var envBindings = map[string][]string{
	"zone":                        {"ZONE"},
	"dry_run":                     {"DRY_RUN"},
	"health.port":                 {"HEALTH_PORT"},
	"api.jwt_secret":              {"VAULTLINE_JWT_SECRET"},
	"processor.command":           {"VAULTLINE_PROCESSOR"},
	"odoo.url":                    {"ODOO_URL"},
	"odoo.db":                     {"ODOO_DB"},
	"odoo.username":               {"ODOO_USERNAME"},
	"odoo.password":               {"ODOO_PASSWORD"},
	"meta.page_id":                {"META_PAGE_ID"},
	"meta.access_token":           {"META_ACCESS_TOKEN"},
	"meta.instagram_account_id":   {"META_INSTAGRAM_ACCOUNT_ID"},
	"twitter.api_key":             {"TWITTER_API_KEY"},
	"twitter.api_secret":          {"TWITTER_API_SECRET"},
	"twitter.access_token":        {"TWITTER_ACCESS_TOKEN"},
	"twitter.access_token_secret": {"TWITTER_ACCESS_TOKEN_SECRET"},
	"linkedin.access_token":       {"LINKEDIN_ACCESS_TOKEN"},
	"linkedin.author_urn":         {"LINKEDIN_PERSON_URN"},
	"gmail.access_token":          {"GMAIL_ACCESS_TOKEN"},
	"gmail.refresh_token":         {"GMAIL_REFRESH_TOKEN"},
	"gmail.client_id":             {"GMAIL_CLIENT_ID"},
	"gmail.client_secret":         {"GMAIL_CLIENT_SECRET"},
	"gmail.token_path":            {"GMAIL_TOKEN_PATH"},
}

func initConfig() {
	viper.SetEnvPrefix("VAULTLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()
	for key, names := range envBindings {
		_ = viper.BindEnv(append([]string{key, "VAULTLINE_" + strings.ToUpper(strings.NewReplacer(".", "_").Replace(key))}, names...)...)
	}
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("vault", "w", ".", "vault directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("zone", "", "zone override: cloud, local or both")
	_ = viper.BindPFlag("vault", rootCmd.PersistentFlags().Lookup("vault"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("zone", rootCmd.PersistentFlags().Lookup("zone"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(approveCmd())
	rootCmd.AddCommand(rejectCmd())
	rootCmd.AddCommand(planCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(healthCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(jobsCmd())
}

// loadConfig reads vaultline.yml (or the defaults) and layers environment
// variables and flags on top.
func loadConfig() (*config.Config, error) {
	vault := viper.GetString("vault")
	cfg, err := config.LoadOptional(vault)
	if err != nil {
		return nil, err
	}
	cfg.Vault = vault
	applyOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyOverrides(cfg *config.Config) {
	str := func(key string, dst *string) {
		if viper.IsSet(key) {
			if v := strings.TrimSpace(viper.GetString(key)); v != "" {
				*dst = v
			}
		}
	}
	str("zone", &cfg.Zone)
	str("api.jwt_secret", &cfg.API.JWTSecret)
	str("processor.command", &cfg.Processor.Command)
	str("odoo.url", &cfg.Odoo.URL)
	str("odoo.db", &cfg.Odoo.DB)
	str("odoo.username", &cfg.Odoo.Username)
	str("odoo.password", &cfg.Odoo.Password)
	str("meta.page_id", &cfg.Meta.PageID)
	str("meta.access_token", &cfg.Meta.AccessToken)
	str("meta.instagram_account_id", &cfg.Meta.InstagramAccountID)
	str("twitter.api_key", &cfg.Twitter.APIKey)
	str("twitter.api_secret", &cfg.Twitter.APISecret)
	str("twitter.access_token", &cfg.Twitter.AccessToken)
	str("twitter.access_token_secret", &cfg.Twitter.AccessTokenSecret)
	str("linkedin.access_token", &cfg.LinkedIn.AccessToken)
	str("linkedin.author_urn", &cfg.LinkedIn.AuthorURN)
	str("gmail.access_token", &cfg.Gmail.AccessToken)
	str("gmail.refresh_token", &cfg.Gmail.RefreshToken)
	str("gmail.client_id", &cfg.Gmail.ClientID)
	str("gmail.client_secret", &cfg.Gmail.ClientSecret)
	str("gmail.token_path", &cfg.Gmail.TokenPath)
	if viper.IsSet("dry_run") {
		cfg.DryRun = viper.GetBool("dry_run")
	}
	if viper.IsSet("health.port") {
		if port := viper.GetInt("health.port"); port > 0 {
			cfg.Health.Port = port
		}
	}
}

func newLogger() *log.Logger {
	return log.New(os.Stderr, "", log.LstdFlags)
}

// --- helpers ---

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := app.New(ctx, app.Options{Vault: cfg.Vault, Config: cfg, Logger: newLogger()})
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
