package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"vaultline/internal/app"
	"vaultline/internal/config"
	"vaultline/internal/dashboard"
	"vaultline/internal/db"
	"vaultline/internal/domain"
	"vaultline/internal/events"
	"vaultline/internal/frontmatter"
	"vaultline/internal/migrate"
	"vaultline/internal/notify"
	"vaultline/internal/plan"
	"vaultline/internal/repo"
	"vaultline/internal/scheduler"
	"vaultline/internal/server"
	"vaultline/internal/store"
	vaultlinesdk "vaultline/sdk/go"
)

const defaultHandbook = `# Company Handbook

## Rules of Engagement
- Always be polite in client communication.
- Flag any payment over the approval threshold for human review.
- Never publish social content without approval.
`

const defaultGoals = `# Business Goals

## This Quarter
- Respond to client email within 24 hours.
- Keep invoices paid within 30 days.
`

func initCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the vault layout, seed files, config and index",
		RunE: func(cmd *cobra.Command, args []string) error {
			vault := viper.GetString("vault")
			zone := viper.GetString("zone")
			if err := os.MkdirAll(vault, 0o755); err != nil {
				return err
			}
			s, err := store.Open(vault)
			if err != nil {
				return err
			}
			if err := s.EnsureLayout(); err != nil {
				return err
			}
			seeds := []struct{ name, body string }{
				{store.HandbookFile, defaultHandbook},
				{store.GoalsFile, defaultGoals},
				{config.FileName, config.GenerateDefault(zone)},
			}
			for _, seed := range seeds {
				path := s.Path(seed.name)
				if _, err := os.Stat(path); err == nil {
					continue
				}
				if err := store.WriteFileAtomic(path, []byte(seed.body), 0o644); err != nil {
					return fmt.Errorf("write %s: %w", seed.name, err)
				}
			}
			conn, err := db.Open(db.Config{Vault: vault})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(cmd.Context(), conn); err != nil {
				return err
			}
			abs, _ := filepath.Abs(vault)
			fmt.Printf("Vault ready at %s (zone %s)\n", abs, zoneOrDefault(zone))
			return nil
		},
	}
	return cmd
}

func zoneOrDefault(z string) string {
	if z == "" {
		return "local"
	}
	return z
}

func runCmd() *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the orchestrator (scheduler, inbox watcher and liveness endpoint)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if once {
				return withApp(cmd.Context(), runOnce)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return withApp(ctx, runForever)
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "run a single orchestrator cycle and exit")
	return cmd
}

func runOnce(ctx context.Context, a *app.App) error {
	lock, err := a.Lock()
	if err != nil {
		return err
	}
	defer lock.Release()

	cycle, err := a.Engine.RunOnce(ctx)
	if err != nil {
		return err
	}
	if viper.GetBool("json") {
		return printJSON(cycle)
	}
	for _, out := range cycle.Processed {
		fmt.Printf("%s -> %s (%s)\n", out.Task, out.Done, out.Result)
	}
	fmt.Printf("processed=%d approved=%d rejected=%d\n", len(cycle.Processed), cycle.Approved, cycle.Rejected)
	return nil
}

func runForever(ctx context.Context, a *app.App) error {
	zone, err := scheduler.ParseZone(a.Config.Zone)
	if err != nil {
		return err
	}
	lock, err := a.Lock()
	if err != nil {
		return err
	}
	defer lock.Release()

	handler, err := server.New(server.Config{App: a, LivenessOnly: true, Logger: a.Logger})
	if err != nil {
		return err
	}
	srv := &http.Server{Addr: fmt.Sprintf(":%d", a.Config.Health.Port), Handler: handler}

	a.Logger.Printf("orchestrator: starting zone=%s vault=%s", zone, a.Store.Root)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.Runner(zone).Run(gctx)
	})
	g.Go(func() error {
		return a.Inbox.Watch(gctx)
	})
	g.Go(func() error {
		a.Logger.Printf("health: serving liveness on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	err = g.Wait()
	a.Logger.Printf("orchestrator: stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show folder counts, service health and the active plan",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				snap := dashboard.Project(a.Store, a.Health, a.Now(), a.Config.Odoo.URL)
				if viper.GetBool("json") {
					return printJSON(snap)
				}
				renderSnapshot(snap, !a.Marker.Present())
				return nil
			})
		},
	}
}

func taskCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "task", Short: "Manage task descriptors"}
	cmd.AddCommand(taskAddCmd())
	cmd.AddCommand(taskListCmd())
	return cmd
}

func taskAddCmd() *cobra.Command {
	var taskType, priority, body string
	cmd := &cobra.Command{
		Use:   "add <title>",
		Short: "Drop a TASK_ descriptor into Needs_Action",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				title := strings.Join(args, " ")
				name := "TASK_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8] + ".md"
				fields := []frontmatter.Field{
					{Key: "type", Value: taskType},
					{Key: "priority", Value: priority},
					{Key: "created", Value: a.Now().UTC().Format(time.RFC3339)},
					{Key: "status", Value: "pending"},
				}
				content := "# " + title + "\n"
				if body != "" {
					content += "\n" + body + "\n"
				}
				d, err := a.Store.Create(ctx, domain.StatePending, name, fields, content)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(d)
				}
				fmt.Printf("Created %s\n", d.Name)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&taskType, "type", "task", "task type (email, invoice, multi_step, ...)")
	cmd.Flags().StringVar(&priority, "priority", string(domain.PriorityMedium), "priority: low, medium, high or critical")
	cmd.Flags().StringVar(&body, "body", "", "task body")
	return cmd
}

func taskListCmd() *cobra.Command {
	var state string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List descriptors in a state",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := domain.ParseState(state)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Store.ListByState(ctx, st)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				if len(items) == 0 {
					fmt.Println(muted.Render("no descriptors in " + st.Dir()))
					return nil
				}
				renderDescriptors(items)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&state, "state", string(domain.StatePending), "state or folder name")
	return cmd
}

func approveCmd() *cobra.Command { return decideCmd(notify.Approve) }
func rejectCmd() *cobra.Command  { return decideCmd(notify.Reject) }

func decideCmd(verb notify.Verb) *cobra.Command {
	use := strings.ToLower(string(verb))
	return &cobra.Command{
		Use:   use + " <file>",
		Short: "Move a Pending_Approval descriptor to " + map[notify.Verb]string{notify.Approve: "Approved", notify.Reject: "Rejected"}[verb],
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				_, d, err := notify.ApplyReply(ctx, a.Store, string(verb)+" "+args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(d)
				}
				fmt.Printf("%s -> %s\n", d.Name, d.State.Dir())
				return nil
			})
		},
	}
}

func planCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "plan", Short: "Inspect and advance the active plan"}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the active plan checklist",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				st, ok := a.Tracker.Get()
				if !ok {
					return plan.ErrNoActivePlan
				}
				if viper.GetBool("json") {
					return printJSON(st)
				}
				renderPlan(st)
				return nil
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "complete-step <id>",
		Short: "Mark a plan step completed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				st, err := a.Tracker.CompleteStep(args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(st)
				}
				renderPlan(st)
				return nil
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "should-continue",
		Short: "Decide whether work on the plan goes on (exit 2 to continue, 0 to stop)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				remaining := a.Tracker.Incomplete()
				decision, err := a.Tracker.ShouldContinue(ctx)
				if err != nil {
					return err
				}
				if decision != plan.Continue {
					fmt.Println(decision)
					return nil
				}
				var ids []string
				for _, s := range remaining {
					ids = append(ids, s.ID)
				}
				return &exitCodeError{code: 2, msg: "continue: incomplete steps " + strings.Join(ids, ", ")}
			})
		},
	})
	return cmd
}

func logCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "log", Short: "Read the audit log"}
	var n int
	var actionType string
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Show the latest audit entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Repo.LatestEvents(ctx, n, actionType)
				if err != nil || len(items) == 0 {
					items = tailFromFiles(a, n, actionType)
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				renderEvents(items)
				return nil
			})
		},
	}
	tail.Flags().IntVarP(&n, "lines", "n", 20, "number of entries")
	tail.Flags().StringVar(&actionType, "type", "", "only entries of this action type")
	cmd.AddCommand(tail)
	return cmd
}

// tailFromFiles reads the day partitions when the index is empty, e.g. for a
// vault synced from another zone.
func tailFromFiles(a *app.App, n int, actionType string) []domain.Event {
	entries := events.Reader{Root: a.Store.Root}.Since(time.Time{})
	var out []domain.Event
	for i := len(entries) - 1; i >= 0 && len(out) < n; i-- {
		e := entries[i]
		if actionType != "" && e.ActionType() != actionType {
			continue
		}
		ev := domain.Event{ID: e.ID(), TS: e.Timestamp(), ActionType: e.ActionType(), Actor: e.Actor(), Payload: map[string]any(e)}
		if f, ok := e["file"].(string); ok {
			ev.File = f
		}
		out = append(out, ev)
	}
	return out
}

func healthCmd() *cobra.Command {
	var remote string
	var check bool
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Show the liveness report (exit 1 with --check when degraded)",
		RunE: func(cmd *cobra.Command, args []string) error {
			var rep vaultlinesdk.Health
			if remote != "" {
				var err error
				rep, err = vaultlinesdk.New(remote).Health(cmd.Context())
				if err != nil {
					return err
				}
			} else {
				err := withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
					local := a.Checker().Check()
					rep = vaultlinesdk.Health{Status: local.Status, Zone: local.Zone, Timestamp: local.Timestamp, VaultOK: local.VaultOK}
					rep.Services = map[string]vaultlinesdk.ServiceHealth{}
					for name, s := range local.Services {
						rep.Services[name] = vaultlinesdk.ServiceHealth(s)
					}
					return nil
				})
				if err != nil {
					return err
				}
			}
			if viper.GetBool("json") {
				if err := printJSON(rep); err != nil {
					return err
				}
			} else {
				fmt.Printf("%s zone=%s vault_ok=%t %s\n", badge(!rep.Degraded()), rep.Zone, rep.VaultOK, muted.Render(rep.Timestamp))
				if len(rep.Services) > 0 {
					services := map[string]domain.ServiceHealth{}
					for name, s := range rep.Services {
						services[name] = domain.ServiceHealth(s)
					}
					renderServices(services)
				}
			}
			if check && rep.Degraded() {
				return &exitCodeError{code: 1}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&remote, "remote", "", "base URL of a running orchestrator")
	cmd.Flags().BoolVar(&check, "check", false, "exit non-zero when degraded")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the ops HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return withApp(ctx, func(ctx context.Context, a *app.App) error {
				secret := a.Config.API.JWTSecret
				if secret == "" {
					return fmt.Errorf("api.jwt_secret (or VAULTLINE_JWT_SECRET) is required for bearer auth")
				}
				handler, err := server.New(server.Config{
					App:      a,
					BasePath: basePath,
					Auth:     server.AuthConfig{JWTSecret: secret, Logger: a.Logger},
					Logger:   a.Logger,
				})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving Vaultline API on http://%s%s (OpenAPI at %s/openapi.json, docs at /docs)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "config", Short: "Inspect vaultline.yml"}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective config with secrets masked",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			red := cfg.Redacted()
			if viper.GetBool("json") {
				return printJSON(red)
			}
			out, err := red.YAML()
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate vaultline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("vault"))
			if _, err := config.FromFile(path); err != nil {
				return err
			}
			fmt.Printf("%s is valid\n", path)
			return nil
		},
	})
	return cmd
}

func tokenCmd() *cobra.Command {
	var subject string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for the ops API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.API.JWTSecret == "" {
				return fmt.Errorf("api.jwt_secret (or VAULTLINE_JWT_SECRET) is required")
			}
			token, err := server.SignToken(cfg.API.JWTSecret, subject, ttl, time.Now())
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "operator", "token subject")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

func jobsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "jobs",
		Short: "List scheduled jobs for the zone with their next and last runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				zone, err := scheduler.ParseZone(a.Config.Zone)
				if err != nil {
					return err
				}
				runner := a.Runner(zone)
				runner.Schedule()
				type row struct {
					Job     string         `json:"job"`
					Cadence string         `json:"cadence"`
					Next    string         `json:"next"`
					Last    *domain.JobRun `json:"last,omitempty"`
				}
				var rows []row
				for _, j := range runner.Jobs {
					r := row{Job: j.Name, Cadence: j.Cadence.String()}
					if next, ok := runner.NextRun(j.Name); ok {
						r.Next = next.Format(time.RFC3339)
					}
					if last, err := a.Repo.LastJobRun(ctx, j.Name); err == nil {
						r.Last = &last
					} else if !errors.Is(err, repo.ErrNotFound) {
						return err
					}
					rows = append(rows, r)
				}
				if viper.GetBool("json") {
					return printJSON(rows)
				}
				t := newTable()
				t.AppendHeader(table.Row{"Job", "Cadence", "Next", "Last status", "Last finished"})
				for _, r := range rows {
					status, finished := "-", "-"
					if r.Last != nil {
						status, finished = r.Last.Status, r.Last.FinishedAt
					}
					t.AppendRow(table.Row{r.Job, r.Cadence, r.Next, status, finished})
				}
				t.Render()
				return nil
			})
		},
	}
}
