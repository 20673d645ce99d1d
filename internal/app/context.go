package app

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"vaultline/internal/approval"
	"vaultline/internal/briefing"
	"vaultline/internal/config"
	"vaultline/internal/db"
	"vaultline/internal/engine"
	"vaultline/internal/events"
	"vaultline/internal/health"
	"vaultline/internal/migrate"
	"vaultline/internal/notify"
	"vaultline/internal/odoo"
	"vaultline/internal/plan"
	"vaultline/internal/processor"
	"vaultline/internal/repo"
	"vaultline/internal/retry"
	"vaultline/internal/social"
	"vaultline/internal/store"
	"vaultline/internal/vaultsync"
	"vaultline/internal/watcher"
)

// Options controls how New builds an App.
type Options struct {
	Vault  string
	Config *config.Config
	// Processor overrides the configured CLI processor.
	Processor processor.Processor
	Now       func() time.Time
	Logger    *log.Logger
}

// App holds every component of a vault, built once and shared by the
// scheduler, the watcher and the server.
type App struct {
	Config *config.Config
	Store  store.Store
	DB     *sql.DB
	Repo   repo.Repo
	Events *events.Writer
	Health *health.Registry
	Marker health.Marker

	Processor  processor.Processor
	Odoo       *odoo.Client
	Publisher  *social.Publisher
	Drafter    social.Drafter
	Planner    plan.Planner
	Tracker    plan.Tracker
	Dispatcher approval.Dispatcher
	Engine     engine.Engine
	Inbox      *watcher.Inbox
	Gmail      *watcher.Gmail
	Briefing   briefing.Writer
	Notifier   *notify.Notifier
	// Syncer is nil unless sync is enabled.
	Syncer *vaultsync.Syncer

	Now    func() time.Time
	Logger *log.Logger
}

// New opens the vault and its index and wires every component. A missing
// vault root is the only fatal condition.
func New(ctx context.Context, opts Options) (*App, error) {
	cfg := opts.Config
	if cfg == nil {
		var err error
		cfg, err = config.LoadOptional(opts.Vault)
		if err != nil {
			return nil, err
		}
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	s, err := store.Open(opts.Vault)
	if err != nil {
		return nil, err
	}
	s.Now = now
	if err := s.EnsureLayout(); err != nil {
		return nil, fmt.Errorf("vault layout: %w", err)
	}
	conn, err := db.Open(db.Config{Vault: opts.Vault})
	if err != nil {
		return nil, fmt.Errorf("open index: %w", err)
	}
	if err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate index: %w", err)
	}
	r := repo.Repo{DB: conn}

	a := &App{
		Config: cfg,
		Store:  s,
		DB:     conn,
		Repo:   r,
		Events: &events.Writer{Root: s.Root, Index: r, Now: now, Logger: logger},
		Health: health.NewRegistry(),
		Marker: health.Marker{Root: s.Root, Now: now},
		Now:    now,
		Logger: logger,
	}
	a.Health.Now = now
	a.wire(opts.Processor)
	return a, nil
}

func (a *App) wire(proc processor.Processor) {
	cfg, s, logger, now := a.Config, a.Store, a.Logger, a.Now
	policy := retry.Policy{
		MaxRetries: cfg.Retry.MaxRetries,
		BaseDelay:  cfg.Retry.BaseDelay,
		MaxDelay:   cfg.Retry.MaxDelay,
		Logger:     logger,
	}

	if proc == nil {
		cli := processor.NewCLI(cfg.Processor.Command, logger)
		cli.Timeout = cfg.Processor.Timeout
		cli.MaxRetries = cfg.Processor.MaxRetries
		proc = cli
	}
	a.Processor = proc

	a.Odoo = odoo.New(odoo.Config{
		URL:              cfg.Odoo.URL,
		DB:               cfg.Odoo.DB,
		Username:         cfg.Odoo.Username,
		Password:         cfg.Odoo.Password,
		DryRun:           cfg.DryRun,
		PaymentThreshold: cfg.Odoo.PaymentThreshold,
	}, a.Health, logger)
	a.Odoo.Retry = named(policy, "odoo")

	a.Publisher = social.NewPublisher(social.Config{
		Meta:     social.MetaConfig(cfg.Meta),
		Twitter:  social.TwitterConfig(cfg.Twitter),
		LinkedIn: social.LinkedInConfig(cfg.LinkedIn),
		DryRun:   cfg.DryRun,
	}, a.Health, logger)
	a.Publisher.Retry = named(policy, "social")

	a.Drafter = social.Drafter{Store: s, Processor: proc, Audit: a.Events, Now: now, Logger: logger}
	a.Planner = plan.Planner{Store: s, Processor: proc, Audit: a.Events, Now: now, Logger: logger}
	a.Tracker = plan.Tracker{Root: s.Root, Audit: a.Events, Now: now, Logger: logger}
	a.Dispatcher = approval.Dispatcher{
		Store: s,
		Executors: approval.NewExecutors(approval.Wiring{
			Processor: proc,
			Workdir:   s.Root,
			Odoo:      a.Odoo,
			Publisher: a.Publisher,
			Logger:    logger,
		}),
		Audit:  a.Events,
		Logger: logger,
	}
	a.Engine = engine.Engine{
		Store:      s,
		Processor:  proc,
		Planner:    a.Planner,
		Tracker:    a.Tracker,
		Dispatcher: a.Dispatcher,
		Audit:      a.Events,
		Health:     a.Health,
		OdooURL:    cfg.Odoo.URL,
		Now:        now,
		Logger:     logger,
	}

	a.Inbox = &watcher.Inbox{Store: s, Audit: a.Events, Now: now, Logger: logger}
	a.Gmail = &watcher.Gmail{
		Config: watcher.GmailConfig(cfg.Gmail),
		Store:  s,
		Ledger: a.Repo,
		Audit:  a.Events,
		Health: a.Health,
		Retry:  named(policy, "gmail"),
		Now:    now,
		Logger: logger,
	}
	a.Briefing = briefing.Writer{Store: s, Processor: proc, Audit: a.Events, Now: now, Logger: logger}
	a.Notifier = &notify.Notifier{
		Store:      s,
		Webhooks:   cfg.Webhooks,
		Deliveries: a.Repo,
		Audit:      a.Events,
		Now:        now,
		Logger:     logger,
	}
	if cfg.Sync.Enabled {
		a.Syncer = &vaultsync.Syncer{
			Root:   s.Root,
			Zone:   cfg.Zone,
			Remote: cfg.Sync.Remote,
			Branch: cfg.Sync.Branch,
			Audit:  a.Events,
			Now:    now,
			Logger: logger,
		}
	}
}

func named(p retry.Policy, name string) retry.Policy {
	p.Name = name
	return p
}

// Checker returns the liveness checker for this vault.
func (a *App) Checker() health.Checker {
	return health.Checker{
		Root:         a.Store.Root,
		Zone:         a.Config.Zone,
		HandbookFile: store.HandbookFile,
		Registry:     a.Health,
		Now:          a.Now,
	}
}

// Lock takes the single-orchestrator lock for the vault.
func (a *App) Lock() (*store.Lock, error) {
	return store.AcquireLock(a.Store.Root)
}

// Close releases the index database.
func (a *App) Close() error {
	if a.DB == nil {
		return nil
	}
	return a.DB.Close()
}
