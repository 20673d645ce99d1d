package app

import (
	"context"
	"errors"
	"time"

	"vaultline/internal/events"
	"vaultline/internal/odoo"
	"vaultline/internal/scheduler"
	"vaultline/internal/social"
	"vaultline/internal/watcher"
)

// Job names.
const (
	JobPollGmail      = "poll_gmail"
	JobProcessTasks   = "process_tasks"
	JobOdooHealth     = "odoo_health"
	JobApprovalNotify = "approval_notify"
	JobVaultSync      = "vault_sync"
	JobDailyBriefing  = "daily_briefing"
	JobWeeklyAudit    = "weekly_audit"

	healthActor = "health_checker"
)

// Jobs returns the standard job table for every zone. vault_sync is only
// included when sync is enabled.
func (a *App) Jobs() []scheduler.Job {
	interval := a.Config.Orchestrator.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	jobs := []scheduler.Job{
		{Name: JobPollGmail, Zone: scheduler.ZoneCloud, Cadence: scheduler.Every(2 * time.Minute), Run: a.pollGmail},
		{Name: JobProcessTasks, Zone: scheduler.ZoneBoth, Cadence: scheduler.Every(interval), Run: a.processTasks},
		{Name: JobOdooHealth, Zone: scheduler.ZoneBoth, Cadence: scheduler.Every(5 * time.Minute), Run: a.CheckOdoo},
		{Name: JobApprovalNotify, Zone: scheduler.ZoneLocal, Cadence: scheduler.Every(time.Minute), Run: a.notifyApprovals},
	}
	if a.Syncer != nil {
		jobs = append(jobs, scheduler.Job{Name: JobVaultSync, Zone: scheduler.ZoneBoth, Cadence: scheduler.Every(5 * time.Minute), Run: a.syncVault})
	}
	jobs = append(jobs,
		scheduler.Job{Name: JobDailyBriefing, Zone: scheduler.ZoneLocal, Cadence: scheduler.DailyAt(8, 0), Run: a.dailyBriefing},
		a.draftJob(social.LinkedIn, scheduler.WeeklyAt(time.Monday, 10, 0)),
		a.draftJob(social.Facebook, scheduler.WeeklyAt(time.Tuesday, 10, 30)),
		a.draftJob(social.Twitter, scheduler.WeeklyAt(time.Wednesday, 10, 30)),
		a.draftJob(social.Instagram, scheduler.WeeklyAt(time.Thursday, 10, 30)),
		scheduler.Job{Name: JobWeeklyAudit, Zone: scheduler.ZoneLocal, Cadence: scheduler.WeeklyAt(time.Sunday, 20, 0), Run: a.weeklyAudit},
	)
	return jobs
}

// Runner returns a scheduler runner over the jobs for zone.
func (a *App) Runner(zone scheduler.Zone) *scheduler.Runner {
	return &scheduler.Runner{
		Jobs:     scheduler.ForZone(a.Jobs(), zone),
		Zone:     zone,
		Recorder: a.Repo,
		Now:      a.Now,
		Logger:   a.Logger,
	}
}

func (a *App) draftJob(p social.Platform, c scheduler.Cadence) scheduler.Job {
	return scheduler.Job{
		Name:    string(p) + "_draft",
		Zone:    scheduler.ZoneCloud,
		Cadence: c,
		Run: func(ctx context.Context) error {
			d, err := a.Drafter.Draft(ctx, p)
			if err != nil {
				return err
			}
			a.Logger.Printf("social: %s draft ready: %s", p, d.Name)
			return nil
		},
	}
}

func (a *App) pollGmail(ctx context.Context) error {
	n, err := a.Gmail.Poll(ctx)
	if errors.Is(err, watcher.ErrGmailNotConfigured) {
		return nil
	}
	if err != nil {
		return err
	}
	if n > 0 {
		a.Logger.Printf("gmail: %d new email(s)", n)
	}
	return nil
}

func (a *App) processTasks(ctx context.Context) error {
	cycle, err := a.Engine.RunOnce(ctx)
	if err != nil {
		return err
	}
	if !cycle.Empty() {
		a.Logger.Printf("orchestrator: processed %d, approved %d, rejected %d", len(cycle.Processed), cycle.Approved, cycle.Rejected)
	}
	return nil
}

// CheckOdoo pings the accounting server, refreshes the degraded marker and
// audits a failed check. An unconfigured server is not checked.
func (a *App) CheckOdoo(ctx context.Context) error {
	if !a.Odoo.Configured() {
		return nil
	}
	pingErr := a.Odoo.Ping(ctx)
	degraded, err := a.Marker.Sync(a.Health)
	if err != nil {
		a.Logger.Printf("health: write marker: %v", err)
	}
	if pingErr == nil {
		return nil
	}
	a.Logger.Printf("health: odoo degraded: %v", pingErr)
	if _, err := a.Events.Append(ctx, events.ServiceDegraded, healthActor, events.Payload{
		"service":  odoo.Service,
		"error":    pingErr.Error(),
		"degraded": degraded,
	}); err != nil {
		a.Logger.Printf("health: audit: %v", err)
	}
	return pingErr
}

func (a *App) notifyApprovals(ctx context.Context) error {
	_, err := a.Notifier.Notify(ctx)
	return err
}

func (a *App) syncVault(ctx context.Context) error {
	_, err := a.Syncer.Sync(ctx)
	return err
}

func (a *App) dailyBriefing(ctx context.Context) error {
	name, created, err := a.Briefing.Daily(ctx)
	if err != nil {
		return err
	}
	if created {
		a.Logger.Printf("briefing: wrote %s", name)
	}
	return nil
}

func (a *App) weeklyAudit(ctx context.Context) error {
	weekly, ceo, err := a.Briefing.Weekly(ctx)
	if err != nil {
		return err
	}
	a.Logger.Printf("briefing: wrote %s and %s", weekly, ceo)
	return nil
}
