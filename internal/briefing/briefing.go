// Package briefing writes the daily briefing and the weekly summary reports
// into Briefings/.
package briefing

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"vaultline/internal/domain"
	"vaultline/internal/events"
	"vaultline/internal/frontmatter"
	"vaultline/internal/processor"
	"vaultline/internal/social"
	"vaultline/internal/store"
)

// Actor is recorded on briefing audit entries.
const Actor = "scheduler"

const (
	weekDays     = 7
	maxDoneList  = 20
	recentEvents = 10
)

// Auditor appends audit entries.
type Auditor interface {
	Append(ctx context.Context, actionType, actor string, payload events.Payload) (domain.AuditEntry, error)
}

// Writer generates briefings for one vault.
type Writer struct {
	Store     store.Store
	Processor processor.Processor
	Audit     Auditor
	Now       func() time.Time
	Logger    *log.Logger
}

func (w Writer) now() time.Time {
	if w.Now != nil {
		return w.Now()
	}
	return time.Now()
}

func (w Writer) logger() *log.Logger {
	if w.Logger != nil {
		return w.Logger
	}
	return log.Default()
}

// DailyName is the daily briefing file name for t.
func DailyName(t time.Time) string { return t.Format("2006-01-02") + "_Daily.md" }

// WeekPrefix is the ISO week label used in weekly report names, e.g. 2024-W10.
func WeekPrefix(t time.Time) string {
	year, week := t.ISOWeek()
	return fmt.Sprintf("%d-W%02d", year, week)
}

// Daily writes today's briefing. It returns the file name and false when
// the briefing already existed.
func (w Writer) Daily(ctx context.Context) (string, bool, error) {
	now := w.now()
	date := now.Format("2006-01-02")
	name := DailyName(now)
	rel := filepath.Join(store.DirBriefings, name)
	if w.Store.Exists(rel) {
		w.logger().Printf("briefing: daily briefing already exists for %s", date)
		return name, false, nil
	}

	doneToday := doneOn(w.Store, now)
	pending := w.Store.Names(domain.StatePending.Dir())
	awaiting := w.Store.Names(domain.StateAwaitingApproval.Dir())
	entries := (events.Reader{Root: w.Store.Root}).Day(now)

	var out string
	if w.Processor != nil {
		text, err := w.Processor.Invoke(ctx, dailyPrompt(date, doneToday, pending, awaiting, entries), w.Store.Root)
		if !processor.Failed(text, err) && strings.TrimSpace(text) != "" {
			out = text
			if _, _, perr := frontmatter.Parse([]byte(text)); perr != nil {
				out = header("briefing", date, now) + text
			}
		} else {
			w.logger().Printf("briefing: processor unavailable, using template: %s", processor.Text(text, err))
		}
	}
	if out == "" {
		out = dailyFallback(date, now, len(doneToday), len(pending), len(awaiting), len(entries))
	}

	if err := os.MkdirAll(w.Store.Path(store.DirBriefings), 0o755); err != nil {
		return "", false, err
	}
	if err := store.WriteFileAtomic(w.Store.Path(rel), []byte(out), 0o644); err != nil {
		return "", false, fmt.Errorf("write %s: %w", name, err)
	}
	w.logger().Printf("briefing: daily briefing saved: %s", name)
	w.audit(ctx, events.DailyBriefing, events.Payload{"file": name})
	return name, true, nil
}

// WeeklyData aggregates the last seven days of the vault.
type WeeklyData struct {
	PeriodStart     string
	PeriodEnd       string
	TasksCompleted  int
	DoneFiles       []string
	TotalLogEntries int
	ActionCounts    map[string]int
	PendingApproval []string
	Rejected        []string
	Social          map[social.Platform]int
	EmailsProcessed int
}

// SocialTotal sums drafts across platforms.
func (d WeeklyData) SocialTotal() int {
	n := 0
	for _, v := range d.Social {
		n += v
	}
	return n
}

// Aggregate collects WeeklyData for the seven days ending at now.
func Aggregate(s store.Store, now time.Time) WeeklyData {
	cutoff := now.AddDate(0, 0, -weekDays)
	done := s.DoneSince(cutoff)
	entries := (events.Reader{Root: s.Root}).Since(cutoff)
	counts := events.CountByAction(entries)

	data := WeeklyData{
		PeriodStart:     cutoff.Format("2006-01-02"),
		PeriodEnd:       now.Format("2006-01-02"),
		TasksCompleted:  len(done),
		DoneFiles:       done,
		TotalLogEntries: len(entries),
		ActionCounts:    counts,
		PendingApproval: s.Names(domain.StateAwaitingApproval.Dir()),
		Rejected:        s.Names(domain.StateRejected.Dir()),
		Social:          map[social.Platform]int{},
		EmailsProcessed: counts[events.TaskProcessed],
	}
	if len(data.DoneFiles) > maxDoneList {
		data.DoneFiles = data.DoneFiles[:maxDoneList]
	}
	for _, p := range social.Platforms {
		data.Social[p] = counts[events.DraftGenerated(string(p))]
	}
	return data
}

// Weekly writes the weekly summary and the CEO briefing, replacing earlier
// versions for the same week. It returns both file names.
func (w Writer) Weekly(ctx context.Context) (string, string, error) {
	now := w.now()
	data := Aggregate(w.Store, now)
	if err := os.MkdirAll(w.Store.Path(store.DirBriefings), 0o755); err != nil {
		return "", "", err
	}
	prefix := WeekPrefix(now)
	weekly := prefix + "_Weekly.md"
	ceo := prefix + "_CEO_Briefing.md"

	if err := store.WriteFileAtomic(w.Store.Path(store.DirBriefings, weekly), []byte(RenderWeekly(data, now)), 0o644); err != nil {
		return "", "", fmt.Errorf("write %s: %w", weekly, err)
	}
	w.logger().Printf("briefing: weekly briefing saved: %s", weekly)
	if err := store.WriteFileAtomic(w.Store.Path(store.DirBriefings, ceo), []byte(RenderCEO(data, now)), 0o644); err != nil {
		return weekly, "", fmt.Errorf("write %s: %w", ceo, err)
	}
	w.logger().Printf("briefing: CEO briefing saved: %s", ceo)

	w.audit(ctx, events.WeeklyAudit, events.Payload{
		"weekly_briefing": weekly,
		"ceo_briefing":    ceo,
		"tasks_completed": data.TasksCompleted,
	})
	return weekly, ceo, nil
}

func (w Writer) audit(ctx context.Context, actionType string, payload events.Payload) {
	if w.Audit == nil {
		return
	}
	if _, err := w.Audit.Append(ctx, actionType, Actor, payload); err != nil {
		w.logger().Printf("briefing: audit %s: %v", actionType, err)
	}
}

// RenderWeekly returns the detailed weekly summary.
func RenderWeekly(d WeeklyData, now time.Time) string {
	var b strings.Builder
	b.WriteString(header("weekly_briefing", d.PeriodStart+" to "+d.PeriodEnd, now))
	fmt.Fprintf(&b, "# Weekly Summary: %s to %s\n\n", d.PeriodStart, d.PeriodEnd)
	b.WriteString("## Overview\n")
	fmt.Fprintf(&b, "- **Tasks Completed**: %d\n", d.TasksCompleted)
	fmt.Fprintf(&b, "- **Total Log Entries**: %d\n", d.TotalLogEntries)
	fmt.Fprintf(&b, "- **Emails Processed**: %d\n", d.EmailsProcessed)
	fmt.Fprintf(&b, "- **Social Media Drafts**: %d (LinkedIn: %d, Facebook: %d, Twitter: %d, Instagram: %d)\n\n",
		d.SocialTotal(), d.Social[social.LinkedIn], d.Social[social.Facebook], d.Social[social.Twitter], d.Social[social.Instagram])

	b.WriteString("## Completed Tasks\n")
	b.WriteString(bullets(d.DoneFiles))
	b.WriteString("\n## Action Breakdown\n")
	b.WriteString("| Action Type | Count |\n|-------------|-------|\n")
	for _, kv := range sortedCounts(d.ActionCounts) {
		fmt.Fprintf(&b, "| %s | %d |\n", kv.key, kv.n)
	}
	b.WriteString("\n## Pending Approvals\n")
	b.WriteString(bullets(d.PendingApproval))
	b.WriteString("\n## Rejected Items\n")
	b.WriteString(bullets(d.Rejected))
	b.WriteString("\n## Recommendations\n")
	b.WriteString("- Review any stale items in Pending_Approval/\n")
	b.WriteString("- Check rejected items for patterns to improve automation\n")
	b.WriteString("- Monitor social media engagement from published posts\n")
	return b.String()
}

// RenderCEO returns the executive KPI briefing.
func RenderCEO(d WeeklyData, now time.Time) string {
	year, week := now.ISOWeek()
	drafts := d.SocialTotal()
	var b strings.Builder
	b.WriteString(header("ceo_briefing", d.PeriodStart+" to "+d.PeriodEnd, now))
	fmt.Fprintf(&b, "# CEO Briefing: Week %d, %d\n\n", week, year)
	b.WriteString("## KPI Dashboard\n\n")
	b.WriteString("| Metric | This Week |\n|--------|-----------|\n")
	fmt.Fprintf(&b, "| Tasks Completed | %d |\n", d.TasksCompleted)
	fmt.Fprintf(&b, "| Emails Processed | %d |\n", d.EmailsProcessed)
	fmt.Fprintf(&b, "| Social Posts Drafted | %d |\n", drafts)
	fmt.Fprintf(&b, "| Pending Approvals | %d |\n", len(d.PendingApproval))
	fmt.Fprintf(&b, "| Rejected Actions | %d |\n", len(d.Rejected))
	fmt.Fprintf(&b, "| Total Automated Actions | %d |\n\n", d.TotalLogEntries)

	b.WriteString("## Social Media Breakdown\n\n")
	b.WriteString("| Platform | Drafts Created |\n|----------|---------------|\n")
	fmt.Fprintf(&b, "| LinkedIn | %d |\n", d.Social[social.LinkedIn])
	fmt.Fprintf(&b, "| Facebook | %d |\n", d.Social[social.Facebook])
	fmt.Fprintf(&b, "| Twitter/X | %d |\n", d.Social[social.Twitter])
	fmt.Fprintf(&b, "| Instagram | %d |\n\n", d.Social[social.Instagram])

	b.WriteString("## Key Achievements\n")
	fmt.Fprintf(&b, "- Processed **%d** tasks autonomously\n", d.TasksCompleted)
	fmt.Fprintf(&b, "- Generated **%d** social media drafts for review\n", drafts)
	fmt.Fprintf(&b, "- Logged **%d** automated actions\n\n", d.TotalLogEntries)

	b.WriteString("## Action Items\n")
	if n := len(d.PendingApproval); n > 0 {
		fmt.Fprintf(&b, "- **%d items** awaiting your approval in Pending_Approval/\n", n)
	} else {
		b.WriteString("- No items pending approval\n")
	}
	if n := len(d.Rejected); n > 0 {
		fmt.Fprintf(&b, "- **%d items** were rejected this week; review for automation improvements\n", n)
	} else {
		b.WriteString("- No rejections this week\n")
	}
	b.WriteString("\n## Strategic Recommendations\n")
	b.WriteString("- Maintain consistent social media posting cadence across all platforms\n")
	b.WriteString("- Review approval turnaround times to reduce bottlenecks\n")
	b.WriteString("- Consider expanding automation to additional business processes\n")
	return b.String()
}

func header(kind, period string, now time.Time) string {
	key := "period"
	if kind == "briefing" {
		key = "date"
	}
	out, err := frontmatter.Render([]frontmatter.Field{
		{Key: "type", Value: kind},
		{Key: key, Value: period},
		{Key: "generated", Value: now.UTC().Format(time.RFC3339)},
	}, "")
	if err != nil {
		return ""
	}
	return string(out)
}

func dailyFallback(date string, now time.Time, done, pending, awaiting, logged int) string {
	var b strings.Builder
	b.WriteString(header("briefing", date, now))
	fmt.Fprintf(&b, "# Daily Briefing - %s\n\n", date)
	fmt.Fprintf(&b, "## Completed Today\n- %d task(s) completed\n\n", done)
	fmt.Fprintf(&b, "## Pending\n- %d item(s) in Needs_Action\n- %d item(s) awaiting approval\n\n", pending, awaiting)
	fmt.Fprintf(&b, "## Activity\n- %d actions logged today\n\n", logged)
	b.WriteString("## Recommendations\n")
	b.WriteString("- Review pending items in Needs_Action/\n")
	b.WriteString("- Check Pending_Approval/ for items needing your attention\n")
	return b.String()
}

func dailyPrompt(date string, done, pending, awaiting []string, entries []domain.AuditEntry) string {
	activity := "No activity logged yet."
	if len(entries) > 0 {
		recent := entries
		if len(recent) > recentEvents {
			recent = recent[len(recent)-recentEvents:]
		}
		if data, err := json.MarshalIndent(recent, "", "  "); err == nil {
			activity = string(data)
		}
	}
	return fmt.Sprintf(`You are an operations assistant generating a daily briefing report.

## Data for Today (%s)

### Completed Tasks (%d)
%s
### Pending Items (%d)
%s
### Awaiting Approval (%d)
%s
### Activity Log (%d entries)
%s

## Instructions
Generate a concise daily briefing in markdown. Include:
1. Summary of completed work
2. Pending items that need attention
3. Items awaiting human approval
4. Recommendations for tomorrow

Start with YAML frontmatter: type: briefing, date: %s
Keep it professional and actionable.`,
		date, len(done), bullets(done), len(pending), bullets(pending), len(awaiting), bullets(awaiting),
		len(entries), activity, date)
}

func doneOn(s store.Store, t time.Time) []string {
	day := t.Format("20060102")
	var out []string
	for _, name := range s.DoneSince(t) {
		if strings.HasPrefix(name, day) {
			out = append(out, name)
		}
	}
	return out
}

func bullets(items []string) string {
	if len(items) == 0 {
		return "- None\n"
	}
	var b strings.Builder
	for _, it := range items {
		b.WriteString("- " + it + "\n")
	}
	return b.String()
}

type count struct {
	key string
	n   int
}

func sortedCounts(m map[string]int) []count {
	out := make([]count, 0, len(m))
	for k, v := range m {
		out = append(out, count{k, v})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].n != out[j].n {
			return out[i].n > out[j].n
		}
		return out[i].key < out[j].key
	})
	return out
}
