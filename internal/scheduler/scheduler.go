// Package scheduler runs named jobs on fixed cadences: intervals, daily wall
// clock times and weekly slots. Jobs run one at a time on the runner's
// goroutine.
package scheduler

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"vaultline/internal/domain"
	"vaultline/internal/metrics"
)

// Zone selects which deployment runs a job.
type Zone string

const (
	ZoneCloud Zone = "cloud"
	ZoneLocal Zone = "local"
	ZoneBoth  Zone = "both"
)

// ParseZone accepts cloud, local or both. Anything else is an error.
func ParseZone(s string) (Zone, error) {
	switch z := Zone(strings.ToLower(strings.TrimSpace(s))); z {
	case ZoneCloud, ZoneLocal, ZoneBoth:
		return z, nil
	case "":
		return ZoneLocal, nil
	default:
		return "", fmt.Errorf("invalid zone %q (want cloud, local or both)", s)
	}
}

// Cadence computes when a job is next due.
type Cadence interface {
	// Next returns the first due time strictly after after.
	Next(after time.Time) time.Time
	String() string
}

type every time.Duration

// Every is due each d after the previous run.
func Every(d time.Duration) Cadence {
	if d <= 0 {
		d = time.Second
	}
	return every(d)
}

func (e every) Next(after time.Time) time.Time { return after.Add(time.Duration(e)) }
func (e every) String() string                 { return "every " + time.Duration(e).String() }

// wallClock is a cron schedule evaluated in the location of the time it is
// asked about.
type wallClock struct {
	spec  *cron.SpecSchedule
	label string
}

func wallClockAt(expr, label string) Cadence {
	s, err := cron.ParseStandard(expr)
	if err != nil {
		panic(fmt.Sprintf("scheduler: bad cron expression %q: %v", expr, err))
	}
	return wallClock{spec: s.(*cron.SpecSchedule), label: label}
}

// DailyAt is due once a day at hh:mm local time.
func DailyAt(hh, mm int) Cadence {
	return wallClockAt(fmt.Sprintf("%d %d * * *", mm, hh), fmt.Sprintf("daily %02d:%02d", hh, mm))
}

// WeeklyAt is due once a week on day at hh:mm local time.
func WeeklyAt(day time.Weekday, hh, mm int) Cadence {
	return wallClockAt(fmt.Sprintf("%d %d * * %d", mm, hh, int(day)),
		fmt.Sprintf("%s %02d:%02d", strings.ToLower(day.String()[:3]), hh, mm))
}

func (w wallClock) Next(after time.Time) time.Time {
	spec := *w.spec
	spec.Location = after.Location()
	return spec.Next(after)
}

func (w wallClock) String() string { return w.label }

// Job is one scheduled unit of work.
type Job struct {
	Name    string
	Zone    Zone
	Cadence Cadence
	Run     func(ctx context.Context) error
}

// ForZone keeps the jobs that run in zone. Jobs marked both always run, and
// zone both keeps everything.
func ForZone(jobs []Job, zone Zone) []Job {
	var out []Job
	for _, j := range jobs {
		if zone == ZoneBoth || j.Zone == ZoneBoth || j.Zone == zone {
			out = append(out, j)
		}
	}
	return out
}

// Recorder persists job runs.
type Recorder interface {
	InsertJobRun(ctx context.Context, run domain.JobRun) error
}

const (
	StatusOK    = "ok"
	StatusError = "error"

	// DefaultTick is how often the runner looks for due jobs.
	DefaultTick = time.Second
)

// Runner executes due jobs sequentially in registration order.
type Runner struct {
	Jobs     []Job
	Zone     Zone
	Recorder Recorder
	Tick     time.Duration
	Now      func() time.Time
	Logger   *log.Logger

	next []time.Time
}

func (r *Runner) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func (r *Runner) logger() *log.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return log.Default()
}

// Schedule computes the first due time of every job from now. Interval jobs
// are due immediately; calendar jobs wait for their slot.
func (r *Runner) Schedule() {
	now := r.now()
	r.next = make([]time.Time, len(r.Jobs))
	for i, j := range r.Jobs {
		if _, ok := j.Cadence.(every); ok {
			r.next[i] = now
			continue
		}
		r.next[i] = j.Cadence.Next(now)
	}
}

// NextRun returns the next due time of the named job.
func (r *Runner) NextRun(name string) (time.Time, bool) {
	for i, j := range r.Jobs {
		if j.Name == name && i < len(r.next) {
			return r.next[i], true
		}
	}
	return time.Time{}, false
}

// Run ticks until ctx is cancelled, running every due job on each tick.
func (r *Runner) Run(ctx context.Context) error {
	if r.next == nil {
		r.Schedule()
	}
	for _, j := range r.Jobs {
		r.logger().Printf("scheduler: %s (%s, zone %s)", j.Name, j.Cadence, j.Zone)
	}
	tick := r.Tick
	if tick <= 0 {
		tick = DefaultTick
	}

	r.RunPending(ctx)
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.logger().Printf("scheduler: stopping")
			return nil
		case <-ticker.C:
			r.RunPending(ctx)
		}
	}
}

// RunPending runs every job whose due time has passed and returns the
// number of jobs run.
func (r *Runner) RunPending(ctx context.Context) int {
	if r.next == nil {
		r.Schedule()
	}
	ran := 0
	for i, j := range r.Jobs {
		if ctx.Err() != nil {
			return ran
		}
		if r.now().Before(r.next[i]) {
			continue
		}
		r.RunJob(ctx, j)
		r.next[i] = j.Cadence.Next(r.now())
		ran++
	}
	return ran
}

// RunJob runs j once, recovering panics, and records the run.
func (r *Runner) RunJob(ctx context.Context, j Job) error {
	started := r.now()
	err := r.call(ctx, j)
	finished := r.now()

	run := domain.JobRun{
		ID:         uuid.NewString(),
		Job:        j.Name,
		Zone:       string(j.Zone),
		StartedAt:  started.UTC().Format(time.RFC3339),
		FinishedAt: finished.UTC().Format(time.RFC3339),
		Status:     StatusOK,
	}
	if err != nil {
		msg := err.Error()
		run.Status = StatusError
		run.Error = &msg
		r.logger().Printf("scheduler: job %s failed: %v", j.Name, err)
	}
	metrics.JobRuns.WithLabelValues(j.Name, run.Status).Inc()
	metrics.JobDuration.WithLabelValues(j.Name).Observe(finished.Sub(started).Seconds())
	if r.Recorder != nil {
		if rerr := r.Recorder.InsertJobRun(context.WithoutCancel(ctx), run); rerr != nil {
			r.logger().Printf("scheduler: record %s: %v", j.Name, rerr)
		}
	}
	return err
}

func (r *Runner) call(ctx context.Context, j Job) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	if j.Run == nil {
		return fmt.Errorf("job %s has no run func", j.Name)
	}
	return j.Run(ctx)
}
