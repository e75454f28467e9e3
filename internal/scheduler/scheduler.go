// Package scheduler runs the periodic notification jobs. It is a single
// cooperative loop: every tick it runs whichever jobs are due, one after
// another, so jobs never overlap.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/lalithlochan/nicotrack/internal/clock"
	"github.com/lalithlochan/nicotrack/internal/metrics"
)

// Schedule decides when a job runs next.
type Schedule interface {
	Next(t time.Time) time.Time
	String() string
}

// JobFunc is a unit of scheduled work. now is the tick time.
type JobFunc func(ctx context.Context, now time.Time) error

// JobError reports a failed or panicking job run.
type JobError struct {
	Job string
	Err error
}

func (e *JobError) Error() string { return fmt.Sprintf("job %s: %v", e.Job, e.Err) }
func (e *JobError) Unwrap() error { return e.Err }

// IntervalSchedule runs a job at a fixed interval.
type IntervalSchedule struct {
	Interval time.Duration
}

// Every returns an IntervalSchedule.
func Every(d time.Duration) *IntervalSchedule {
	return &IntervalSchedule{Interval: d}
}

func (s *IntervalSchedule) Next(t time.Time) time.Time {
	return t.Add(s.Interval)
}

func (s *IntervalSchedule) String() string {
	return fmt.Sprintf("@every %s", s.Interval)
}

// CronSchedule wraps a parsed five-field cron expression.
type CronSchedule struct {
	spec  string
	sched cron.Schedule
}

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Cron parses spec, e.g. "* * * * *", "0 10 * * MON" or "@every 5m".
// Expressions are evaluated in UTC.
func Cron(spec string) (*CronSchedule, error) {
	sched, err := cronParser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("parse schedule %q: %w", spec, err)
	}
	return &CronSchedule{spec: spec, sched: sched}, nil
}

func (s *CronSchedule) Next(t time.Time) time.Time {
	return s.sched.Next(t.UTC())
}

func (s *CronSchedule) String() string {
	return s.spec
}

type entry struct {
	name     string
	schedule Schedule
	job      JobFunc
	next     time.Time
}

// Scheduler owns the job table.
type Scheduler struct {
	entries []*entry
	clock   clock.Clock
	logger  *zap.Logger
}

// New creates an empty scheduler.
func New(clk clock.Clock, logger *zap.Logger) *Scheduler {
	return &Scheduler{clock: clk, logger: logger}
}

// Add registers job. Its first run is the schedule's next time after now.
func (s *Scheduler) Add(name string, schedule Schedule, job JobFunc) {
	e := &entry{
		name:     name,
		schedule: schedule,
		job:      job,
		next:     schedule.Next(s.clock.Now()),
	}
	s.entries = append(s.entries, e)

	s.logger.Info("job registered",
		zap.String("job", name),
		zap.String("schedule", schedule.String()),
		zap.Time("next_run", e.next),
	)
}

// AddCron registers job on a cron spec.
func (s *Scheduler) AddCron(name, spec string, job JobFunc) error {
	sched, err := Cron(spec)
	if err != nil {
		return err
	}
	s.Add(name, sched, job)
	return nil
}

// NextRun returns when name is due next.
func (s *Scheduler) NextRun(name string) (time.Time, bool) {
	for _, e := range s.entries {
		if e.name == name {
			return e.next, true
		}
	}
	return time.Time{}, false
}

// Tick runs every job due at now, in registration order, and returns how
// many ran. A failing job does not stop the others; each job is
// rescheduled from now whatever its outcome.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) int {
	ran := 0
	for _, e := range s.entries {
		if now.Before(e.next) {
			continue
		}
		if err := s.run(ctx, e, now); err != nil {
			s.logger.Error("scheduled job failed",
				zap.String("job", e.name),
				zap.Error(err),
			)
		}
		e.next = e.schedule.Next(now)
		ran++
	}
	return ran
}

func (s *Scheduler) run(ctx context.Context, e *entry, now time.Time) (err error) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = &JobError{Job: e.name, Err: fmt.Errorf("panic: %v", r)}
		}
		metrics.RecordJobRun(e.name, err, time.Since(start))
	}()

	if jobErr := e.job(ctx, now); jobErr != nil {
		return &JobError{Job: e.name, Err: jobErr}
	}
	return nil
}

// Run ticks every interval until ctx is cancelled. Jobs get a context
// that is not cancelled with ctx, so a shutdown lets the running job
// finish.
func (s *Scheduler) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	jobCtx := context.WithoutCancel(ctx)
	s.logger.Info("scheduler started", zap.Duration("tick", interval), zap.Int("jobs", len(s.entries)))

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopping")
			return
		case <-ticker.C:
			s.Tick(jobCtx, s.clock.Now())
		}
	}
}
