package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/nicotrack/internal/clock"
	"github.com/lalithlochan/nicotrack/internal/db"
	"github.com/lalithlochan/nicotrack/internal/metrics"
	"github.com/lalithlochan/nicotrack/internal/notify"
)

// Job names.
const (
	JobQueueDrain    = "queue-drain"
	JobReminderScan  = "reminder-scan"
	JobWeeklyReport  = "weekly-report"
	JobThresholdScan = "threshold-scan"
	JobTokenCleanup  = "token-cleanup"
)

// Directory lists who the scan jobs should look at.
type Directory interface {
	GetUser(ctx context.Context, id int64) (*db.User, error)
	ListDailyReminderSubscribers(ctx context.Context) ([]db.Subscriber, error)
	ListWeeklyReportSubscribers(ctx context.Context) ([]db.Subscriber, error)
	ListNotifiableGoals(ctx context.Context) ([]*db.Goal, error)
	DeleteExpiredTokens(ctx context.Context, now time.Time) (int64, error)
	QueueDepth(ctx context.Context) (map[db.Status]int, error)
}

// ProgressSource computes usage against goals.
type ProgressSource interface {
	GoalProgress(ctx context.Context, userID, goalID int64, day time.Time) (*db.GoalProgress, error)
	WeeklyUsageSummary(ctx context.Context, userID int64, start, end time.Time) (*db.WeeklySummary, error)
}

// Queue is the consumer side of the notification queue.
type Queue interface {
	ProcessQueue(ctx context.Context, batchSize int, now time.Time) (int, error)
	Recover(ctx context.Context, now time.Time) (int64, error)
}

// Lease serializes queue drains across processes. ok is false when
// another holder has it.
type Lease interface {
	TryAcquire(ctx context.Context, name string, ttl time.Duration) (release func(context.Context), ok bool, err error)
}

// Jobs holds the collaborators of the built-in jobs.
type Jobs struct {
	dir       Directory
	progress  ProgressSource
	notifier  *notify.Service
	queue     Queue
	lease     Lease
	batchSize int
	logger    *zap.Logger
}

// JobsConfig tunes the built-in jobs.
type JobsConfig struct {
	BatchSize int
}

// NewJobs wires the built-in jobs. lease may be nil.
func NewJobs(dir Directory, progress ProgressSource, notifier *notify.Service, queue Queue, lease Lease, cfg JobsConfig, logger *zap.Logger) *Jobs {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	return &Jobs{
		dir:       dir,
		progress:  progress,
		notifier:  notifier,
		queue:     queue,
		lease:     lease,
		batchSize: cfg.BatchSize,
		logger:    logger,
	}
}

// Schedules holds the cron spec of each built-in job.
type Schedules struct {
	QueueDrain    string
	ReminderScan  string
	WeeklyReport  string
	ThresholdScan string
	TokenCleanup  string
}

// DefaultSchedules are used for any spec left empty.
func DefaultSchedules() Schedules {
	return Schedules{
		QueueDrain:    "@every 5m",
		ReminderScan:  "* * * * *",
		WeeklyReport:  "0 10 * * MON",
		ThresholdScan: "@every 30m",
		TokenCleanup:  "0 2 * * *",
	}
}

// Register adds every built-in job to s.
func (j *Jobs) Register(s *Scheduler, specs Schedules) error {
	defaults := DefaultSchedules()
	pick := func(spec, fallback string) string {
		if spec == "" {
			return fallback
		}
		return spec
	}

	for _, r := range []struct {
		name string
		spec string
		job  JobFunc
	}{
		{JobQueueDrain, pick(specs.QueueDrain, defaults.QueueDrain), j.DrainQueue},
		{JobReminderScan, pick(specs.ReminderScan, defaults.ReminderScan), j.ReminderScan},
		{JobWeeklyReport, pick(specs.WeeklyReport, defaults.WeeklyReport), j.WeeklyReport},
		{JobThresholdScan, pick(specs.ThresholdScan, defaults.ThresholdScan), j.ThresholdScan},
		{JobTokenCleanup, pick(specs.TokenCleanup, defaults.TokenCleanup), j.TokenCleanup},
	} {
		if err := s.AddCron(r.name, r.spec, r.job); err != nil {
			return fmt.Errorf("register %s: %w", r.name, err)
		}
	}
	return nil
}

const drainLeaseTTL = 5 * time.Minute

// DrainQueue releases stale claims and processes one batch.
func (j *Jobs) DrainQueue(ctx context.Context, now time.Time) error {
	if j.lease != nil {
		release, ok, err := j.lease.TryAcquire(ctx, JobQueueDrain, drainLeaseTTL)
		if err != nil {
			// The CAS claim still keeps items exclusive without the lease.
			j.logger.Warn("drain lease unavailable, draining anyway", zap.Error(err))
		} else if !ok {
			j.logger.Debug("queue drain held by another process")
			return nil
		} else {
			defer release(ctx)
		}
	}

	if _, err := j.queue.Recover(ctx, now); err != nil {
		j.logger.Error("stale claim recovery failed", zap.Error(err))
	}

	n, err := j.queue.ProcessQueue(ctx, j.batchSize, now)
	if err != nil {
		return err
	}

	if depth, err := j.dir.QueueDepth(ctx); err == nil {
		metrics.SetQueueDepth(string(db.StatusPending), depth[db.StatusPending])
		metrics.SetQueueDepth(string(db.StatusProcessing), depth[db.StatusProcessing])
	}

	if n > 0 {
		j.logger.Info("queue drained", zap.Int("processed", n))
	}
	return nil
}

// reminderTime is the user's reminder time, falling back to their daily
// reset time.
func reminderTime(p *db.Preferences) *db.TimeOfDay {
	if p.ReminderTime != nil {
		return p.ReminderTime
	}
	return p.DailyResetTime
}

// ReminderScan queues the daily reminder for users whose local time is
// their reminder minute. A run that misses the minute misses the day.
func (j *Jobs) ReminderScan(ctx context.Context, now time.Time) error {
	subs, err := j.dir.ListDailyReminderSubscribers(ctx)
	if err != nil {
		return err
	}

	window := j.notifier.Policy().Window(db.CategoryDailyReminder)
	var errs []error
	queued := 0
	for _, sub := range subs {
		rt := reminderTime(sub.Preferences)
		if rt == nil {
			continue
		}
		local := now.In(clock.Location(sub.User.Timezone))
		if local.Hour() != rt.Hour || local.Minute() != rt.Minute {
			continue
		}

		recent, err := j.notifier.Dedup().RecentlyNotified(ctx, sub.User.ID, db.CategoryDailyReminder, window)
		if err != nil {
			errs = append(errs, fmt.Errorf("user %d: %w", sub.User.ID, err))
			continue
		}
		if recent {
			continue
		}

		n, err := j.notifier.SendDailyReminder(ctx, sub.User.ID)
		if err != nil {
			errs = append(errs, fmt.Errorf("user %d: %w", sub.User.ID, err))
			continue
		}
		queued += n
	}

	if queued > 0 {
		j.logger.Info("daily reminders queued", zap.Int("count", queued))
	}
	return errors.Join(errs...)
}

// LastWeek returns the Monday 00:00 starting the previous calendar week
// in local's zone and the Monday 00:00 ending it.
func LastWeek(local time.Time) (start, end time.Time) {
	daysSinceMonday := (int(local.Weekday()) + 6) % 7
	end = time.Date(local.Year(), local.Month(), local.Day()-daysSinceMonday, 0, 0, 0, 0, local.Location())
	start = end.AddDate(0, 0, -7)
	return start, end
}

// WeeklyReport emails last week's summary to subscribers.
func (j *Jobs) WeeklyReport(ctx context.Context, now time.Time) error {
	subs, err := j.dir.ListWeeklyReportSubscribers(ctx)
	if err != nil {
		return err
	}

	var errs []error
	queued := 0
	for _, sub := range subs {
		start, end := LastWeek(now.In(clock.Location(sub.User.Timezone)))

		summary, err := j.progress.WeeklyUsageSummary(ctx, sub.User.ID, start, end)
		if err != nil {
			errs = append(errs, fmt.Errorf("user %d summary: %w", sub.User.ID, err))
			continue
		}

		ok, err := j.notifier.SendWeeklyReport(ctx, sub.User.ID, summary, start, end.AddDate(0, 0, -1))
		if err != nil {
			errs = append(errs, fmt.Errorf("user %d: %w", sub.User.ID, err))
			continue
		}
		if ok {
			queued++
		}
	}

	j.logger.Info("weekly reports queued", zap.Int("count", queued), zap.Int("subscribers", len(subs)))
	return errors.Join(errs...)
}

// ThresholdScan alerts users whose usage today has crossed a goal's
// notification threshold without exceeding the goal.
func (j *Jobs) ThresholdScan(ctx context.Context, now time.Time) error {
	goals, err := j.dir.ListNotifiableGoals(ctx)
	if err != nil {
		return err
	}

	window := j.notifier.Policy().Window(db.CategoryGoalReminder)
	var errs []error
	alerted := 0
	for _, goal := range goals {
		user, err := j.dir.GetUser(ctx, goal.UserID)
		if err != nil {
			errs = append(errs, fmt.Errorf("goal %d: %w", goal.ID, err))
			continue
		}
		local := now.In(clock.Location(user.Timezone))
		day := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, local.Location())

		progress, err := j.progress.GoalProgress(ctx, goal.UserID, goal.ID, day)
		if err != nil {
			errs = append(errs, fmt.Errorf("goal %d progress: %w", goal.ID, err))
			continue
		}
		if !CrossedThreshold(goal.NotificationThreshold, progress.Percentage) {
			continue
		}

		recent, err := j.notifier.Dedup().RecentlyNotified(ctx, goal.UserID, db.CategoryGoalReminder, window)
		if err != nil {
			errs = append(errs, fmt.Errorf("goal %d: %w", goal.ID, err))
			continue
		}
		if recent {
			continue
		}

		n, err := j.notifier.SendGoalAlert(ctx, goal, progress)
		if err != nil {
			errs = append(errs, fmt.Errorf("goal %d: %w", goal.ID, err))
			continue
		}
		alerted += n
	}

	if alerted > 0 {
		j.logger.Info("goal alerts queued", zap.Int("count", alerted))
	}
	return errors.Join(errs...)
}

// CrossedThreshold reports threshold*100 <= percentage <= 100.
func CrossedThreshold(threshold, percentage float64) bool {
	return percentage >= threshold*100 && percentage <= 100
}

// TokenCleanup deletes expired verification and reset tokens.
func (j *Jobs) TokenCleanup(ctx context.Context, now time.Time) error {
	n, err := j.dir.DeleteExpiredTokens(ctx, now)
	if err != nil {
		return err
	}
	j.logger.Info("expired tokens removed", zap.Int64("count", n))
	return nil
}
