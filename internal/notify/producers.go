package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/nicotrack/internal/db"
)

// Priorities used by the built-in producers.
const (
	PriorityTransactional = 1
	PriorityGoalAlert     = 2
	PriorityAchievement   = 3
	PriorityWeeklyReport  = 4
)

// EligibleChannels returns the user's enabled channels that have a
// usable endpoint.
func EligibleChannels(user *db.User, prefs *db.Preferences) []db.Channel {
	var out []db.Channel
	for _, ch := range prefs.EnabledChannels {
		if _, err := ResolveRecipient(user, prefs, ch); err == nil {
			out = append(out, ch)
		}
	}
	return out
}

// fanOut queues req on every eligible channel and returns how many were
// queued. Configuration errors on one channel do not stop the others.
func (s *Service) fanOut(ctx context.Context, req Request) (int, error) {
	user, err := s.store.GetUser(ctx, req.UserID)
	if err != nil {
		return 0, fmt.Errorf("load user: %w", err)
	}
	prefs, err := s.store.GetPreferences(ctx, req.UserID)
	if err != nil {
		return 0, fmt.Errorf("load preferences: %w", err)
	}

	queued := 0
	for _, ch := range EligibleChannels(user, prefs) {
		r := req
		r.Channel = ch
		ok, err := s.QueueNotification(ctx, r)
		if errors.Is(err, ErrConfiguration) {
			s.logger.Warn("skipping unconfigured channel",
				zap.Int64("user_id", req.UserID),
				zap.String("channel", string(ch)),
				zap.Error(err),
			)
			continue
		}
		if err != nil {
			return queued, err
		}
		if ok {
			queued++
		}
	}
	return queued, nil
}

// SendDailyReminder queues the daily check-in on every eligible channel.
func (s *Service) SendDailyReminder(ctx context.Context, userID int64) (int, error) {
	return s.fanOut(ctx, Request{
		UserID:   userID,
		Category: db.CategoryDailyReminder,
		Subject:  "Daily check-in",
		Body:     "Don't forget to log today's pouches and check your goal progress.",
	})
}

// SendGoalAlert warns that usage is approaching a goal's limit.
func (s *Service) SendGoalAlert(ctx context.Context, goal *db.Goal, progress *db.GoalProgress) (int, error) {
	return s.fanOut(ctx, Request{
		UserID:   goal.UserID,
		Category: db.CategoryGoalReminder,
		Priority: PriorityGoalAlert,
		Subject:  fmt.Sprintf("Goal alert: %.0f%% of your daily limit", progress.Percentage),
		Body: fmt.Sprintf("You're at %d of %d for your %s goal today.",
			progress.Current, progress.Target, goal.GoalType),
		Extra: map[string]any{
			"goal_id":   goal.ID,
			"goal_type": goal.GoalType,
			"progress":  progress.Percentage,
			"current":   progress.Current,
			"target":    progress.Target,
			"streak":    goal.CurrentStreak,
		},
	})
}

// SendGoalAchievement celebrates a completed goal.
func (s *Service) SendGoalAchievement(ctx context.Context, goal *db.Goal) (int, error) {
	return s.fanOut(ctx, Request{
		UserID:   goal.UserID,
		Category: db.CategoryAchievement,
		Priority: PriorityAchievement,
		Subject:  "Goal achieved!",
		Body: fmt.Sprintf("You stayed within your %s goal of %d. Current streak: %d days.",
			goal.GoalType, goal.TargetValue, goal.CurrentStreak),
		Extra: map[string]any{
			"goal_id":     goal.ID,
			"goal_type":   goal.GoalType,
			"target":      goal.TargetValue,
			"streak":      goal.CurrentStreak,
			"best_streak": goal.BestStreak,
		},
	})
}

// SendWeeklyReport queues last week's summary by email.
func (s *Service) SendWeeklyReport(ctx context.Context, userID int64, summary *db.WeeklySummary, weekStart, weekEnd time.Time) (bool, error) {
	const day = "2006-01-02"
	return s.QueueNotification(ctx, Request{
		UserID:   userID,
		Channel:  db.ChannelEmail,
		Category: db.CategoryWeeklyReport,
		Priority: PriorityWeeklyReport,
		Subject:  fmt.Sprintf("Your weekly report: %s to %s", weekStart.Format("Jan 2"), weekEnd.Format("Jan 2")),
		Body: fmt.Sprintf("Last week you logged %d pouches (%.1f mg nicotine) across %d active goals.",
			summary.Pouches, summary.NicotineMG, summary.Goals),
		Extra: map[string]any{
			"week_start":     weekStart.Format(day),
			"week_end":       weekEnd.Format(day),
			"total_pouches":  summary.Pouches,
			"total_nicotine": summary.NicotineMG,
			"goals_count":    summary.Goals,
		},
	})
}

// SendVerificationEmail queues the account verification link.
func (s *Service) SendVerificationEmail(ctx context.Context, userID int64, link string) (bool, error) {
	return s.QueueNotification(ctx, Request{
		UserID:   userID,
		Channel:  db.ChannelEmail,
		Category: db.CategoryEmailVerification,
		Priority: PriorityTransactional,
		Subject:  "Verify your email address",
		Body:     "Confirm your email address to finish setting up your account. The link expires in 24 hours.",
		Extra:    map[string]any{"action_url": link, "action_label": "Verify email"},
	})
}

// SendPasswordReset queues the password reset link.
func (s *Service) SendPasswordReset(ctx context.Context, userID int64, link string) (bool, error) {
	return s.QueueNotification(ctx, Request{
		UserID:   userID,
		Channel:  db.ChannelEmail,
		Category: db.CategoryPasswordReset,
		Priority: PriorityTransactional,
		Subject:  "Reset your password",
		Body:     "We received a request to reset your password. The link expires in 1 hour. If you didn't ask for this, ignore this email.",
		Extra:    map[string]any{"action_url": link, "action_label": "Reset password"},
	})
}

// SendTestNotification queues a test message on one channel.
func (s *Service) SendTestNotification(ctx context.Context, userID int64, channel db.Channel) (bool, error) {
	return s.QueueNotification(ctx, Request{
		UserID:   userID,
		Channel:  channel,
		Category: db.CategoryTest,
		Subject:  "Test notification",
		Body:     "Notifications are set up correctly for this channel.",
	})
}
