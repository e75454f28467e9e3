package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
)

// GetUser loads the account fields the notifier needs.
func (r *Repository) GetUser(ctx context.Context, id int64) (*User, error) {
	query := `
		SELECT id, username, email, timezone, email_verified
		FROM users
		WHERE id = $1
	`

	var u User
	err := r.db.Pool().QueryRow(ctx, query, id).Scan(
		&u.ID,
		&u.Username,
		&u.Email,
		&u.Timezone,
		&u.EmailVerified,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("user %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query user: %w", err)
	}

	return &u, nil
}

const preferenceColumns = `
	p.user_id, p.enabled_channels, p.goal_notifications, p.daily_reminders,
	p.weekly_reports, p.achievement_notifications, p.quiet_hours_start,
	p.quiet_hours_end, p.reminder_time, p.daily_reset_time, p.frequency,
	p.discord_webhook, p.slack_webhook
`

// scanPreferences reads preferenceColumns, optionally preceded by extra
// destinations.
func scanPreferences(row pgx.Row, lead ...any) (*Preferences, error) {
	var (
		p        Preferences
		channels []string
		quietS   pgtype.Time
		quietE   pgtype.Time
		remind   pgtype.Time
		reset    pgtype.Time
	)

	dest := append(lead,
		&p.UserID,
		&channels,
		&p.GoalNotifications,
		&p.DailyReminders,
		&p.WeeklyReports,
		&p.AchievementNotifications,
		&quietS,
		&quietE,
		&remind,
		&reset,
		&p.Frequency,
		&p.DiscordWebhook,
		&p.SlackWebhook,
	)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}

	for _, c := range channels {
		ch := Channel(strings.ToLower(strings.TrimSpace(c)))
		if ch.Valid() {
			p.EnabledChannels = append(p.EnabledChannels, ch)
		}
	}
	p.QuietHoursStart = timeOfDay(quietS)
	p.QuietHoursEnd = timeOfDay(quietE)
	p.ReminderTime = timeOfDay(remind)
	p.DailyResetTime = timeOfDay(reset)

	return &p, nil
}

func timeOfDay(t pgtype.Time) *TimeOfDay {
	if !t.Valid {
		return nil
	}
	minutes := t.Microseconds / int64(time.Minute/time.Microsecond)
	return &TimeOfDay{Hour: int(minutes / 60), Minute: int(minutes % 60)}
}

// GetPreferences returns the user's settings, or the defaults when the
// user never saved any.
func (r *Repository) GetPreferences(ctx context.Context, userID int64) (*Preferences, error) {
	query := `SELECT ` + preferenceColumns + ` FROM user_preferences p WHERE p.user_id = $1`

	p, err := scanPreferences(r.db.Pool().QueryRow(ctx, query, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return DefaultPreferences(userID), nil
	}
	if err != nil {
		return nil, fmt.Errorf("query preferences: %w", err)
	}

	return p, nil
}

func (r *Repository) listSubscribers(ctx context.Context, filter string) ([]Subscriber, error) {
	query := `
		SELECT u.id, u.username, u.email, u.timezone, u.email_verified, ` + preferenceColumns + `
		FROM users u
		JOIN user_preferences p ON p.user_id = u.id
		WHERE ` + filter + `
		ORDER BY u.id
	`

	rows, err := r.db.Pool().Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query subscribers: %w", err)
	}
	defer rows.Close()

	var subs []Subscriber
	for rows.Next() {
		var u User
		p, err := scanPreferences(rows, &u.ID, &u.Username, &u.Email, &u.Timezone, &u.EmailVerified)
		if err != nil {
			return nil, fmt.Errorf("scan subscriber: %w", err)
		}
		subs = append(subs, Subscriber{User: &u, Preferences: p})
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return subs, nil
}

// ListDailyReminderSubscribers returns users with daily reminders on.
func (r *Repository) ListDailyReminderSubscribers(ctx context.Context) ([]Subscriber, error) {
	return r.listSubscribers(ctx, "p.daily_reminders")
}

// ListWeeklyReportSubscribers returns users with weekly reports on.
func (r *Repository) ListWeeklyReportSubscribers(ctx context.Context) ([]Subscriber, error) {
	return r.listSubscribers(ctx, "p.weekly_reports")
}

// ListNotifiableGoals returns active goals with alerts enabled.
func (r *Repository) ListNotifiableGoals(ctx context.Context) ([]*Goal, error) {
	query := `
		SELECT
			id, user_id, goal_type, target_value, notification_threshold,
			enable_notifications, is_active, current_streak, best_streak
		FROM goals
		WHERE is_active AND enable_notifications
		ORDER BY user_id, id
	`

	rows, err := r.db.Pool().Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query goals: %w", err)
	}
	defer rows.Close()

	var goals []*Goal
	for rows.Next() {
		var g Goal
		err := rows.Scan(
			&g.ID,
			&g.UserID,
			&g.GoalType,
			&g.TargetValue,
			&g.NotificationThreshold,
			&g.NotificationsEnabled,
			&g.IsActive,
			&g.CurrentStreak,
			&g.BestStreak,
		)
		if err != nil {
			return nil, fmt.Errorf("scan goal: %w", err)
		}
		goals = append(goals, &g)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return goals, nil
}

// GoalProgress sums the day's usage against the goal's target. day is
// the user's local midnight; the window is the following 24 hours.
// Nicotine goals count milligrams, every other goal counts pouches.
func (r *Repository) GoalProgress(ctx context.Context, userID, goalID int64, day time.Time) (*GoalProgress, error) {
	query := `
		SELECT
			g.target_value,
			CASE WHEN g.goal_type LIKE '%nicotine%'
				THEN COALESCE(SUM(l.quantity * l.nicotine_content), 0)::INTEGER
				ELSE COALESCE(SUM(l.quantity), 0)::INTEGER
			END
		FROM goals g
		LEFT JOIN logs l
			ON l.user_id = g.user_id AND l.log_time >= $3 AND l.log_time < $4
		WHERE g.id = $1 AND g.user_id = $2
		GROUP BY g.id, g.target_value, g.goal_type
	`

	var gp GoalProgress
	err := r.db.Pool().QueryRow(ctx, query, goalID, userID, day, day.Add(24*time.Hour)).Scan(&gp.Target, &gp.Current)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("goal %d: %w", goalID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query goal progress: %w", err)
	}

	gp.Achieved = gp.Current <= gp.Target
	if gp.Target > 0 {
		gp.Percentage = float64(gp.Current) / float64(gp.Target) * 100
	}
	return &gp, nil
}

// WeeklyUsageSummary totals usage in [start, end).
func (r *Repository) WeeklyUsageSummary(ctx context.Context, userID int64, start, end time.Time) (*WeeklySummary, error) {
	query := `
		SELECT
			COALESCE(SUM(quantity), 0)::INTEGER,
			COALESCE(SUM(quantity * nicotine_content), 0),
			(SELECT COUNT(*) FROM goals WHERE user_id = $1 AND is_active)
		FROM logs
		WHERE user_id = $1 AND log_time >= $2 AND log_time < $3
	`

	var s WeeklySummary
	if err := r.db.Pool().QueryRow(ctx, query, userID, start, end).Scan(&s.Pouches, &s.NicotineMG, &s.Goals); err != nil {
		return nil, fmt.Errorf("query weekly summary: %w", err)
	}
	return &s, nil
}

// DeleteExpiredTokens removes verification and reset tokens past expiry.
func (r *Repository) DeleteExpiredTokens(ctx context.Context, now time.Time) (int64, error) {
	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var total int64
	for _, table := range []string{"email_verification_tokens", "password_reset_tokens"} {
		result, err := tx.Exec(ctx, `DELETE FROM `+table+` WHERE expires_at < $1`, now)
		if err != nil {
			return 0, fmt.Errorf("delete expired %s: %w", table, err)
		}
		total += result.RowsAffected()
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit transaction: %w", err)
	}
	return total, nil
}
