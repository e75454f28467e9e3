package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/lalithlochan/nicotrack/internal/db"
)

// PreferenceReader loads a user's notification settings.
type PreferenceReader interface {
	GetPreferences(ctx context.Context, userID int64) (*db.Preferences, error)
}

// PreferenceGate answers whether a notification may be sent, and when.
type PreferenceGate struct {
	prefs PreferenceReader
}

// NewPreferenceGate creates a gate backed by prefs.
func NewPreferenceGate(prefs PreferenceReader) *PreferenceGate {
	return &PreferenceGate{prefs: prefs}
}

// ShouldSend reports whether the user accepts category on channel.
func (g *PreferenceGate) ShouldSend(ctx context.Context, userID int64, category db.Category, channel db.Channel) (bool, error) {
	p, err := g.prefs.GetPreferences(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("load preferences: %w", err)
	}
	return Allows(p, category, channel), nil
}

// IsQuietHours reports whether nowLocal falls in the user's quiet window.
func (g *PreferenceGate) IsQuietHours(ctx context.Context, userID int64, nowLocal time.Time) (bool, error) {
	p, err := g.prefs.GetPreferences(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("load preferences: %w", err)
	}
	return InQuietHours(p, nowLocal), nil
}

// Allows is the pure form of ShouldSend. Categories without a toggle
// (verification, password reset, test) only need the channel enabled.
func Allows(p *db.Preferences, category db.Category, channel db.Channel) bool {
	if !p.HasChannel(channel) {
		return false
	}
	switch category {
	case db.CategoryGoalReminder:
		return p.GoalNotifications
	case db.CategoryDailyReminder:
		return p.DailyReminders
	case db.CategoryWeeklyReport:
		return p.WeeklyReports
	case db.CategoryAchievement:
		return p.AchievementNotifications
	default:
		return true
	}
}

// InQuietHours treats the window as [start, end) at minute precision.
// When start > end the window spans midnight. Equal bounds mean no
// quiet window.
func InQuietHours(p *db.Preferences, nowLocal time.Time) bool {
	if p.QuietHoursStart == nil || p.QuietHoursEnd == nil {
		return false
	}
	start, end := p.QuietHoursStart.Minutes(), p.QuietHoursEnd.Minutes()
	now := nowLocal.Hour()*60 + nowLocal.Minute()

	switch {
	case start == end:
		return false
	case start < end:
		return start <= now && now < end
	default:
		return now >= start || now < end
	}
}

// NextQuietEnd returns the first quiet_hours_end strictly after nowLocal,
// in nowLocal's zone. Callers check InQuietHours first.
func NextQuietEnd(p *db.Preferences, nowLocal time.Time) time.Time {
	end := p.QuietHoursEnd.On(nowLocal)
	if !end.After(nowLocal) {
		y, m, d := nowLocal.Date()
		end = time.Date(y, m, d+1, p.QuietHoursEnd.Hour, p.QuietHoursEnd.Minute, 0, 0, nowLocal.Location())
	}
	return end
}
