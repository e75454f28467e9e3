package db

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// Channel is a delivery mechanism.
type Channel string

const (
	ChannelEmail   Channel = "email"
	ChannelDiscord Channel = "discord"
	ChannelSlack   Channel = "slack"
)

// Valid reports whether c is a known channel.
func (c Channel) Valid() bool {
	switch c {
	case ChannelEmail, ChannelDiscord, ChannelSlack:
		return true
	}
	return false
}

// IsWebhook reports whether the channel is delivered by HTTP POST.
func (c Channel) IsWebhook() bool {
	return c == ChannelDiscord || c == ChannelSlack
}

// Category is the semantic type of a notification.
type Category string

const (
	CategoryGoalReminder      Category = "goal_reminder"
	CategoryDailyReminder     Category = "daily_reminder"
	CategoryWeeklyReport      Category = "weekly_report"
	CategoryAchievement       Category = "achievement"
	CategoryEmailVerification Category = "email_verification"
	CategoryPasswordReset     Category = "password_reset"
	CategoryTest              Category = "test"
)

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	switch c {
	case CategoryGoalReminder, CategoryDailyReminder, CategoryWeeklyReport,
		CategoryAchievement, CategoryEmailVerification, CategoryPasswordReset, CategoryTest:
		return true
	}
	return false
}

// Status of a live queue item. Terminal outcomes only exist in history.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
)

// DeliveryStatus is the terminal outcome stored in history.
type DeliveryStatus string

const (
	DeliverySent    DeliveryStatus = "sent"
	DeliveryFailed  DeliveryStatus = "failed"
	DeliveryBounced DeliveryStatus = "bounced"
)

// Priority bounds. Lower numbers are serviced first.
const (
	PriorityHighest = 1
	PriorityLowest  = 10
	PriorityDefault = 5
)

// QueueItem is a notification waiting for delivery. It lives in
// notification_queue until it reaches a terminal state.
type QueueItem struct {
	ID            uuid.UUID      `json:"id"`
	UserID        int64          `json:"user_id"`
	Channel       Channel        `json:"channel"`
	Category      Category       `json:"category"`
	Subject       string         `json:"subject"`
	Body          string         `json:"body"`
	Recipient     string         `json:"recipient"`
	Priority      int            `json:"priority"`
	ScheduledFor  time.Time      `json:"scheduled_for"`
	CreatedAt     time.Time      `json:"created_at"`
	Status        Status         `json:"status"`
	Attempts      int            `json:"attempts"`
	MaxAttempts   int            `json:"max_attempts"`
	LastAttemptAt *time.Time     `json:"last_attempt_at,omitempty"`
	ErrorMessage  *string        `json:"error_message,omitempty"`
	ClaimedAt     *time.Time     `json:"claimed_at,omitempty"`
	Extra         map[string]any `json:"extra,omitempty"`
}

// HistoryRecord is the append-only record of a terminal queue item.
type HistoryRecord struct {
	ID                uuid.UUID      `json:"id"`
	OriginalRequestID uuid.UUID      `json:"original_request_id"`
	UserID            int64          `json:"user_id"`
	Channel           Channel        `json:"channel"`
	Category          Category       `json:"category"`
	Subject           string         `json:"subject"`
	Recipient         string         `json:"recipient"`
	DeliveryStatus    DeliveryStatus `json:"delivery_status"`
	AttemptsMade      int            `json:"attempts_made"`
	ErrorMessage      *string        `json:"error_message,omitempty"`
	SentAt            time.Time      `json:"sent_at"`
}

// NewHistoryRecord builds the terminal record for item.
func NewHistoryRecord(item *QueueItem, status DeliveryStatus, attempts int, errMsg *string, at time.Time) *HistoryRecord {
	return &HistoryRecord{
		ID:                uuid.New(),
		OriginalRequestID: item.ID,
		UserID:            item.UserID,
		Channel:           item.Channel,
		Category:          item.Category,
		Subject:           item.Subject,
		Recipient:         item.Recipient,
		DeliveryStatus:    status,
		AttemptsMade:      attempts,
		ErrorMessage:      errMsg,
		SentAt:            at,
	}
}

// TimeOfDay is a wall-clock time in the user's local zone.
type TimeOfDay struct {
	Hour   int
	Minute int
}

// ParseTimeOfDay accepts "HH:MM" or "HH:MM:SS".
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	for _, layout := range []string{"15:04", "15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return TimeOfDay{Hour: t.Hour(), Minute: t.Minute()}, nil
		}
	}
	return TimeOfDay{}, fmt.Errorf("invalid time of day %q", s)
}

// Minutes returns minutes since midnight.
func (t TimeOfDay) Minutes() int {
	return t.Hour*60 + t.Minute
}

// On returns t on the calendar day of ref, in ref's location.
func (t TimeOfDay) On(ref time.Time) time.Time {
	y, m, d := ref.Date()
	return time.Date(y, m, d, t.Hour, t.Minute, 0, 0, ref.Location())
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute)
}

// Frequency is the user's preferred digest cadence.
type Frequency string

const (
	FrequencyImmediate Frequency = "immediate"
	FrequencyDaily     Frequency = "daily"
	FrequencyWeekly    Frequency = "weekly"
)

// Preferences are owned by the settings flow and read-only here.
type Preferences struct {
	UserID                   int64
	EnabledChannels          []Channel
	GoalNotifications        bool
	DailyReminders           bool
	WeeklyReports            bool
	AchievementNotifications bool
	QuietHoursStart          *TimeOfDay
	QuietHoursEnd            *TimeOfDay
	ReminderTime             *TimeOfDay
	DailyResetTime           *TimeOfDay
	Frequency                Frequency
	DiscordWebhook           string
	SlackWebhook             string
}

// DefaultPreferences is what a user gets before saving settings.
func DefaultPreferences(userID int64) *Preferences {
	return &Preferences{
		UserID:                   userID,
		EnabledChannels:          []Channel{ChannelEmail},
		GoalNotifications:        true,
		DailyReminders:           false,
		WeeklyReports:            false,
		AchievementNotifications: true,
		Frequency:                FrequencyImmediate,
	}
}

// HasChannel reports whether ch is in the enabled set.
func (p *Preferences) HasChannel(ch Channel) bool {
	for _, c := range p.EnabledChannels {
		if c == ch {
			return true
		}
	}
	return false
}

// Webhook returns the configured endpoint for a webhook channel.
func (p *Preferences) Webhook(ch Channel) string {
	switch ch {
	case ChannelDiscord:
		return p.DiscordWebhook
	case ChannelSlack:
		return p.SlackWebhook
	}
	return ""
}

// User is the subset of the account the notifier needs.
type User struct {
	ID            int64
	Username      string
	Email         string
	Timezone      string
	EmailVerified bool
}

// Goal is a user's consumption goal.
type Goal struct {
	ID                    int64
	UserID                int64
	GoalType              string
	TargetValue           int
	NotificationThreshold float64 // fraction of target, 0..1
	NotificationsEnabled  bool
	IsActive              bool
	CurrentStreak         int
	BestStreak            int
}

// GoalProgress is computed by the goal engine for one day.
type GoalProgress struct {
	Current    int
	Target     int
	Achieved   bool
	Percentage float64
}

// WeeklySummary is the usage roll-up for a report window.
type WeeklySummary struct {
	Pouches    int
	NicotineMG float64
	Goals      int
}

// Subscriber pairs a user with their preferences for scan jobs.
type Subscriber struct {
	User        *User
	Preferences *Preferences
}
