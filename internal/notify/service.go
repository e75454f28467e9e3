// Package notify is the producer side of the notification queue: it
// validates requests, applies user preferences and dedup windows, and
// inserts pending items for the processor to deliver.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/nicotrack/internal/clock"
	"github.com/lalithlochan/nicotrack/internal/db"
	"github.com/lalithlochan/nicotrack/internal/metrics"
)

var (
	// ErrValidation marks bad enqueue arguments. Nothing is persisted.
	ErrValidation = errors.New("invalid notification request")

	// ErrConfiguration marks a channel with no usable endpoint.
	ErrConfiguration = errors.New("channel not configured")
)

// Store is the persistence the service needs.
type Store interface {
	PreferenceReader
	HistoryReader
	GetUser(ctx context.Context, id int64) (*db.User, error)
	CreateQueueItem(ctx context.Context, item *db.QueueItem) error
	HasPending(ctx context.Context, userID int64, category db.Category, channel db.Channel) (bool, error)
}

// Config tunes enqueue behaviour.
type Config struct {
	MaxAttempts int
	Policy      DedupPolicy
}

// Request is a notification to enqueue. Priority 0 means the default;
// a nil ScheduledFor means now.
type Request struct {
	UserID       int64
	Channel      db.Channel
	Category     db.Category
	Subject      string
	Body         string
	Priority     int
	Extra        map[string]any
	ScheduledFor *time.Time
}

// Service enqueues notifications.
type Service struct {
	store  Store
	dedup  *DedupGuard
	clock  clock.Clock
	cfg    Config
	logger *zap.Logger
}

// NewService wires the service. dedup may carry a cache.
func NewService(store Store, dedup *DedupGuard, clk clock.Clock, cfg Config, logger *zap.Logger) *Service {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.Policy == nil {
		cfg.Policy = DefaultDedupPolicy()
	}
	return &Service{
		store:  store,
		dedup:  dedup,
		clock:  clk,
		cfg:    cfg,
		logger: logger,
	}
}

// Dedup exposes the dedup guard to scan jobs.
func (s *Service) Dedup() *DedupGuard { return s.dedup }

// Policy returns the configured dedup windows.
func (s *Service) Policy() DedupPolicy { return s.cfg.Policy }

// QueueNotification enqueues req. It returns true when a pending item was
// created, false with a nil error when preferences or dedup suppressed it,
// and false with an error wrapping ErrValidation or ErrConfiguration when
// the request was rejected. Exactly one row is created or none.
func (s *Service) QueueNotification(ctx context.Context, req Request) (bool, error) {
	item, err := s.Enqueue(ctx, req)
	if err != nil {
		return false, err
	}
	return item != nil, nil
}

// Enqueue is QueueNotification returning the created item, nil when
// suppressed.
func (s *Service) Enqueue(ctx context.Context, req Request) (*db.QueueItem, error) {
	if err := validate(&req); err != nil {
		metrics.RecordNotificationRejected("validation")
		return nil, err
	}

	user, err := s.store.GetUser(ctx, req.UserID)
	if errors.Is(err, db.ErrNotFound) {
		metrics.RecordNotificationRejected("validation")
		return nil, fmt.Errorf("%w: user %d does not exist", ErrValidation, req.UserID)
	}
	if err != nil {
		return nil, fmt.Errorf("load user: %w", err)
	}

	prefs, err := s.store.GetPreferences(ctx, req.UserID)
	if err != nil {
		return nil, fmt.Errorf("load preferences: %w", err)
	}

	recipient, err := ResolveRecipient(user, prefs, req.Channel)
	if err != nil {
		metrics.RecordNotificationRejected("configuration")
		return nil, err
	}

	if !Allows(prefs, req.Category, req.Channel) {
		s.logger.Debug("notification disabled by preferences",
			zap.Int64("user_id", req.UserID),
			zap.String("channel", string(req.Channel)),
			zap.String("category", string(req.Category)),
		)
		metrics.RecordNotificationRejected("preferences")
		return nil, nil
	}

	if window := s.cfg.Policy.Window(req.Category); window > 0 {
		recent, err := s.dedup.RecentlyNotified(ctx, req.UserID, req.Category, window)
		if err != nil {
			return nil, fmt.Errorf("dedup check: %w", err)
		}
		if recent {
			metrics.RecordNotificationRejected("dedup")
			return nil, nil
		}
	}

	// A live item for the same triple already covers this request,
	// whether or not the category has a dedup window.
	pending, err := s.store.HasPending(ctx, req.UserID, req.Category, req.Channel)
	if err != nil {
		return nil, fmt.Errorf("pending check: %w", err)
	}
	if pending {
		s.logger.Debug("notification already pending",
			zap.Int64("user_id", req.UserID),
			zap.String("channel", string(req.Channel)),
			zap.String("category", string(req.Category)),
		)
		metrics.RecordNotificationRejected("dedup")
		return nil, nil
	}

	now := s.clock.Now()
	scheduledFor := now
	if req.ScheduledFor != nil && req.ScheduledFor.After(now) {
		scheduledFor = req.ScheduledFor.UTC()
	}

	nowLocal := clock.LocalNow(s.clock, user.Timezone)
	if InQuietHours(prefs, nowLocal) {
		quietEnd := NextQuietEnd(prefs, nowLocal).UTC()
		if quietEnd.After(scheduledFor) {
			scheduledFor = quietEnd
		}
		s.logger.Debug("deferring notification past quiet hours",
			zap.Int64("user_id", req.UserID),
			zap.Time("scheduled_for", scheduledFor),
		)
	}

	item := &db.QueueItem{
		ID:           uuid.New(),
		UserID:       req.UserID,
		Channel:      req.Channel,
		Category:     req.Category,
		Subject:      req.Subject,
		Body:         req.Body,
		Recipient:    recipient,
		Priority:     req.Priority,
		ScheduledFor: scheduledFor,
		CreatedAt:    now,
		Status:       db.StatusPending,
		MaxAttempts:  s.cfg.MaxAttempts,
		Extra:        req.Extra,
	}

	if err := s.store.CreateQueueItem(ctx, item); err != nil {
		return nil, err
	}

	metrics.RecordNotificationEnqueued(string(item.Channel), string(item.Category))
	s.logger.Info("notification queued",
		zap.String("notification_id", item.ID.String()),
		zap.Int64("user_id", item.UserID),
		zap.String("channel", string(item.Channel)),
		zap.String("category", string(item.Category)),
		zap.Int("priority", item.Priority),
		zap.Time("scheduled_for", item.ScheduledFor),
	)

	return item, nil
}

func validate(req *Request) error {
	if req.UserID <= 0 {
		return fmt.Errorf("%w: user_id is required", ErrValidation)
	}
	if !req.Channel.Valid() {
		return fmt.Errorf("%w: unknown channel %q", ErrValidation, req.Channel)
	}
	if !req.Category.Valid() {
		return fmt.Errorf("%w: unknown category %q", ErrValidation, req.Category)
	}
	if strings.TrimSpace(req.Subject) == "" {
		return fmt.Errorf("%w: subject is required", ErrValidation)
	}
	if strings.TrimSpace(req.Body) == "" {
		return fmt.Errorf("%w: body is required", ErrValidation)
	}
	if req.Priority == 0 {
		req.Priority = db.PriorityDefault
	}
	if req.Priority < db.PriorityHighest || req.Priority > db.PriorityLowest {
		return fmt.Errorf("%w: priority %d outside %d..%d", ErrValidation, req.Priority, db.PriorityHighest, db.PriorityLowest)
	}
	return nil
}

// ResolveRecipient picks the delivery address for channel.
func ResolveRecipient(user *db.User, prefs *db.Preferences, channel db.Channel) (string, error) {
	switch {
	case channel == db.ChannelEmail:
		if strings.TrimSpace(user.Email) == "" {
			return "", fmt.Errorf("%w: user %d has no email address", ErrConfiguration, user.ID)
		}
		return user.Email, nil
	case channel.IsWebhook():
		url := strings.TrimSpace(prefs.Webhook(channel))
		if url == "" {
			return "", fmt.Errorf("%w: no %s webhook configured for user %d", ErrConfiguration, channel, user.ID)
		}
		return url, nil
	default:
		return "", fmt.Errorf("%w: unknown channel %q", ErrValidation, channel)
	}
}

// Suppress re-checks preferences and the per-channel dedup window when an
// item comes due. A non-empty reason means the item should not be sent.
func (s *Service) Suppress(ctx context.Context, item *db.QueueItem) (string, error) {
	prefs, err := s.store.GetPreferences(ctx, item.UserID)
	if err != nil {
		return "", fmt.Errorf("load preferences: %w", err)
	}
	if !Allows(prefs, item.Category, item.Channel) {
		return "disabled by preferences", nil
	}

	window := s.cfg.Policy.Window(item.Category)
	recent, err := s.dedup.RecentlyNotifiedOn(ctx, item.UserID, item.Category, item.Channel, window)
	if err != nil {
		return "", fmt.Errorf("dedup check: %w", err)
	}
	if recent {
		return "already delivered within dedup window", nil
	}
	return "", nil
}
