// Package events announces terminal delivery outcomes to downstream
// consumers (analytics, the web app's activity feed) over SNS or SQS.
// Publishing is fire-and-forget: a failed publish is logged and never
// affects the queue.
package events

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/nicotrack/internal/db"
)

// Event types.
const (
	TypeDelivered = "notification.delivered"
	TypeFailed    = "notification.failed"
	TypeBounced   = "notification.bounced"
)

// Event is the JSON payload published for each history record.
type Event struct {
	Type           string    `json:"type"`
	NotificationID string    `json:"notification_id"`
	HistoryID      string    `json:"history_id"`
	UserID         int64     `json:"user_id"`
	Channel        string    `json:"channel"`
	Category       string    `json:"category"`
	Status         string    `json:"status"`
	AttemptsMade   int       `json:"attempts_made"`
	Error          string    `json:"error,omitempty"`
	OccurredAt     time.Time `json:"occurred_at"`
}

// FromRecord builds the event for rec. The recipient is never included;
// it may be an email address or a webhook secret.
func FromRecord(rec *db.HistoryRecord) Event {
	e := Event{
		Type:           typeFor(rec.DeliveryStatus),
		NotificationID: rec.OriginalRequestID.String(),
		HistoryID:      rec.ID.String(),
		UserID:         rec.UserID,
		Channel:        string(rec.Channel),
		Category:       string(rec.Category),
		Status:         string(rec.DeliveryStatus),
		AttemptsMade:   rec.AttemptsMade,
		OccurredAt:     rec.SentAt.UTC(),
	}
	if rec.ErrorMessage != nil {
		e.Error = *rec.ErrorMessage
	}
	return e
}

func typeFor(s db.DeliveryStatus) string {
	switch s {
	case db.DeliverySent:
		return TypeDelivered
	case db.DeliveryBounced:
		return TypeBounced
	default:
		return TypeFailed
	}
}

// Publisher delivers one event to a downstream bus.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Name() string
}

// Emitter fans history records out to publishers. It satisfies the
// processor's Listener interface.
type Emitter struct {
	publishers []Publisher
	timeout    time.Duration
	logger     *zap.Logger
}

// NewEmitter creates an emitter. A zero timeout means 3s per publish.
func NewEmitter(timeout time.Duration, logger *zap.Logger, publishers ...Publisher) *Emitter {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Emitter{publishers: publishers, timeout: timeout, logger: logger}
}

// Enabled reports whether any publisher is configured.
func (e *Emitter) Enabled() bool {
	return len(e.publishers) > 0
}

// OnFinalized publishes rec to every publisher.
func (e *Emitter) OnFinalized(ctx context.Context, rec *db.HistoryRecord) {
	if len(e.publishers) == 0 {
		return
	}
	ev := FromRecord(rec)

	for _, p := range e.publishers {
		pctx, cancel := context.WithTimeout(ctx, e.timeout)
		err := p.Publish(pctx, ev)
		cancel()
		if err != nil {
			e.logger.Warn("failed to publish delivery event",
				zap.String("publisher", p.Name()),
				zap.String("notification_id", ev.NotificationID),
				zap.String("type", ev.Type),
				zap.Error(err),
			)
		}
	}
}
