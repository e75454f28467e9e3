// Package worker drains the notification queue: it claims due items,
// dispatches them and records the terminal outcome in history.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/nicotrack/internal/channel"
	"github.com/lalithlochan/nicotrack/internal/db"
	"github.com/lalithlochan/nicotrack/internal/metrics"
)

// Store is the queue persistence the processor needs.
type Store interface {
	DuePending(ctx context.Context, now time.Time, limit int) ([]*db.QueueItem, error)
	Claim(ctx context.Context, id uuid.UUID, now time.Time) (*db.QueueItem, bool, error)
	Reschedule(ctx context.Context, item *db.QueueItem) error
	Finalize(ctx context.Context, item *db.QueueItem, rec *db.HistoryRecord) error
	ReleaseStale(ctx context.Context, claimedBefore time.Time) (int64, error)
}

// Suppressor re-checks a claimed item before it is sent. A non-empty
// reason fails the item without dispatching it.
type Suppressor interface {
	Suppress(ctx context.Context, item *db.QueueItem) (string, error)
}

// Listener is told about every history record the processor writes.
type Listener interface {
	OnFinalized(ctx context.Context, rec *db.HistoryRecord)
}

type Config struct {
	BatchSize   int
	SendTimeout time.Duration
	// StaleAfter is how long an item may sit in processing before Recover
	// hands it back to pending.
	StaleAfter time.Duration
}

// Processor is the queue consumer.
type Processor struct {
	store      Store
	sender     channel.Sender
	suppressor Suppressor
	listeners  []Listener
	config     Config
	logger     *zap.Logger
}

func New(store Store, sender channel.Sender, cfg Config, logger *zap.Logger) *Processor {
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 50
	}
	if cfg.SendTimeout == 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	if cfg.StaleAfter == 0 {
		cfg.StaleAfter = 10 * time.Minute
	}

	return &Processor{
		store:  store,
		sender: sender,
		config: cfg,
		logger: logger,
	}
}

// WithSuppressor enables the processing-time preference and dedup check.
func (p *Processor) WithSuppressor(s Suppressor) *Processor {
	p.suppressor = s
	return p
}

// AddListener registers l for history records.
func (p *Processor) AddListener(l Listener) {
	p.listeners = append(p.listeners, l)
}

// BatchSize is the configured default batch.
func (p *Processor) BatchSize() int {
	return p.config.BatchSize
}

// Backoff is the delay before retry number attempts: 2^attempts minutes.
func Backoff(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	if attempts > 16 {
		attempts = 16
	}
	return time.Duration(1<<attempts) * time.Minute
}

// ProcessQueue handles up to batchSize due items in priority order and
// returns how many it brought to a new state. Only a failure to list the
// batch is returned; per-item problems are logged and skipped.
func (p *Processor) ProcessQueue(ctx context.Context, batchSize int, now time.Time) (int, error) {
	if batchSize <= 0 {
		batchSize = p.config.BatchSize
	}

	items, err := p.store.DuePending(ctx, now, batchSize)
	if err != nil {
		return 0, fmt.Errorf("list due notifications: %w", err)
	}
	if len(items) == 0 {
		return 0, nil
	}

	handled := 0
	for _, item := range items {
		if p.processItem(ctx, item, now) {
			handled++
		}
	}

	p.logger.Info("queue batch processed",
		zap.Int("due", len(items)),
		zap.Int("handled", handled),
	)
	return handled, nil
}

// Recover returns items orphaned in processing by a crashed run to
// pending. Attempts are left alone.
func (p *Processor) Recover(ctx context.Context, now time.Time) (int64, error) {
	n, err := p.store.ReleaseStale(ctx, now.Add(-p.config.StaleAfter))
	if err != nil {
		return 0, fmt.Errorf("release stale claims: %w", err)
	}
	if n > 0 {
		p.logger.Warn("released stale claims", zap.Int64("count", n))
	}
	return n, nil
}

func (p *Processor) processItem(ctx context.Context, item *db.QueueItem, now time.Time) (handled bool) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("panic while processing notification",
				zap.String("id", item.ID.String()),
				zap.Any("panic", r),
			)
			handled = false
		}
	}()

	claimed, ok, err := p.store.Claim(ctx, item.ID, now)
	if err != nil {
		p.logger.Error("failed to claim notification",
			zap.String("id", item.ID.String()),
			zap.Error(err),
		)
		return false
	}
	if !ok {
		p.logger.Debug("notification claimed elsewhere, skipping",
			zap.String("id", item.ID.String()),
		)
		return false
	}

	if p.suppressor != nil {
		reason, err := p.suppressor.Suppress(ctx, claimed)
		if err != nil {
			p.logger.Warn("suppression check failed, sending anyway",
				zap.String("id", claimed.ID.String()),
				zap.Error(err),
			)
		} else if reason != "" {
			msg := "suppressed: " + reason
			metrics.RecordNotificationProcessed("suppressed", string(claimed.Channel))
			return p.finalize(ctx, claimed, db.DeliveryFailed, claimed.Attempts, &msg, now)
		}
	}

	res := p.dispatch(ctx, claimed)
	attempts := claimed.Attempts + 1

	switch res.Outcome {
	case channel.Sent:
		metrics.RecordNotificationProcessed("sent", string(claimed.Channel))
		metrics.RecordNotificationLatency(string(claimed.Channel), now.Sub(claimed.CreatedAt))
		return p.finalize(ctx, claimed, db.DeliverySent, attempts, nil, now)

	case channel.Retryable:
		msg := errorText(res.Err)
		if attempts >= claimed.MaxAttempts {
			p.logger.Warn("notification exhausted retries",
				zap.String("id", claimed.ID.String()),
				zap.Int("attempts", attempts),
				zap.String("error", msg),
			)
			metrics.RecordNotificationProcessed("failed", string(claimed.Channel))
			return p.finalize(ctx, claimed, db.DeliveryFailed, attempts, &msg, now)
		}
		return p.retry(ctx, claimed, attempts, msg, now)

	default:
		msg := errorText(res.Err)
		status := db.DeliveryFailed
		if res.Bounced {
			status = db.DeliveryBounced
		}
		p.logger.Warn("notification failed permanently",
			zap.String("id", claimed.ID.String()),
			zap.String("status", string(status)),
			zap.String("error", msg),
		)
		metrics.RecordNotificationProcessed(string(status), string(claimed.Channel))
		return p.finalize(ctx, claimed, status, attempts, &msg, now)
	}
}

// dispatch sends with a per-item timeout. A panicking sender counts as a
// transient failure.
func (p *Processor) dispatch(ctx context.Context, item *db.QueueItem) (res channel.Result) {
	ctx, cancel := context.WithTimeout(ctx, p.config.SendTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			res = channel.Retry(fmt.Errorf("sender panic: %v", r))
		}
	}()

	return p.sender.Send(ctx, item)
}

func (p *Processor) retry(ctx context.Context, item *db.QueueItem, attempts int, msg string, now time.Time) bool {
	attemptAt := now
	item.Attempts = attempts
	item.LastAttemptAt = &attemptAt
	item.ErrorMessage = &msg
	item.ScheduledFor = now.Add(Backoff(attempts))

	if err := p.store.Reschedule(ctx, item); err != nil {
		p.logger.Error("failed to reschedule notification",
			zap.String("id", item.ID.String()),
			zap.Error(err),
		)
		return false
	}

	metrics.RecordNotificationProcessed("retry", string(item.Channel))
	p.logger.Info("notification rescheduled",
		zap.String("id", item.ID.String()),
		zap.Int("attempts", attempts),
		zap.Time("scheduled_for", item.ScheduledFor),
		zap.String("error", msg),
	)
	return true
}

func (p *Processor) finalize(ctx context.Context, item *db.QueueItem, status db.DeliveryStatus, attempts int, msg *string, now time.Time) bool {
	rec := db.NewHistoryRecord(item, status, attempts, msg, now)

	if err := p.store.Finalize(ctx, item, rec); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			p.logger.Warn("claim lost before finalize",
				zap.String("id", item.ID.String()),
			)
		} else {
			p.logger.Error("failed to finalize notification",
				zap.String("id", item.ID.String()),
				zap.Error(err),
			)
		}
		return false
	}

	p.logger.Info("notification finalized",
		zap.String("id", item.ID.String()),
		zap.String("status", string(status)),
		zap.Int("attempts", attempts),
	)

	for _, l := range p.listeners {
		l.OnFinalized(ctx, rec)
	}
	return true
}

func errorText(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}
