package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// Repository handles queue and history persistence.
type Repository struct {
	db     *DB
	logger *zap.Logger
}

// NewRepository creates a new notification repository
func NewRepository(db *DB, logger *zap.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

const queueColumns = `
	id, user_id, channel, category, subject, body, recipient,
	priority, scheduled_for, created_at, status, attempts, max_attempts,
	last_attempt_at, error_message, claimed_at, extra
`

func scanQueueItem(row pgx.Row) (*QueueItem, error) {
	var item QueueItem
	err := row.Scan(
		&item.ID,
		&item.UserID,
		&item.Channel,
		&item.Category,
		&item.Subject,
		&item.Body,
		&item.Recipient,
		&item.Priority,
		&item.ScheduledFor,
		&item.CreatedAt,
		&item.Status,
		&item.Attempts,
		&item.MaxAttempts,
		&item.LastAttemptAt,
		&item.ErrorMessage,
		&item.ClaimedAt,
		&item.Extra,
	)
	if err != nil {
		return nil, err
	}
	return &item, nil
}

// CreateQueueItem inserts a new pending item.
func (r *Repository) CreateQueueItem(ctx context.Context, item *QueueItem) error {
	query := `
		INSERT INTO notification_queue (
			id, user_id, channel, category, subject, body, recipient,
			priority, scheduled_for, status, attempts, max_attempts, extra
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13
		)
		RETURNING created_at
	`

	extra := item.Extra
	if extra == nil {
		extra = map[string]any{}
	}

	err := r.db.Pool().QueryRow(
		ctx,
		query,
		item.ID,
		item.UserID,
		item.Channel,
		item.Category,
		item.Subject,
		item.Body,
		item.Recipient,
		item.Priority,
		item.ScheduledFor,
		item.Status,
		item.Attempts,
		item.MaxAttempts,
		extra,
	).Scan(&item.CreatedAt)

	if err != nil {
		r.logger.Error("failed to create queue item",
			zap.Error(err),
			zap.String("notification_id", item.ID.String()),
		)
		return fmt.Errorf("insert queue item: %w", err)
	}

	r.logger.Debug("queue item created",
		zap.String("notification_id", item.ID.String()),
		zap.Int64("user_id", item.UserID),
		zap.String("channel", string(item.Channel)),
		zap.String("category", string(item.Category)),
	)

	return nil
}

// DuePending returns pending items due at now, most urgent first.
func (r *Repository) DuePending(ctx context.Context, now time.Time, limit int) ([]*QueueItem, error) {
	query := `SELECT ` + queueColumns + `
		FROM notification_queue
		WHERE status = 'pending' AND scheduled_for <= $1
		ORDER BY priority ASC, scheduled_for ASC
		LIMIT $2
	`

	rows, err := r.db.Pool().Query(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("query due items: %w", err)
	}
	defer rows.Close()

	var items []*QueueItem
	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan queue item: %w", err)
		}
		items = append(items, item)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return items, nil
}

// Claim moves an item from pending to processing. The update is
// conditional on the current status, so only one caller wins; losers get
// ok == false.
func (r *Repository) Claim(ctx context.Context, id uuid.UUID, now time.Time) (*QueueItem, bool, error) {
	query := `
		UPDATE notification_queue
		SET status = 'processing', claimed_at = $2
		WHERE id = $1 AND status = 'pending'
		RETURNING ` + queueColumns

	item, err := scanQueueItem(r.db.Pool().QueryRow(ctx, query, id, now))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("claim queue item: %w", err)
	}

	return item, true, nil
}

// Reschedule returns a processing item to pending with its new attempt
// count and due time.
func (r *Repository) Reschedule(ctx context.Context, item *QueueItem) error {
	query := `
		UPDATE notification_queue
		SET status = 'pending', attempts = $2, last_attempt_at = $3,
			scheduled_for = $4, error_message = $5, claimed_at = NULL
		WHERE id = $1 AND status = 'processing'
	`

	result, err := r.db.Pool().Exec(ctx, query,
		item.ID,
		item.Attempts,
		item.LastAttemptAt,
		item.ScheduledFor,
		item.ErrorMessage,
	)
	if err != nil {
		r.logger.Error("failed to reschedule queue item",
			zap.Error(err),
			zap.String("notification_id", item.ID.String()),
		)
		return fmt.Errorf("reschedule queue item: %w", err)
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("reschedule %s: %w", item.ID, ErrNotFound)
	}

	item.Status = StatusPending
	item.ClaimedAt = nil
	return nil
}

// Finalize writes the history record and removes the item from the live
// queue in one transaction.
func (r *Repository) Finalize(ctx context.Context, item *QueueItem, rec *HistoryRecord) error {
	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	insertQuery := `
		INSERT INTO notification_history (
			id, original_request_id, user_id, channel, category, subject,
			recipient, delivery_status, attempts_made, error_message, sent_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`

	_, err = tx.Exec(ctx, insertQuery,
		rec.ID,
		rec.OriginalRequestID,
		rec.UserID,
		rec.Channel,
		rec.Category,
		rec.Subject,
		rec.Recipient,
		rec.DeliveryStatus,
		rec.AttemptsMade,
		rec.ErrorMessage,
		rec.SentAt,
	)
	if err != nil {
		return fmt.Errorf("insert history: %w", err)
	}

	result, err := tx.Exec(ctx,
		`DELETE FROM notification_queue WHERE id = $1 AND status = 'processing'`,
		item.ID,
	)
	if err != nil {
		return fmt.Errorf("delete queue item: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("finalize %s: %w", item.ID, ErrNotFound)
	}

	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	r.logger.Debug("queue item finalized",
		zap.String("notification_id", item.ID.String()),
		zap.String("history_id", rec.ID.String()),
		zap.String("delivery_status", string(rec.DeliveryStatus)),
	)

	return nil
}

// ReleaseStale returns items claimed before the cutoff to pending. Claims
// that old belong to a process that died mid-delivery.
func (r *Repository) ReleaseStale(ctx context.Context, claimedBefore time.Time) (int64, error) {
	query := `
		UPDATE notification_queue
		SET status = 'pending', claimed_at = NULL
		WHERE status = 'processing' AND claimed_at < $1
	`

	result, err := r.db.Pool().Exec(ctx, query, claimedBefore)
	if err != nil {
		return 0, fmt.Errorf("release stale claims: %w", err)
	}

	return result.RowsAffected(), nil
}

// HasPending reports whether a live item exists for the triple.
func (r *Repository) HasPending(ctx context.Context, userID int64, category Category, channel Channel) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM notification_queue
			WHERE user_id = $1 AND category = $2 AND channel = $3
		)
	`

	var exists bool
	if err := r.db.Pool().QueryRow(ctx, query, userID, category, channel).Scan(&exists); err != nil {
		return false, fmt.Errorf("query pending: %w", err)
	}
	return exists, nil
}

// RecentlyDelivered reports whether history holds a non-failed record for
// (user, category) at or after since. An empty channel matches any channel.
func (r *Repository) RecentlyDelivered(ctx context.Context, userID int64, category Category, channel Channel, since time.Time) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM notification_history
			WHERE user_id = $1 AND category = $2 AND sent_at >= $3
				AND delivery_status <> 'failed'
				AND ($4 = '' OR channel = $4)
		)
	`

	var exists bool
	if err := r.db.Pool().QueryRow(ctx, query, userID, category, since, string(channel)).Scan(&exists); err != nil {
		return false, fmt.Errorf("query history: %w", err)
	}
	return exists, nil
}

// ListHistory returns the most recent history records for a user.
func (r *Repository) ListHistory(ctx context.Context, userID int64, limit int) ([]*HistoryRecord, error) {
	query := `
		SELECT
			id, original_request_id, user_id, channel, category, subject,
			recipient, delivery_status, attempts_made, error_message, sent_at
		FROM notification_history
		WHERE user_id = $1
		ORDER BY sent_at DESC
		LIMIT $2
	`

	rows, err := r.db.Pool().Query(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var records []*HistoryRecord
	for rows.Next() {
		var rec HistoryRecord
		err := rows.Scan(
			&rec.ID,
			&rec.OriginalRequestID,
			&rec.UserID,
			&rec.Channel,
			&rec.Category,
			&rec.Subject,
			&rec.Recipient,
			&rec.DeliveryStatus,
			&rec.AttemptsMade,
			&rec.ErrorMessage,
			&rec.SentAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		records = append(records, &rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return records, nil
}

// QueueDepth counts live items by status.
func (r *Repository) QueueDepth(ctx context.Context) (map[Status]int, error) {
	rows, err := r.db.Pool().Query(ctx, `SELECT status, COUNT(*) FROM notification_queue GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("query queue depth: %w", err)
	}
	defer rows.Close()

	depth := map[Status]int{StatusPending: 0, StatusProcessing: 0}
	for rows.Next() {
		var status Status
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan queue depth: %w", err)
		}
		depth[status] = n
	}

	return depth, rows.Err()
}
