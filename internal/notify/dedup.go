package notify

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/nicotrack/internal/clock"
	"github.com/lalithlochan/nicotrack/internal/db"
)

// HistoryReader answers sliding-window questions against delivery history.
type HistoryReader interface {
	RecentlyDelivered(ctx context.Context, userID int64, category db.Category, channel db.Channel, since time.Time) (bool, error)
}

// RecentCache is an optional fast path in front of history. It only
// remembers positive answers; a miss always falls through to history.
type RecentCache interface {
	LastSent(ctx context.Context, userID int64, category db.Category) (time.Time, bool, error)
	MarkSent(ctx context.Context, userID int64, category db.Category, at time.Time, ttl time.Duration) error
}

// DedupPolicy maps categories to their dedup windows. Categories absent
// from the map are never deduplicated.
type DedupPolicy map[db.Category]time.Duration

// DefaultDedupPolicy holds the deployment defaults.
func DefaultDedupPolicy() DedupPolicy {
	return DedupPolicy{
		db.CategoryDailyReminder: 23 * time.Hour,
		db.CategoryGoalReminder:  4 * time.Hour,
		db.CategoryWeeklyReport:  6 * 24 * time.Hour,
	}
}

// Window returns the dedup window for c, zero if none.
func (p DedupPolicy) Window(c db.Category) time.Duration {
	return p[c]
}

// Longest returns the widest configured window.
func (p DedupPolicy) Longest() time.Duration {
	var longest time.Duration
	for _, w := range p {
		if w > longest {
			longest = w
		}
	}
	return longest
}

// DedupGuard checks whether a (user, category) was delivered recently.
// It is window-parameterized; category policy lives in DedupPolicy.
type DedupGuard struct {
	history  HistoryReader
	cache    RecentCache
	cacheTTL time.Duration
	clock    clock.Clock
	logger   *zap.Logger
}

// NewDedupGuard creates a guard that reads history directly.
func NewDedupGuard(history HistoryReader, clk clock.Clock, logger *zap.Logger) *DedupGuard {
	return &DedupGuard{
		history: history,
		clock:   clk,
		logger:  logger,
	}
}

// WithCache puts a RecentCache in front of history. ttl should cover the
// longest policy window.
func (g *DedupGuard) WithCache(cache RecentCache, ttl time.Duration) *DedupGuard {
	g.cache = cache
	g.cacheTTL = ttl
	return g
}

// RecentlyNotified reports whether a non-failed delivery of category
// reached the user within window, on any channel.
func (g *DedupGuard) RecentlyNotified(ctx context.Context, userID int64, category db.Category, window time.Duration) (bool, error) {
	if window <= 0 {
		return false, nil
	}
	since := g.clock.Now().Add(-window)

	if g.cache != nil {
		at, ok, err := g.cache.LastSent(ctx, userID, category)
		if err != nil {
			g.logger.Warn("dedup cache lookup failed, falling back to history",
				zap.Error(err),
				zap.Int64("user_id", userID),
			)
		} else if ok && !at.Before(since) {
			return true, nil
		}
	}

	return g.history.RecentlyDelivered(ctx, userID, category, "", since)
}

// RecentlyNotifiedOn is RecentlyNotified restricted to one channel.
func (g *DedupGuard) RecentlyNotifiedOn(ctx context.Context, userID int64, category db.Category, channel db.Channel, window time.Duration) (bool, error) {
	if window <= 0 {
		return false, nil
	}
	return g.history.RecentlyDelivered(ctx, userID, category, channel, g.clock.Now().Add(-window))
}

// OnFinalized warms the cache after a delivery reaches history.
func (g *DedupGuard) OnFinalized(ctx context.Context, rec *db.HistoryRecord) {
	if g.cache == nil || rec.DeliveryStatus == db.DeliveryFailed {
		return
	}
	if err := g.cache.MarkSent(ctx, rec.UserID, rec.Category, rec.SentAt, g.cacheTTL); err != nil {
		g.logger.Warn("dedup cache update failed",
			zap.Error(err),
			zap.Int64("user_id", rec.UserID),
			zap.String("category", string(rec.Category)),
		)
	}
}
