package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lalithlochan/nicotrack/internal/db"
)

// RecentSends caches the last delivery time per (user, category) in
// front of notification_history.
type RecentSends struct {
	client *Client
	logger *zap.Logger
}

func NewRecentSends(client *Client, logger *zap.Logger) *RecentSends {
	return &RecentSends{client: client, logger: logger}
}

func recentKey(userID int64, category db.Category) string {
	return key("recent", strconv.FormatInt(userID, 10), string(category))
}

// LastSent returns the cached last delivery time, ok=false on a miss.
func (r *RecentSends) LastSent(ctx context.Context, userID int64, category db.Category) (time.Time, bool, error) {
	val, err := r.client.rdb.Get(ctx, recentKey(userID, category)).Int64()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("redis get failed: %w", err)
	}
	return time.Unix(0, val).UTC(), true, nil
}

// markIfNewer keeps the later of the stored and given timestamps.
var markIfNewer = redis.NewScript(`
local cur = redis.call("GET", KEYS[1])
if cur and tonumber(cur) >= tonumber(ARGV[1]) then
  return 0
end
redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
return 1
`)

// MarkSent records a delivery at at. An older timestamp never overwrites
// a newer one.
func (r *RecentSends) MarkSent(ctx context.Context, userID int64, category db.Category, at time.Time, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	err := markIfNewer.Run(ctx, r.client.rdb,
		[]string{recentKey(userID, category)},
		at.UnixNano(), ttl.Milliseconds(),
	).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redis mark sent failed: %w", err)
	}
	return nil
}
