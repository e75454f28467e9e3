package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lalithlochan/nicotrack/internal/clock"
)

// RateLimitConfig bounds requests per key per window.
type RateLimitConfig struct {
	Limit  int
	Window time.Duration
}

// RateLimitResult is the answer to one check.
type RateLimitResult struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// RateLimiter is a sliding-window limiter over a sorted set per key.
// The API keys it by user so one user cannot flood the queue.
type RateLimiter struct {
	client *Client
	clock  clock.Clock
	logger *zap.Logger
	config RateLimitConfig
}

func NewRateLimiter(client *Client, clk clock.Clock, logger *zap.Logger, config RateLimitConfig) *RateLimiter {
	return &RateLimiter{
		client: client,
		clock:  clk,
		logger: logger,
		config: config,
	}
}

// Allow checks one request against the limit.
func (r *RateLimiter) Allow(ctx context.Context, subject string) (*RateLimitResult, error) {
	return r.AllowN(ctx, subject, 1)
}

// AllowN checks n requests. Rejected requests are not counted.
func (r *RateLimiter) AllowN(ctx context.Context, subject string, n int) (*RateLimitResult, error) {
	now := r.clock.Now()
	windowStart := now.Add(-r.config.Window)
	resetAt := now.Add(r.config.Window)
	redisKey := key("ratelimit", subject)

	pipe := r.client.rdb.Pipeline()
	pipe.ZRemRangeByScore(ctx, redisKey, "0", strconv.FormatInt(windowStart.UnixNano(), 10))
	countCmd := pipe.ZCard(ctx, redisKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("redis pipeline failed: %w", err)
	}

	current := int(countCmd.Val())
	remaining := r.config.Limit - current

	if current+n > r.config.Limit {
		r.logger.Debug("rate limit exceeded",
			zap.String("subject", subject),
			zap.Int("current", current),
			zap.Int("limit", r.config.Limit),
		)
		return &RateLimitResult{
			Allowed:   false,
			Limit:     r.config.Limit,
			Remaining: max(0, remaining),
			ResetAt:   resetAt,
		}, nil
	}

	add := r.client.rdb.Pipeline()
	for i := 0; i < n; i++ {
		add.ZAdd(ctx, redisKey, redis.Z{
			Score:  float64(now.UnixNano()),
			Member: uuid.NewString(),
		})
	}
	add.Expire(ctx, redisKey, r.config.Window+time.Second)
	if _, err := add.Exec(ctx); err != nil {
		return nil, fmt.Errorf("redis zadd failed: %w", err)
	}

	return &RateLimitResult{
		Allowed:   true,
		Limit:     r.config.Limit,
		Remaining: remaining - n,
		ResetAt:   resetAt,
	}, nil
}
