package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lalithlochan/nicotrack/internal/metrics"
)

const (
	// IdempotencyTTL is how long a completed enqueue answers replays of the
	// same Idempotency-Key.
	IdempotencyTTL = 24 * time.Hour

	// processingTTL bounds the reservation if the request dies mid-flight.
	processingTTL = time.Minute

	processingMarker = "processing"
)

// ErrDuplicateRequest means another request with the same key is still
// being handled.
var ErrDuplicateRequest = errors.New("duplicate request: idempotency key in flight")

// IdempotencyResult is the cached answer to an enqueue request.
type IdempotencyResult struct {
	NotificationID string `json:"notification_id,omitempty"`
	Queued         bool   `json:"queued"`
	StatusCode     int    `json:"status_code"`
	CreatedAt      int64  `json:"created_at"`
}

// IdempotencyService makes POST /v1/notifications safe to retry.
// Keys are scoped to the caller so two clients never collide.
type IdempotencyService struct {
	client *Client
	logger *zap.Logger
}

func NewIdempotencyService(client *Client, logger *zap.Logger) *IdempotencyService {
	return &IdempotencyService{
		client: client,
		logger: logger,
	}
}

func (s *IdempotencyService) buildKey(scope, idempotencyKey string) string {
	return key("idempotency", scope, idempotencyKey)
}

// Check returns the cached result for key, nil if there is none, or
// ErrDuplicateRequest while the key is reserved.
func (s *IdempotencyService) Check(ctx context.Context, scope, idempotencyKey string) (*IdempotencyResult, error) {
	val, err := s.client.rdb.Get(ctx, s.buildKey(scope, idempotencyKey)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}

	if val == processingMarker {
		return nil, ErrDuplicateRequest
	}

	var result IdempotencyResult
	if err := json.Unmarshal([]byte(val), &result); err != nil {
		s.logger.Error("failed to unmarshal idempotency result", zap.Error(err))
		return nil, fmt.Errorf("invalid cached result: %w", err)
	}

	metrics.RecordIdempotencyHit()
	s.logger.Debug("idempotency cache hit",
		zap.String("scope", scope),
		zap.String("notification_id", result.NotificationID),
	)
	return &result, nil
}

// Store saves the outcome of a completed request, replacing the
// reservation.
func (s *IdempotencyService) Store(ctx context.Context, scope, idempotencyKey string, result *IdempotencyResult, ttl time.Duration) error {
	if result.CreatedAt == 0 {
		result.CreatedAt = time.Now().Unix()
	}

	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	if err := s.client.rdb.Set(ctx, s.buildKey(scope, idempotencyKey), data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

// Reserve takes the key with SET NX. It reports false if the key exists.
func (s *IdempotencyService) Reserve(ctx context.Context, scope, idempotencyKey string) (bool, error) {
	set, err := s.client.rdb.SetNX(ctx, s.buildKey(scope, idempotencyKey), processingMarker, processingTTL).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx failed: %w", err)
	}
	return set, nil
}

// Release drops a reservation so a request that failed before enqueueing
// can be retried with the same key. Stored results are left alone.
func (s *IdempotencyService) Release(ctx context.Context, scope, idempotencyKey string) error {
	k := s.buildKey(scope, idempotencyKey)
	val, err := s.client.rdb.Get(ctx, k).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("redis get failed: %w", err)
	}
	if val != processingMarker {
		return nil
	}
	return s.client.rdb.Del(ctx, k).Err()
}

// CheckOrReserve returns a cached result if there is one, otherwise
// reserves the key and returns nil.
func (s *IdempotencyService) CheckOrReserve(ctx context.Context, scope, idempotencyKey string) (*IdempotencyResult, error) {
	result, err := s.Check(ctx, scope, idempotencyKey)
	if err != nil {
		return nil, err
	}
	if result != nil {
		return result, nil
	}

	reserved, err := s.Reserve(ctx, scope, idempotencyKey)
	if err != nil {
		return nil, err
	}
	if !reserved {
		return nil, ErrDuplicateRequest
	}
	return nil, nil
}
