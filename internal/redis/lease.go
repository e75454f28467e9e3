package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Lease is a best-effort mutual exclusion over SET NX with a TTL. A
// holder that outlives the TTL loses the lease silently, so callers must
// stay correct without it.
type Lease struct {
	client *Client
	owner  string
	logger *zap.Logger
}

// NewLease creates a lease handle. owner identifies this process in logs
// and in the stored value.
func NewLease(client *Client, owner string, logger *zap.Logger) *Lease {
	return &Lease{client: client, owner: owner, logger: logger}
}

// releaseIfOwner deletes the key only while it still holds our token.
var releaseIfOwner = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// TryAcquire takes the named lease for ttl. ok is false when someone else
// holds it. release is safe to call after the TTL has passed.
func (l *Lease) TryAcquire(ctx context.Context, name string, ttl time.Duration) (func(context.Context), bool, error) {
	k := key("lease", name)
	token := l.owner + "/" + uuid.NewString()

	ok, err := l.client.rdb.SetNX(ctx, k, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("redis setnx failed: %w", err)
	}
	if !ok {
		return nil, false, nil
	}

	release := func(ctx context.Context) {
		err := releaseIfOwner.Run(ctx, l.client.rdb, []string{k}, token).Err()
		if err != nil && !errors.Is(err, redis.Nil) {
			l.logger.Warn("failed to release lease",
				zap.String("lease", name),
				zap.Error(err),
			)
		}
	}
	return release, true, nil
}
