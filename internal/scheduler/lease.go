package scheduler

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"voice-platform/pkg/utils"
)

// RedisLocker leases task names through the Redis slot scripts in pkg/utils, so only one
// worker replica runs a given task at a time. The TTL frees the lease if a worker dies.
type RedisLocker struct {
	rdb *redis.Client
}

func NewRedisLocker(rdb *redis.Client) *RedisLocker { return &RedisLocker{rdb: rdb} }

func (l *RedisLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (func(), bool, error) {
	ok, err := utils.AcquireSlot(ctx, l.rdb, key, 1, ttl)
	if err != nil || !ok {
		return func() {}, ok, err
	}
	release := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = utils.ReleaseSlot(ctx, l.rdb, key)
	}
	return release, true, nil
}
