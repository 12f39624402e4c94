package webhook

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/redis/go-redis/v9"

	"voice-platform/pkg/utils"
)

// Deduper remembers deliveries that were already settled. It is only a shortcut: the
// transition guard and upserts make redelivery safe without it.
type Deduper interface {
	Seen(ctx context.Context, key string) (bool, error)
	Mark(ctx context.Context, key string) error
}

type RedisDeduper struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisDeduper(rdb *redis.Client, ttl time.Duration) *RedisDeduper {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisDeduper{rdb: rdb, ttl: ttl}
}

func (d *RedisDeduper) Seen(ctx context.Context, key string) (bool, error) {
	n, err := d.rdb.Exists(ctx, key).Result()
	return n > 0, err
}

func (d *RedisDeduper) Mark(ctx context.Context, key string) error {
	_, err := utils.MarkOnce(ctx, d.rdb, key, d.ttl)
	return err
}

func deliveryKey(kind string, body []byte) string {
	sum := sha256.Sum256(body)
	return "webhook:" + kind + ":" + hex.EncodeToString(sum[:])
}
