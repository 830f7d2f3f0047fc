package fieldstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "amcv:"

// RedisPersister keeps a visitor's blob server-side, keyed by org and an
// opaque visitor key.
type RedisPersister struct {
	client *redis.Client
	key    string
	ttl    time.Duration
}

// NewRedisPersister stores the blob under amcv:<org>:<visitorKey>. A zero
// ttl keeps the key forever.
func NewRedisPersister(client *redis.Client, org, visitorKey string, ttl time.Duration) *RedisPersister {
	return &RedisPersister{
		client: client,
		key:    redisKeyPrefix + org + ":" + visitorKey,
		ttl:    ttl,
	}
}

func (p *RedisPersister) Load(ctx context.Context) (string, error) {
	blob, err := p.client.Get(ctx, p.key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("redis get visitor blob: %w", err)
	}
	return blob, nil
}

func (p *RedisPersister) Save(ctx context.Context, blob string) error {
	if err := p.client.Set(ctx, p.key, blob, p.ttl).Err(); err != nil {
		return fmt.Errorf("redis set visitor blob: %w", err)
	}
	return nil
}

// Key returns the Redis key in use.
func (p *RedisPersister) Key() string {
	return p.key
}
