package redisx

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Deduper marks event ids as handled for one consumer.
type Deduper struct {
	RDB      *redis.Client
	Consumer string
	TTL      time.Duration
}

// First reports whether this is the first time id has been seen, marking it
// seen in the same step.
func (d *Deduper) First(ctx context.Context, id string) (bool, error) {
	ttl := d.TTL
	if ttl <= 0 {
		ttl = TTLDedup
	}
	return d.RDB.SetNX(ctx, fmt.Sprintf(KeyDedup, d.Consumer, id), "1", ttl).Result()
}

// Forget unmarks id so a redelivery is processed again.
func (d *Deduper) Forget(ctx context.Context, id string) error {
	return d.RDB.Del(ctx, fmt.Sprintf(KeyDedup, d.Consumer, id)).Err()
}
