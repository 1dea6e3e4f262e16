package redisx

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const inFlight = "pending"

// ErrInFlight: another request with the same key has claimed it and not
// finished yet.
var ErrInFlight = errors.New("request with this idempotency key is in flight")

// Idempotency remembers which order a client-supplied checkout key produced.
type Idempotency struct {
	RDB *redis.Client
	TTL time.Duration
}

func (i *Idempotency) ttl() time.Duration {
	if i.TTL > 0 {
		return i.TTL
	}
	return TTLIdempotency
}

// Claim reserves key for this caller. If the key already produced an order,
// its id is returned with claimed=false.
func (i *Idempotency) Claim(ctx context.Context, userID, key string) (orderID string, claimed bool, err error) {
	k := fmt.Sprintf(KeyIdemCheckout, userID, key)
	ok, err := i.RDB.SetNX(ctx, k, inFlight, TTLInFlight).Result()
	if err != nil {
		return "", false, err
	}
	if ok {
		return "", true, nil
	}
	v, err := i.RDB.Get(ctx, k).Result()
	switch {
	case errors.Is(err, redis.Nil), err == nil && v == inFlight:
		return "", false, ErrInFlight
	case err != nil:
		return "", false, err
	}
	return v, false, nil
}

func (i *Idempotency) Complete(ctx context.Context, userID, key, orderID string) error {
	return i.RDB.Set(ctx, fmt.Sprintf(KeyIdemCheckout, userID, key), orderID, i.ttl()).Err()
}

// Abort drops a claim so the client may retry with the same key.
func (i *Idempotency) Abort(ctx context.Context, userID, key string) error {
	return i.RDB.Del(ctx, fmt.Sprintf(KeyIdemCheckout, userID, key)).Err()
}
