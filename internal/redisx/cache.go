package redisx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ariefcatur/go-stock-reservations/internal/orders"
)

// Fill only if no invalidation happened since the reader took its generation.
var fillScript = redis.NewScript(`
local gen = redis.call("GET", KEYS[2]) or "0"
if gen == ARGV[1] then
	redis.call("SET", KEYS[1], ARGV[2], "PX", ARGV[3])
	return 1
end
return 0`)

// OrderCache keeps read-mostly order documents for GET /orders/{id}. Writers
// invalidate; readers take Generation before loading from the store and
// Fill with it afterwards, so a fill that raced an invalidation is dropped.
type OrderCache struct {
	RDB *redis.Client
	TTL time.Duration
}

func (c *OrderCache) Get(ctx context.Context, orderID string) (orders.Order, bool, error) {
	b, err := c.RDB.Get(ctx, fmt.Sprintf(KeyOrder, orderID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return orders.Order{}, false, nil
	}
	if err != nil {
		return orders.Order{}, false, err
	}
	var o orders.Order
	if err := json.Unmarshal(b, &o); err != nil {
		return orders.Order{}, false, err
	}
	return o, true, nil
}

// Generation returns the invalidation count of orderID.
func (c *OrderCache) Generation(ctx context.Context, orderID string) (int64, error) {
	gen, err := c.RDB.Get(ctx, fmt.Sprintf(KeyOrderGen, orderID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return gen, err
}

// Fill stores o unless its order was invalidated after gen was read.
func (c *OrderCache) Fill(ctx context.Context, o orders.Order, gen int64) (bool, error) {
	b, err := json.Marshal(o)
	if err != nil {
		return false, err
	}
	ttl := c.TTL
	if ttl <= 0 {
		ttl = TTLOrderCache
	}
	keys := []string{fmt.Sprintf(KeyOrder, o.ID), fmt.Sprintf(KeyOrderGen, o.ID)}
	n, err := fillScript.Run(ctx, c.RDB, keys, strconv.FormatInt(gen, 10), b, ttl.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (c *OrderCache) Invalidate(ctx context.Context, orderID string) error {
	genKey := fmt.Sprintf(KeyOrderGen, orderID)
	_, err := c.RDB.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Incr(ctx, genKey)
		p.Expire(ctx, genKey, TTLOrderGen)
		p.Del(ctx, fmt.Sprintf(KeyOrder, orderID))
		return nil
	})
	return err
}
