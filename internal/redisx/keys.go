package redisx

import "time"

const (
	// Checkout idempotency: idem:checkout:{user_id}:{key} -> "pending" | order_id
	KeyIdemCheckout = "idem:checkout:%s:%s"

	// Cached order document: order:{order_id} -> JSON
	KeyOrder = "order:%s"

	// Invalidation counter: order:gen:{order_id} -> int
	KeyOrderGen = "order:gen:%s"

	// Dedup event processing: dedup:{consumer}:{event_id}
	KeyDedup = "dedup:%s:%s"

	// Sweep lease: lock:{name} -> owner token
	KeyLock = "lock:%s"
)

var (
	TTLIdempotency = 24 * time.Hour
	TTLInFlight    = time.Minute
	TTLOrderCache  = 5 * time.Minute
	TTLOrderGen    = time.Hour
	TTLDedup       = 48 * time.Hour
)
