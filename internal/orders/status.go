package orders

type Status string

const (
	StatusPending        Status = "pending"
	StatusProcessed      Status = "processed"
	StatusShipped        Status = "shipped"
	StatusOutForDelivery Status = "out-for-delivery"
	StatusOnHold         Status = "on-hold"
	StatusDelivered      Status = "delivered"
	StatusCancelled      Status = "cancelled"
	StatusExpired        Status = "expired"
)

// Order of the targets is the order reported to clients.
var validNext = map[Status][]Status{
	StatusPending:        {StatusProcessed, StatusCancelled, StatusExpired},
	StatusProcessed:      {StatusShipped, StatusCancelled, StatusOnHold},
	StatusShipped:        {StatusOutForDelivery, StatusCancelled, StatusOnHold},
	StatusOutForDelivery: {StatusDelivered, StatusCancelled},
	StatusOnHold:         {StatusCancelled, StatusShipped, StatusOutForDelivery},
	StatusDelivered:      {},
	StatusCancelled:      {},
	StatusExpired:        {},
}

func (s Status) Valid() bool {
	_, ok := validNext[s]
	return ok
}

func (s Status) Terminal() bool {
	next, ok := validNext[s]
	return ok && len(next) == 0
}

// AllowedNext returns a fresh copy of the legal successors of s.
func AllowedNext(s Status) []Status {
	return append([]Status{}, validNext[s]...)
}

func CanTransition(from, to Status) bool {
	for _, s := range validNext[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition moves o to status to. The current status is pushed onto the
// history unless it is already the most recent entry.
func (o *Order) Transition(to Status) error {
	if !CanTransition(o.Status, to) {
		return &IllegalTransitionError{From: o.Status, To: to, Allowed: AllowedNext(o.Status)}
	}
	if n := len(o.StatusHistory); n == 0 || o.StatusHistory[n-1] != o.Status {
		o.StatusHistory = append(o.StatusHistory, o.Status)
	}
	o.Status = to
	return nil
}
