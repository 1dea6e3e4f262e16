package orders

import (
	"errors"
	"fmt"
	"strings"
)

// Error classes. Every domain error wraps exactly one of these.
var (
	ErrNotFound             = errors.New("not found")
	ErrOutOfStock           = errors.New("out of stock")
	ErrOrderConflict        = errors.New("order conflict")
	ErrInvalidCartReference = errors.New("invalid cart reference")
	ErrInvalidQuantity      = errors.New("invalid quantity")
)

var (
	ErrUserNotFound        = fmt.Errorf("user %w", ErrNotFound)
	ErrProductNotFound     = fmt.Errorf("product %w", ErrNotFound)
	ErrReservationNotFound = fmt.Errorf("cart reservation %w", ErrNotFound)
	ErrOrderNotFound       = fmt.Errorf("order %w", ErrNotFound)
)

// ErrTxConflict is returned by stores when the backend aborted a transaction
// because of concurrent writers (serialization failure, deadlock).
var ErrTxConflict = errors.New("transaction conflict")

type IllegalTransitionError struct {
	From    Status
	To      Status
	Allowed []Status
}

func (e *IllegalTransitionError) Error() string {
	allowed := make([]string, 0, len(e.Allowed))
	for _, s := range e.Allowed {
		allowed = append(allowed, string(s))
	}
	return fmt.Sprintf("illegal status transition %s -> %s (allowed: %s)", e.From, e.To, strings.Join(allowed, ", "))
}
