package orders

import (
	"context"
	"time"

	"github.com/ariefcatur/go-stock-reservations/internal/stock"
)

// Store runs fn inside one all-or-nothing transaction. A non-nil error from
// fn aborts it and leaves no observable side effect.
type Store interface {
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Tx is the set of reads and writes available inside a transaction. Stock is
// only ever changed through AdjustStock.
type Tx interface {
	stock.Adjuster

	GetUser(ctx context.Context, id string) (User, error)
	GetProduct(ctx context.Context, id string) (Product, error)

	// CartLines returns the user's reservations in cart order and holds the
	// user's cart against concurrent membership changes until the tx ends.
	CartLines(ctx context.Context, userID string) ([]CartReservation, error)
	GetReservation(ctx context.Context, id string) (CartReservation, error)
	// InsertReservation stores r and appends it to its user's cart.
	InsertReservation(ctx context.Context, r CartReservation) error
	UpdateReservation(ctx context.Context, r CartReservation) error
	// DeleteReservation removes r and drops it from its user's cart.
	DeleteReservation(ctx context.Context, r CartReservation) error
	ExpiredReservations(ctx context.Context, now time.Time, limit int) ([]CartReservation, error)

	InsertOrderItem(ctx context.Context, it OrderItem) error
	InsertOrder(ctx context.Context, o Order) error
	GetOrder(ctx context.Context, id string) (Order, error)
	UpdateOrderStatus(ctx context.Context, o Order) error
	DeleteOrder(ctx context.Context, id string) error
	ListOrders(ctx context.Context, f OrderFilter) ([]Order, error)
	CountOrders(ctx context.Context) (int, error)
}

// OrderFilter selects orders newest first. Zero values mean "any".
type OrderFilter struct {
	Status        Status
	OrderedBefore time.Time
	Limit         int
}
