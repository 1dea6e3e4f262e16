package stock

import (
	"context"
	"errors"
	"fmt"
)

// ErrNoMatch: the guarded update matched no row. Callers treat it as a
// conflict, never as proof that the product is gone.
var ErrNoMatch = errors.New("stock: guard not satisfied")

// Guard is the precondition checked against the pre-image of count_in_stock.
type Guard int

const (
	GuardNone        Guard = iota // always applies
	GuardNonNegative              // count_in_stock + delta >= 0
)

func (g Guard) String() string {
	switch g {
	case GuardNone:
		return "none"
	case GuardNonNegative:
		return "non-negative"
	default:
		return fmt.Sprintf("guard(%d)", int(g))
	}
}

// Allows reports whether delta may be applied to current.
func (g Guard) Allows(current, delta int) bool {
	if g == GuardNonNegative {
		return current+delta >= 0
	}
	return true
}

// Adjuster is the single primitive every stock writer goes through. It
// applies count_in_stock += delta atomically when guard holds and returns the
// post-update count, or ErrNoMatch.
type Adjuster interface {
	AdjustStock(ctx context.Context, productID string, delta int, guard Guard) (int, error)
}

// Take removes qty units, refusing to go below zero.
func Take(ctx context.Context, a Adjuster, productID string, qty int) (int, error) {
	if qty <= 0 {
		return 0, fmt.Errorf("stock: take %d units of %s: quantity must be positive", qty, productID)
	}
	return a.AdjustStock(ctx, productID, -qty, GuardNonNegative)
}

// Put returns qty units to the ledger.
func Put(ctx context.Context, a Adjuster, productID string, qty int) (int, error) {
	if qty <= 0 {
		return 0, fmt.Errorf("stock: put %d units of %s: quantity must be positive", qty, productID)
	}
	return a.AdjustStock(ctx, productID, qty, GuardNone)
}

// Shift applies a signed delta: negative deltas are guarded, positive ones are not.
func Shift(ctx context.Context, a Adjuster, productID string, delta int) (int, error) {
	switch {
	case delta < 0:
		return Take(ctx, a, productID, -delta)
	case delta > 0:
		return Put(ctx, a, productID, delta)
	default:
		return 0, nil
	}
}
