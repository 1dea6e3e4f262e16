package cart

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-stock-reservations/internal/metrics"
	"github.com/ariefcatur/go-stock-reservations/internal/orders"
	"github.com/ariefcatur/go-stock-reservations/internal/stock"
)

const DefaultReservationTTL = 30 * time.Minute

// Service keeps cart reservations and the stock ledger in step. Every
// mutation runs in one transaction that also touches the ledger.
type Service struct {
	Store orders.Store
	TTL   time.Duration
	Now   func() time.Time
	Log   *zap.Logger
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func (s *Service) ttl() time.Duration {
	if s.TTL > 0 {
		return s.TTL
	}
	return DefaultReservationTTL
}

func (s *Service) logger() *zap.Logger {
	if s.Log == nil {
		return zap.NewNop()
	}
	return s.Log
}

// AddToCart reserves qty units of productID for the user. A line with the
// same product and variant is grown instead of duplicated.
func (s *Service) AddToCart(ctx context.Context, userID, productID string, qty int, v orders.Variant) (orders.CartReservation, error) {
	if qty < 1 {
		return orders.CartReservation{}, fmt.Errorf("%w: %d", orders.ErrInvalidQuantity, qty)
	}
	var res orders.CartReservation
	err := s.Store.InTx(ctx, func(ctx context.Context, tx orders.Tx) error {
		if _, err := tx.GetUser(ctx, userID); err != nil {
			return err
		}
		p, err := tx.GetProduct(ctx, productID)
		if err != nil {
			return err
		}
		lines, err := tx.CartLines(ctx, userID)
		if err != nil {
			return err
		}
		now := s.now()

		for _, l := range lines {
			if l.ProductID != productID || l.Variant != v {
				continue
			}
			// A line released by the reaper holds nothing, so the whole new
			// quantity has to be taken again.
			need := qty
			if !l.Reserved {
				need = l.Quantity + qty
			}
			if _, err := stock.Take(ctx, tx, productID, need); err != nil {
				return outOfStock(err, productID)
			}
			l.Quantity += qty
			l.Reserved = true
			l.ExpiresAt = now.Add(s.ttl())
			res = l
			return tx.UpdateReservation(ctx, l)
		}

		if _, err := stock.Take(ctx, tx, productID, qty); err != nil {
			return outOfStock(err, productID)
		}
		res = orders.CartReservation{
			ID:           uuid.NewString(),
			UserID:       userID,
			ProductID:    productID,
			Quantity:     qty,
			Variant:      v,
			ProductName:  p.Name,
			ProductPrice: p.PriceCents,
			ProductImage: p.Image,
			Reserved:     true,
			ExpiresAt:    now.Add(s.ttl()),
			CreatedAt:    now,
		}
		return tx.InsertReservation(ctx, res)
	})
	record("add", err)
	if err != nil {
		return orders.CartReservation{}, err
	}
	return res, nil
}

// RemoveFromCart deletes a line from the user's cart and returns it. A
// reserved line gives its quantity back first.
func (s *Service) RemoveFromCart(ctx context.Context, userID, reservationID string) (orders.CartReservation, error) {
	var res orders.CartReservation
	err := s.Store.InTx(ctx, func(ctx context.Context, tx orders.Tx) error {
		var err error
		res, err = lineInCart(ctx, tx, userID, reservationID)
		if err != nil {
			return err
		}
		if res.Reserved {
			_, err := stock.Put(ctx, tx, res.ProductID, res.Quantity)
			switch {
			case errors.Is(err, stock.ErrNoMatch):
				// Product row is gone; there is nothing to give the units back to.
				s.logger().Warn("restock skipped, product missing",
					zap.String("reservation_id", res.ID), zap.String("product_id", res.ProductID))
			case err != nil:
				return err
			}
		}
		return tx.DeleteReservation(ctx, res)
	})
	record("remove", err)
	if err != nil {
		return orders.CartReservation{}, err
	}
	return res, nil
}

// ModifyQuantity sets a line's quantity, moving only the difference through
// the ledger. An unreserved line is reserved again in full.
func (s *Service) ModifyQuantity(ctx context.Context, userID, reservationID string, qty int) (orders.CartReservation, error) {
	if qty < 1 {
		return orders.CartReservation{}, fmt.Errorf("%w: %d", orders.ErrInvalidQuantity, qty)
	}
	var res orders.CartReservation
	err := s.Store.InTx(ctx, func(ctx context.Context, tx orders.Tx) error {
		var err error
		res, err = lineInCart(ctx, tx, userID, reservationID)
		if err != nil {
			return err
		}
		if _, err := tx.GetProduct(ctx, res.ProductID); err != nil {
			return err
		}
		if res.Reserved {
			_, err = stock.Shift(ctx, tx, res.ProductID, res.Quantity-qty)
		} else {
			_, err = stock.Take(ctx, tx, res.ProductID, qty)
		}
		if err != nil {
			return outOfStock(err, res.ProductID)
		}
		res.Quantity = qty
		res.Reserved = true
		res.ExpiresAt = s.now().Add(s.ttl())
		return tx.UpdateReservation(ctx, res)
	})
	record("modify", err)
	if err != nil {
		return orders.CartReservation{}, err
	}
	return res, nil
}

// ListCart re-resolves every line against the live catalog. Reserved lines
// are satisfiable by construction and never flagged out of stock.
func (s *Service) ListCart(ctx context.Context, userID string) ([]orders.CartLine, error) {
	var out []orders.CartLine
	err := s.Store.InTx(ctx, func(ctx context.Context, tx orders.Tx) error {
		if _, err := tx.GetUser(ctx, userID); err != nil {
			return err
		}
		lines, err := tx.CartLines(ctx, userID)
		if err != nil {
			return err
		}
		out = make([]orders.CartLine, 0, len(lines))
		for _, l := range lines {
			cl, err := resolve(ctx, tx, l)
			if err != nil {
				return err
			}
			out = append(out, cl)
		}
		return nil
	})
	return out, err
}

// GetCartLine is ListCart for a single line.
func (s *Service) GetCartLine(ctx context.Context, userID, reservationID string) (orders.CartLine, error) {
	var out orders.CartLine
	err := s.Store.InTx(ctx, func(ctx context.Context, tx orders.Tx) error {
		l, err := lineInCart(ctx, tx, userID, reservationID)
		if err != nil {
			return err
		}
		out, err = resolve(ctx, tx, l)
		return err
	})
	return out, err
}

func (s *Service) CartCount(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.Store.InTx(ctx, func(ctx context.Context, tx orders.Tx) error {
		if _, err := tx.GetUser(ctx, userID); err != nil {
			return err
		}
		lines, err := tx.CartLines(ctx, userID)
		n = len(lines)
		return err
	})
	return n, err
}

func resolve(ctx context.Context, tx orders.Tx, l orders.CartReservation) (orders.CartLine, error) {
	p, err := tx.GetProduct(ctx, l.ProductID)
	if errors.Is(err, orders.ErrProductNotFound) {
		return orders.CartLine{CartReservation: l, ProductExists: false, ProductOutOfStock: true}, nil
	}
	if err != nil {
		return orders.CartLine{}, err
	}
	l.ProductName = p.Name
	l.ProductPrice = p.PriceCents
	l.ProductImage = p.Image
	return orders.CartLine{
		CartReservation:   l,
		ProductExists:     true,
		ProductOutOfStock: !l.Reserved && p.CountInStock < l.Quantity,
	}, nil
}

// lineInCart loads a reservation only if the user's cart references it.
func lineInCart(ctx context.Context, tx orders.Tx, userID, reservationID string) (orders.CartReservation, error) {
	if _, err := tx.GetUser(ctx, userID); err != nil {
		return orders.CartReservation{}, err
	}
	lines, err := tx.CartLines(ctx, userID)
	if err != nil {
		return orders.CartReservation{}, err
	}
	for _, l := range lines {
		if l.ID == reservationID {
			return l, nil
		}
	}
	return orders.CartReservation{}, orders.ErrReservationNotFound
}

func outOfStock(err error, productID string) error {
	if errors.Is(err, stock.ErrNoMatch) {
		return fmt.Errorf("product %s: %w", productID, orders.ErrOutOfStock)
	}
	return err
}

func record(op string, err error) {
	result := "ok"
	switch {
	case errors.Is(err, orders.ErrOutOfStock):
		result = "out_of_stock"
	case errors.Is(err, orders.ErrNotFound):
		result = "not_found"
	case err != nil:
		result = "error"
	}
	metrics.CartOperations.WithLabelValues(op, result).Inc()
}
