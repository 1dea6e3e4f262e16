// Package checkout turns a shopper's line items into a persisted order.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-stock-reservations/internal/metrics"
	"github.com/ariefcatur/go-stock-reservations/internal/orders"
	"github.com/ariefcatur/go-stock-reservations/internal/stock"
)

const (
	DefaultMaxAttempts = 3
	DefaultBackoff     = 100 * time.Millisecond
)

var tracer = otel.Tracer("github.com/ariefcatur/go-stock-reservations/internal/checkout")

// errStockRace marks a guarded decrement that lost against another writer.
var errStockRace = errors.New("stock changed during placement")

type PlaceOrderInput struct {
	UserID       string
	Items        []orders.LineItem
	Shipping     orders.Shipping
	DeferPayment bool
}

// Saga places orders. Each attempt is one fresh transaction; attempts that
// fail on a stock race or a backend conflict are repeated up to MaxAttempts.
type Saga struct {
	Store       orders.Store
	Notifier    orders.Notifier
	MaxAttempts int
	Backoff     time.Duration
	Now         func() time.Time
	Log         *zap.Logger
}

func (s *Saga) maxAttempts() int {
	if s.MaxAttempts > 0 {
		return s.MaxAttempts
	}
	return DefaultMaxAttempts
}

func (s *Saga) backoff() time.Duration {
	if s.Backoff > 0 {
		return s.Backoff
	}
	return DefaultBackoff
}

func (s *Saga) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func (s *Saga) logger() *zap.Logger {
	if s.Log == nil {
		return zap.NewNop()
	}
	return s.Log
}

// PlaceOrder validates and persists the order, finalizes stock for every
// line and clears the consumed cart reservations, all or nothing.
func (s *Saga) PlaceOrder(ctx context.Context, in PlaceOrderInput) (orders.Order, error) {
	if err := validate(in); err != nil {
		metrics.Placements.WithLabelValues("rejected").Inc()
		return orders.Order{}, err
	}

	ctx, span := tracer.Start(ctx, "checkout.PlaceOrder", trace.WithAttributes(
		attribute.String("user.id", in.UserID),
		attribute.Int("order.lines", len(in.Items)),
	))
	defer span.End()

	var (
		placed  orders.Order
		attempt int
	)
	op := func() error {
		attempt++
		o, err := s.attempt(ctx, in, attempt)
		switch {
		case err == nil:
			metrics.PlacementAttempts.WithLabelValues("committed").Inc()
			placed = o
			return nil
		case transient(err):
			metrics.PlacementAttempts.WithLabelValues("conflict").Inc()
			s.logger().Debug("order placement conflict",
				zap.String("user_id", in.UserID), zap.Int("attempt", attempt), zap.Error(err))
			return err
		default:
			metrics.PlacementAttempts.WithLabelValues("failed").Inc()
			return backoff.Permanent(err)
		}
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(s.backoff()), uint64(s.maxAttempts()-1)),
		ctx,
	)

	if err := backoff.Retry(op, policy); err != nil {
		if transient(err) {
			err = fmt.Errorf("%w: gave up after %d attempts: %v", orders.ErrOrderConflict, attempt, err)
		}
		metrics.Placements.WithLabelValues(resultLabel(err)).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return orders.Order{}, err
	}

	metrics.Placements.WithLabelValues("ok").Inc()
	span.SetAttributes(attribute.String("order.id", placed.ID), attribute.Int("order.attempts", attempt))
	s.logger().Info("order placed",
		zap.String("order_id", placed.ID),
		zap.String("user_id", placed.UserID),
		zap.String("status", string(placed.Status)),
		zap.Int64("total_cents", placed.TotalCents),
		zap.Int("attempts", attempt),
	)
	if s.Notifier != nil {
		if err := s.Notifier.Notify(ctx, orders.PlacedEvent(placed)); err != nil {
			s.logger().Warn("notify failed", zap.String("order_id", placed.ID), zap.Error(err))
		}
	}
	return placed, nil
}

func (s *Saga) attempt(ctx context.Context, in PlaceOrderInput, n int) (orders.Order, error) {
	ctx, span := tracer.Start(ctx, "checkout.attempt", trace.WithAttributes(attribute.Int("attempt", n)))
	defer span.End()

	now := s.now()
	o := orders.Order{
		ID:          uuid.NewString(),
		UserID:      in.UserID,
		Shipping:    in.Shipping,
		Status:      orders.StatusProcessed,
		DateOrdered: now,
		UpdatedAt:   now,
	}
	if in.DeferPayment {
		o.Status = orders.StatusPending
	}
	o.StatusHistory = []orders.Status{o.Status}

	err := s.Store.InTx(ctx, func(ctx context.Context, tx orders.Tx) error {
		if _, err := tx.GetUser(ctx, in.UserID); err != nil {
			return err
		}
		o.Items = make([]orders.OrderItem, 0, len(in.Items))
		o.TotalCents = 0
		for i, li := range in.Items {
			it, err := placeLine(ctx, tx, o.ID, in.UserID, i, li)
			if err != nil {
				return err
			}
			o.Items = append(o.Items, it)
			o.TotalCents += it.PriceCents * int64(it.Quantity)
		}
		return tx.InsertOrder(ctx, o)
	})
	if err != nil {
		span.RecordError(err)
		return orders.Order{}, err
	}
	return o, nil
}

// placeLine snapshots one line, takes stock unless a live reservation
// already holds it, and consumes the reservation.
func placeLine(ctx context.Context, tx orders.Tx, orderID, userID string, i int, li orders.LineItem) (orders.OrderItem, error) {
	p, err := tx.GetProduct(ctx, li.ProductID)
	if err != nil {
		return orders.OrderItem{}, fmt.Errorf("line %d: %w", i, err)
	}

	var res *orders.CartReservation
	if li.CartReservationID != "" {
		r, err := tx.GetReservation(ctx, li.CartReservationID)
		if errors.Is(err, orders.ErrReservationNotFound) {
			return orders.OrderItem{}, fmt.Errorf("line %d: reservation %s missing: %w", i, li.CartReservationID, orders.ErrInvalidCartReference)
		}
		if err != nil {
			return orders.OrderItem{}, err
		}
		if r.UserID != userID || r.ProductID != li.ProductID || r.Quantity != li.Quantity || r.Variant != li.Variant {
			return orders.OrderItem{}, fmt.Errorf("line %d: reservation %s does not match: %w", i, r.ID, orders.ErrInvalidCartReference)
		}
		res = &r
	}

	it := orders.OrderItem{
		ID:                uuid.NewString(),
		OrderID:           orderID,
		ProductID:         p.ID,
		Quantity:          li.Quantity,
		PriceCents:        p.PriceCents,
		ProductName:       p.Name,
		ProductImage:      p.Image,
		Variant:           li.Variant,
		CartReservationID: li.CartReservationID,
	}
	if err := tx.InsertOrderItem(ctx, it); err != nil {
		return orders.OrderItem{}, err
	}

	if res == nil || !res.Reserved {
		if _, err := stock.Take(ctx, tx, p.ID, li.Quantity); err != nil {
			if errors.Is(err, stock.ErrNoMatch) {
				return orders.OrderItem{}, fmt.Errorf("product %s: %w", p.ID, errStockRace)
			}
			return orders.OrderItem{}, err
		}
	}
	if res != nil {
		if err := tx.DeleteReservation(ctx, *res); err != nil {
			return orders.OrderItem{}, err
		}
	}
	return it, nil
}

func validate(in PlaceOrderInput) error {
	if len(in.Items) == 0 {
		return fmt.Errorf("%w: order has no lines", orders.ErrInvalidQuantity)
	}
	for i, li := range in.Items {
		if li.Quantity < 1 {
			return fmt.Errorf("%w: line %d quantity %d", orders.ErrInvalidQuantity, i, li.Quantity)
		}
	}
	return nil
}

func transient(err error) bool {
	return errors.Is(err, errStockRace) || errors.Is(err, orders.ErrTxConflict)
}

func resultLabel(err error) string {
	switch {
	case errors.Is(err, orders.ErrOrderConflict):
		return "conflict"
	case errors.Is(err, orders.ErrNotFound):
		return "not_found"
	case errors.Is(err, orders.ErrInvalidCartReference):
		return "invalid_reference"
	default:
		return "error"
	}
}
