package orders

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/ariefcatur/go-stock-reservations/internal/metrics"
	"github.com/ariefcatur/go-stock-reservations/internal/stock"
)

// Cache is invalidated after every committed status change.
type Cache interface {
	Invalidate(ctx context.Context, orderID string) error
}

// Service drives the order status machine. It is the only writer of
// Order.Status, for admin actions, payment results and the stale-order reaper alike.
type Service struct {
	Store    Store
	Notifier Notifier
	Cache    Cache
	Log      *zap.Logger
}

func (s *Service) logger() *zap.Logger {
	if s.Log == nil {
		return zap.NewNop()
	}
	return s.Log
}

func (s *Service) Get(ctx context.Context, id string) (Order, error) {
	var o Order
	err := s.Store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		o, err = tx.GetOrder(ctx, id)
		return err
	})
	return o, err
}

func (s *Service) List(ctx context.Context, f OrderFilter) ([]Order, error) {
	var out []Order
	err := s.Store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		out, err = tx.ListOrders(ctx, f)
		return err
	})
	return out, err
}

func (s *Service) Count(ctx context.Context) (int, error) {
	var n int
	err := s.Store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		n, err = tx.CountOrders(ctx)
		return err
	})
	return n, err
}

// ChangeStatus moves an order to status to. Fails with ErrOrderNotFound or
// *IllegalTransitionError.
func (s *Service) ChangeStatus(ctx context.Context, orderID string, to Status) (Order, error) {
	var (
		o    Order
		from Status
	)
	err := s.Store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		o, err = tx.GetOrder(ctx, orderID)
		if err != nil {
			return err
		}
		from = o.Status
		return ChangeStatusTx(ctx, tx, &o, to)
	})
	if err != nil {
		return Order{}, err
	}
	s.afterTransition(ctx, o, from)
	return o, nil
}

// ChangeStatusTx applies the transition to o and persists it within tx.
func ChangeStatusTx(ctx context.Context, tx Tx, o *Order, to Status) error {
	if err := o.Transition(to); err != nil {
		return err
	}
	return tx.UpdateOrderStatus(ctx, *o)
}

// Release returns every item's quantity to the stock ledger and moves a
// pending order to status to (expired or cancelled). Orders that already
// left pending are left alone and reported with released=false.
func (s *Service) Release(ctx context.Context, orderID string, to Status) (released bool, err error) {
	var o Order
	err = s.Store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		released = false
		var err error
		o, err = tx.GetOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if o.Status != StatusPending {
			return nil
		}
		for _, it := range o.Items {
			if _, err := stock.Put(ctx, tx, it.ProductID, it.Quantity); err != nil {
				return fmt.Errorf("restore %d units of %s for order %s: %w", it.Quantity, it.ProductID, o.ID, err)
			}
		}
		if err := ChangeStatusTx(ctx, tx, &o, to); err != nil {
			return err
		}
		released = true
		return nil
	})
	if err != nil || !released {
		return false, err
	}
	s.afterTransition(ctx, o, StatusPending)
	s.notify(ctx, Event{Type: EventOrderReleased, OrderID: o.ID, Payload: OrderReleasedPayload{
		OrderID: o.ID, Status: o.Status, Items: itemQtys(o.Items),
	}})
	return true, nil
}

// Purge deletes an order together with its items.
func (s *Service) Purge(ctx context.Context, orderID string) error {
	err := s.Store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		if _, err := tx.GetOrder(ctx, orderID); err != nil {
			return err
		}
		return tx.DeleteOrder(ctx, orderID)
	})
	if err != nil {
		return err
	}
	s.invalidate(ctx, orderID)
	s.logger().Info("order purged", zap.String("order_id", orderID))
	return nil
}

func (s *Service) afterTransition(ctx context.Context, o Order, from Status) {
	metrics.StatusTransitions.WithLabelValues(string(from), string(o.Status)).Inc()
	s.invalidate(ctx, o.ID)
	s.notify(ctx, Event{Type: EventOrderStatusChanged, OrderID: o.ID, Payload: OrderStatusChangedPayload{
		OrderID: o.ID, UserID: o.UserID, From: from, To: o.Status,
	}})
}

func (s *Service) invalidate(ctx context.Context, orderID string) {
	if s.Cache == nil {
		return
	}
	if err := s.Cache.Invalidate(ctx, orderID); err != nil {
		s.logger().Warn("order cache invalidate failed", zap.String("order_id", orderID), zap.Error(err))
	}
}

func (s *Service) notify(ctx context.Context, ev Event) {
	if s.Notifier == nil {
		return
	}
	if err := s.Notifier.Notify(ctx, ev); err != nil {
		s.logger().Warn("notify failed", zap.String("event", ev.Type), zap.String("order_id", ev.OrderID), zap.Error(err))
	}
}

// IsIllegalTransition unwraps an *IllegalTransitionError from err.
func IsIllegalTransition(err error) (*IllegalTransitionError, bool) {
	var it *IllegalTransitionError
	if errors.As(err, &it) {
		return it, true
	}
	return nil, false
}
