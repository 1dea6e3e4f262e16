// Package payments applies payment gateway results to orders.
package payments

import (
	"context"
	"errors"

	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	kafkax "github.com/ariefcatur/go-stock-reservations/internal/kafka"
	"github.com/ariefcatur/go-stock-reservations/internal/orders"
)

type Deduper interface {
	First(ctx context.Context, id string) (bool, error)
	Forget(ctx context.Context, id string) error
}

// Handler consumes PaymentAuthorized and PaymentFailed envelopes. An
// authorized payment moves a pending order to processed; a failed one
// cancels it and gives its stock back.
type Handler struct {
	Orders *orders.Service
	Dedup  Deduper // optional
	Log    *zap.Logger
}

func (h *Handler) logger() *zap.Logger {
	if h.Log == nil {
		return zap.NewNop()
	}
	return h.Log
}

// Handle is a kafka.Handler. Undecodable messages are logged and acknowledged.
func (h *Handler) Handle(ctx context.Context, m kafkago.Message) error {
	env, err := kafkax.DecodeEnvelope(m.Value)
	if err != nil {
		h.logger().Warn("skipping undecodable payment event", zap.Int64("offset", m.Offset), zap.Error(err))
		return nil
	}
	if env.EventType != orders.EventPaymentAuthorized && env.EventType != orders.EventPaymentFailed {
		return nil
	}

	if h.Dedup != nil {
		first, err := h.Dedup.First(ctx, env.EventID)
		if err != nil {
			return err
		}
		if !first {
			h.logger().Debug("duplicate payment event", zap.String("event_id", env.EventID))
			return nil
		}
	}

	if err := h.apply(ctx, env); err != nil {
		if h.Dedup != nil {
			if ferr := h.Dedup.Forget(ctx, env.EventID); ferr != nil {
				h.logger().Warn("dedup forget failed", zap.String("event_id", env.EventID), zap.Error(ferr))
			}
		}
		return err
	}
	return nil
}

func (h *Handler) apply(ctx context.Context, env orders.Envelope) error {
	log := h.logger().With(zap.String("event_id", env.EventID), zap.String("event", env.EventType))

	switch env.EventType {
	case orders.EventPaymentAuthorized:
		p, err := kafkax.UnwrapPayload[orders.PaymentAuthorizedPayload](env.Payload)
		if err != nil {
			log.Warn("bad payload", zap.Error(err))
			return nil
		}
		_, err = h.Orders.ChangeStatus(ctx, p.OrderID, orders.StatusProcessed)
		if it, ok := orders.IsIllegalTransition(err); ok {
			// Order already expired or cancelled; the payment needs a refund upstream.
			log.Warn("payment authorized for order that left pending",
				zap.String("order_id", p.OrderID), zap.String("status", string(it.From)),
				zap.String("transaction_id", p.TransactionID))
			return nil
		}
		if errors.Is(err, orders.ErrNotFound) {
			log.Warn("payment for unknown order", zap.String("order_id", p.OrderID))
			return nil
		}
		if err == nil {
			log.Info("payment authorized", zap.String("order_id", p.OrderID), zap.String("transaction_id", p.TransactionID))
		}
		return err

	case orders.EventPaymentFailed:
		p, err := kafkax.UnwrapPayload[orders.PaymentFailedPayload](env.Payload)
		if err != nil {
			log.Warn("bad payload", zap.Error(err))
			return nil
		}
		released, err := h.Orders.Release(ctx, p.OrderID, orders.StatusCancelled)
		if errors.Is(err, orders.ErrNotFound) {
			log.Warn("payment failure for unknown order", zap.String("order_id", p.OrderID))
			return nil
		}
		if err != nil {
			return err
		}
		log.Info("payment failed", zap.String("order_id", p.OrderID), zap.String("reason", p.Reason), zap.Bool("released", released))
	}
	return nil
}
