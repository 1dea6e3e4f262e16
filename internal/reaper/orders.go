package reaper

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ariefcatur/go-stock-reservations/internal/metrics"
	"github.com/ariefcatur/go-stock-reservations/internal/orders"
)

const DefaultStaleOrderAge = 24 * time.Hour

// StaleOrderSweeper expires orders stuck in pending for longer than MaxAge,
// returning their items to stock through orders.Service.Release.
type StaleOrderSweeper struct {
	Orders    *orders.Service
	MaxAge    time.Duration
	BatchSize int
	Now       func() time.Time
	Log       *zap.Logger
}

func (s *StaleOrderSweeper) Name() string { return "stale_orders" }

func (s *StaleOrderSweeper) Sweep(ctx context.Context) (SweepResult, error) {
	age := s.MaxAge
	if age <= 0 {
		age = DefaultStaleOrderAge
	}
	var (
		res    SweepResult
		cutoff = nowFunc(s.Now)().Add(-age)
		skip   = map[string]bool{}
		log    = logger(s.Log).With(zap.String("reaper", s.Name()))
		size   = batchSize(s.BatchSize)
	)
	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		found, err := s.Orders.List(ctx, orders.OrderFilter{
			Status:        orders.StatusPending,
			OrderedBefore: cutoff,
			Limit:         size + len(skip),
		})
		if err != nil {
			return res, err
		}
		progressed := false
		for _, o := range found {
			if skip[o.ID] {
				continue
			}
			progressed = true
			released, err := s.Orders.Release(ctx, o.ID, orders.StatusExpired)
			if err != nil {
				res.Failed++
				metrics.SweepErrors.WithLabelValues(s.Name()).Inc()
				log.Error("stale order release failed", zap.String("order_id", o.ID), zap.Error(err))
			}
			if released {
				units := 0
				for _, it := range o.Items {
					units += it.Quantity
				}
				res.Released++
				res.Units += units
				metrics.ReleasedUnits.WithLabelValues(s.Name()).Add(float64(units))
				log.Info("stale order expired", zap.String("order_id", o.ID), zap.Int("units", units))
			}
			if !released {
				// Still pending or raced away; do not pick it again this run.
				skip[o.ID] = true
			}
		}
		if !progressed {
			return res, nil
		}
	}
}
