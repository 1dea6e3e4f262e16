// Package reaper holds the background sweeps that hand abandoned stock back
// to the ledger. They only use the same store operations live traffic uses.
package reaper

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ariefcatur/go-stock-reservations/internal/metrics"
	"github.com/ariefcatur/go-stock-reservations/internal/orders"
	"github.com/ariefcatur/go-stock-reservations/internal/stock"
)

const DefaultBatchSize = 100

type SweepResult struct {
	Released int // reservations or orders released
	Units    int // stock units returned to the ledger
	Failed   int // items left for the next run
}

// ReservationSweeper releases reservations whose expiry has passed: their
// quantity goes back into stock and the line stays in the cart unreserved.
type ReservationSweeper struct {
	Store     orders.Store
	BatchSize int
	Now       func() time.Time
	Log       *zap.Logger
}

func (r *ReservationSweeper) Name() string { return "reservations" }

// Sweep releases expired reservations one batch per transaction. When a
// batch aborts, its items are retried one transaction each so a single bad
// row (a deleted product, say) cannot hold the rest back. Rows that still
// fail are logged and left reserved for the next run.
func (r *ReservationSweeper) Sweep(ctx context.Context) (SweepResult, error) {
	var (
		res  SweepResult
		now  = nowFunc(r.Now)()
		skip = map[string]bool{}
		log  = logger(r.Log).With(zap.String("reaper", r.Name()))
		size = batchSize(r.BatchSize)
	)
	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		var batch []orders.CartReservation
		err := r.Store.InTx(ctx, func(ctx context.Context, tx orders.Tx) error {
			batch = batch[:0]
			found, err := tx.ExpiredReservations(ctx, now, size+len(skip))
			if err != nil {
				return fmt.Errorf("select expired reservations: %w", err)
			}
			for _, cr := range found {
				if !skip[cr.ID] && len(batch) < size {
					batch = append(batch, cr)
				}
			}
			for _, cr := range batch {
				if err := releaseReservation(ctx, tx, cr); err != nil {
					return err
				}
			}
			return nil
		})
		if len(batch) == 0 {
			return res, err
		}
		if err == nil {
			for _, cr := range batch {
				res.Released++
				res.Units += cr.Quantity
			}
			metrics.ReleasedUnits.WithLabelValues(r.Name()).Add(float64(unitsOf(batch)))
			continue
		}

		log.Warn("batch aborted, releasing one by one", zap.Int("size", len(batch)), zap.Error(err))
		for _, cr := range batch {
			released, err := r.releaseOne(ctx, cr.ID, now)
			if err != nil {
				skip[cr.ID] = true
				res.Failed++
				metrics.SweepErrors.WithLabelValues(r.Name()).Inc()
				log.Error("reservation release failed",
					zap.String("reservation_id", cr.ID),
					zap.String("product_id", cr.ProductID),
					zap.Int("qty", cr.Quantity),
					zap.Error(err))
				continue
			}
			if released {
				res.Released++
				res.Units += cr.Quantity
				metrics.ReleasedUnits.WithLabelValues(r.Name()).Add(float64(cr.Quantity))
			}
		}
	}
}

// releaseOne re-reads the reservation so a row handled elsewhere since the
// batch was selected is left alone.
func (r *ReservationSweeper) releaseOne(ctx context.Context, id string, now time.Time) (bool, error) {
	released := false
	err := r.Store.InTx(ctx, func(ctx context.Context, tx orders.Tx) error {
		released = false
		cr, err := tx.GetReservation(ctx, id)
		if err != nil {
			return err
		}
		if !cr.Reserved || cr.ExpiresAt.After(now) {
			return nil
		}
		if err := releaseReservation(ctx, tx, cr); err != nil {
			return err
		}
		released = true
		return nil
	})
	return released, err
}

func releaseReservation(ctx context.Context, tx orders.Tx, cr orders.CartReservation) error {
	if _, err := stock.Put(ctx, tx, cr.ProductID, cr.Quantity); err != nil {
		return fmt.Errorf("restore %d units of %s for reservation %s: %w", cr.Quantity, cr.ProductID, cr.ID, err)
	}
	cr.Reserved = false
	return tx.UpdateReservation(ctx, cr)
}

func unitsOf(batch []orders.CartReservation) int {
	n := 0
	for _, cr := range batch {
		n += cr.Quantity
	}
	return n
}

func nowFunc(f func() time.Time) func() time.Time {
	if f != nil {
		return func() time.Time { return f().UTC() }
	}
	return func() time.Time { return time.Now().UTC() }
}

func logger(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}

func batchSize(n int) int {
	if n > 0 {
		return n
	}
	return DefaultBatchSize
}
