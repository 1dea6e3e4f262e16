package reaper

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-stock-reservations/internal/metrics"
)

var tracer = otel.Tracer("github.com/ariefcatur/go-stock-reservations/internal/reaper")

type Sweeper interface {
	Name() string
	Sweep(ctx context.Context) (SweepResult, error)
}

// Locker grants a named lease so only one worker replica sweeps at a time.
// ok=false means somebody else holds it.
type Locker interface {
	TryLock(ctx context.Context, name string, ttl time.Duration) (unlock func(context.Context) error, ok bool, err error)
}

// Scheduler runs one sweeper right away and then every Interval until ctx
// is done. A failed run is logged and the next tick tries again.
type Scheduler struct {
	Sweeper  Sweeper
	Interval time.Duration
	Locker   Locker // optional
	Log      *zap.Logger
}

func (s *Scheduler) Run(ctx context.Context) error {
	log := logger(s.Log).With(zap.String("reaper", s.Sweeper.Name()))
	log.Info("reaper started", zap.Duration("interval", s.Interval))

	t := time.NewTicker(s.Interval)
	defer t.Stop()

	s.RunOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			log.Info("reaper stopping")
			return nil
		case <-t.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single guarded sweep. It reports whether the sweep ran.
func (s *Scheduler) RunOnce(ctx context.Context) bool {
	name := s.Sweeper.Name()
	log := logger(s.Log).With(zap.String("reaper", name))

	if s.Locker != nil {
		unlock, ok, err := s.Locker.TryLock(ctx, "reaper:"+name, s.Interval)
		if err != nil {
			metrics.SweepErrors.WithLabelValues(name).Inc()
			log.Error("reaper lock failed", zap.Error(err))
			return false
		}
		if !ok {
			log.Debug("reaper lock held elsewhere, skipping run")
			return false
		}
		defer func() {
			if err := unlock(context.WithoutCancel(ctx)); err != nil {
				log.Warn("reaper unlock failed", zap.Error(err))
			}
		}()
	}

	ctx, span := tracer.Start(ctx, "reaper."+name)
	defer span.End()

	start := time.Now()
	res, err := s.Sweeper.Sweep(ctx)
	metrics.SweepDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	span.SetAttributes(
		attribute.Int("reaper.released", res.Released),
		attribute.Int("reaper.units", res.Units),
		attribute.Int("reaper.failed", res.Failed),
	)

	fields := []zap.Field{
		zap.Int("released", res.Released),
		zap.Int("units", res.Units),
		zap.Int("failed", res.Failed),
		zap.Duration("took", time.Since(start)),
	}
	if err != nil {
		metrics.SweepErrors.WithLabelValues(name).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Error("sweep failed", append(fields, zap.Error(err))...)
		return true
	}
	if res.Released > 0 || res.Failed > 0 {
		log.Info("sweep done", fields...)
	}
	span.SetStatus(codes.Ok, "")
	return true
}
