package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "stockres"

var (
	CartOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cart_operations_total",
		Help:      "Cart reservation operations by operation and result.",
	}, []string{"op", "result"})

	PlacementAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "order_placement_attempts_total",
		Help:      "Order placement transaction attempts by outcome.",
	}, []string{"outcome"})

	Placements = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "order_placements_total",
		Help:      "Order placement calls by final result.",
	}, []string{"result"})

	StatusTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "order_status_transitions_total",
		Help:      "Committed order status transitions.",
	}, []string{"from", "to"})

	ReleasedUnits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "released_stock_units_total",
		Help:      "Stock units returned to the ledger by background sweeps.",
	}, []string{"reaper"})

	SweepErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sweep_errors_total",
		Help:      "Failed sweep batches or items.",
	}, []string{"reaper"})

	SweepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "sweep_duration_seconds",
		Help:      "Wall time of one sweep run.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"reaper"})
)

func Handler() http.Handler { return promhttp.Handler() }
