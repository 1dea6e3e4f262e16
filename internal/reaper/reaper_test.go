package reaper

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ariefcatur/go-stock-reservations/internal/cart"
	"github.com/ariefcatur/go-stock-reservations/internal/checkout"
	"github.com/ariefcatur/go-stock-reservations/internal/memstore"
	"github.com/ariefcatur/go-stock-reservations/internal/orders"
)

var now = time.Date(2026, 2, 2, 8, 0, 0, 0, time.UTC)

func clock() time.Time { return now }

func TestReservationSweep_ReleasesExpiredOnly(t *testing.T) {
	st := memstore.New()
	st.PutProduct(orders.Product{ID: "p1", CountInStock: 1})
	st.PutReservation(orders.CartReservation{ID: "old", UserID: "u1", ProductID: "p1", Quantity: 3, Reserved: true, ExpiresAt: now.Add(-time.Minute)})
	st.PutReservation(orders.CartReservation{ID: "edge", UserID: "u1", ProductID: "p1", Quantity: 1, Reserved: true, ExpiresAt: now})
	st.PutReservation(orders.CartReservation{ID: "fresh", UserID: "u1", ProductID: "p1", Quantity: 2, Reserved: true, ExpiresAt: now.Add(time.Minute)})

	sw := &ReservationSweeper{Store: st, Now: clock}
	res, err := sw.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Released: 2, Units: 4}, res)
	assert.Equal(t, 5, st.Stock("p1"))

	old, ok := st.Reservation("old")
	require.True(t, ok, "released reservations stay in the cart")
	assert.False(t, old.Reserved)
	fresh, _ := st.Reservation("fresh")
	assert.True(t, fresh.Reserved)
	assert.Len(t, st.Cart("u1"), 3)

	again, err := sw.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SweepResult{}, again)
	assert.Equal(t, 5, st.Stock("p1"))
}

func TestReservationSweep_WorksThroughBatches(t *testing.T) {
	st := memstore.New()
	st.PutProduct(orders.Product{ID: "p1"})
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		st.PutReservation(orders.CartReservation{ID: id, UserID: "u1", ProductID: "p1", Quantity: 1, Reserved: true, ExpiresAt: now.Add(-time.Hour)})
	}

	sw := &ReservationSweeper{Store: st, BatchSize: 2, Now: clock}
	res, err := sw.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, res.Released)
	assert.Equal(t, 5, st.Stock("p1"))
	// three batches with work plus the empty one that ends the run
	assert.Equal(t, 4, st.Transactions())
}

func TestReservationSweep_IsolatesMissingProduct(t *testing.T) {
	st := memstore.New()
	st.PutProduct(orders.Product{ID: "p1"})
	st.PutReservation(orders.CartReservation{ID: "a", UserID: "u1", ProductID: "p1", Quantity: 2, Reserved: true, ExpiresAt: now.Add(-2 * time.Hour)})
	st.PutReservation(orders.CartReservation{ID: "b", UserID: "u1", ProductID: "gone", Quantity: 1, Reserved: true, ExpiresAt: now.Add(-time.Hour)})
	st.PutReservation(orders.CartReservation{ID: "c", UserID: "u2", ProductID: "p1", Quantity: 4, Reserved: true, ExpiresAt: now.Add(-time.Minute)})

	sw := &ReservationSweeper{Store: st, Now: clock}
	res, err := sw.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Released: 2, Units: 6, Failed: 1}, res)
	assert.Equal(t, 6, st.Stock("p1"))

	b, _ := st.Reservation("b")
	assert.True(t, b.Reserved, "an unrestorable reservation must not be silently dropped")

	next, err := sw.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Failed: 1}, next)
}

func TestReservationSweep_SelectFailureIsReported(t *testing.T) {
	st := memstore.New()
	st.SetHook(func(op string) error {
		if op == "ExpiredReservations" {
			return errors.New("connection reset")
		}
		return nil
	})

	_, err := (&ReservationSweeper{Store: st, Now: clock}).Sweep(context.Background())
	assert.ErrorContains(t, err, "connection reset")
}

func seedPending(st *memstore.Store, id string, ordered time.Time, status orders.Status) {
	st.PutOrder(orders.Order{
		ID:            id,
		UserID:        "u1",
		Status:        status,
		StatusHistory: []orders.Status{status},
		DateOrdered:   ordered,
		Items: []orders.OrderItem{
			{ID: id + "-1", ProductID: "p1", Quantity: 2},
			{ID: id + "-2", ProductID: "p2", Quantity: 1},
		},
	})
}

func TestStaleOrderSweep_ExpiresOldPendingOrders(t *testing.T) {
	st := memstore.New()
	st.PutProduct(orders.Product{ID: "p1"})
	st.PutProduct(orders.Product{ID: "p2"})
	seedPending(st, "stale", now.Add(-25*time.Hour), orders.StatusPending)
	seedPending(st, "recent", now.Add(-time.Hour), orders.StatusPending)
	seedPending(st, "paid", now.Add(-48*time.Hour), orders.StatusProcessed)

	svc := &orders.Service{Store: st}
	sw := &StaleOrderSweeper{Orders: svc, Now: clock}
	res, err := sw.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Released: 1, Units: 3}, res)
	assert.Equal(t, 2, st.Stock("p1"))
	assert.Equal(t, 1, st.Stock("p2"))

	stale, err := svc.Get(context.Background(), "stale")
	require.NoError(t, err)
	assert.Equal(t, orders.StatusExpired, stale.Status)
	assert.Equal(t, []orders.Status{orders.StatusPending}, stale.StatusHistory)

	recent, _ := svc.Get(context.Background(), "recent")
	assert.Equal(t, orders.StatusPending, recent.Status)
	paid, _ := svc.Get(context.Background(), "paid")
	assert.Equal(t, orders.StatusProcessed, paid.Status)

	again, err := sw.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SweepResult{}, again)
}

func TestStaleOrderSweep_FailedOrderDoesNotBlockOthers(t *testing.T) {
	st := memstore.New()
	st.PutProduct(orders.Product{ID: "p1"})
	st.PutProduct(orders.Product{ID: "p2"})
	seedPending(st, "a", now.Add(-30*time.Hour), orders.StatusPending)
	st.PutOrder(orders.Order{
		ID: "broken", Status: orders.StatusPending, StatusHistory: []orders.Status{orders.StatusPending},
		DateOrdered: now.Add(-40 * time.Hour),
		Items:       []orders.OrderItem{{ID: "broken-1", ProductID: "deleted", Quantity: 1}},
	})

	sw := &StaleOrderSweeper{Orders: &orders.Service{Store: st}, BatchSize: 1, Now: clock}
	res, err := sw.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Released: 1, Units: 3, Failed: 1}, res)
}

type fakeSweeper struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeSweeper) Name() string { return "fake" }

func (f *fakeSweeper) Sweep(context.Context) (SweepResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return SweepResult{Released: 1}, f.err
}

func (f *fakeSweeper) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeLocker struct {
	held     bool
	unlocked int
	name     string
}

func (l *fakeLocker) TryLock(_ context.Context, name string, _ time.Duration) (func(context.Context) error, bool, error) {
	l.name = name
	if l.held {
		return nil, false, nil
	}
	return func(context.Context) error { l.unlocked++; return nil }, true, nil
}

func TestScheduler_RunsImmediatelyAndOnTicks(t *testing.T) {
	sw := &fakeSweeper{}
	s := &Scheduler{Sweeper: sw, Interval: 5 * time.Millisecond}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	assert.Eventually(t, func() bool { return sw.count() >= 3 }, time.Second, time.Millisecond)
	cancel()
	assert.NoError(t, <-done)
}

func TestScheduler_FailedSweepKeepsRunning(t *testing.T) {
	sw := &fakeSweeper{err: errors.New("db down")}
	s := &Scheduler{Sweeper: sw, Interval: 5 * time.Millisecond}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	assert.Eventually(t, func() bool { return sw.count() >= 2 }, time.Second, time.Millisecond)
	cancel()
	assert.NoError(t, <-done)
}

func TestScheduler_RespectsLock(t *testing.T) {
	sw := &fakeSweeper{}
	l := &fakeLocker{held: true}
	s := &Scheduler{Sweeper: sw, Interval: time.Minute, Locker: l}

	assert.False(t, s.RunOnce(context.Background()))
	assert.Zero(t, sw.count())
	assert.Equal(t, "reaper:fake", l.name)

	l.held = false
	assert.True(t, s.RunOnce(context.Background()))
	assert.Equal(t, 1, sw.count())
	assert.Equal(t, 1, l.unlocked)
}

// Stock on the shelf, stock held by live reservations and stock sold must
// always add up to what the product started with.
func TestConservationAcrossCartCheckoutAndSweeps(t *testing.T) {
	const initial = 20
	st := memstore.New()
	st.PutProduct(orders.Product{ID: "p1", PriceCents: 100, CountInStock: initial})
	users := []string{"u1", "u2", "u3", "u4"}
	for _, u := range users {
		st.PutUser(orders.User{ID: u})
	}

	current := now
	tick := func() time.Time { return current }
	carts := &cart.Service{Store: st, TTL: 10 * time.Minute, Now: tick}
	saga := &checkout.Saga{Store: st, Backoff: time.Millisecond, MaxAttempts: 1, Now: tick}
	sweeper := &ReservationSweeper{Store: st, Now: tick}
	stale := &StaleOrderSweeper{Orders: &orders.Service{Store: st}, MaxAge: time.Hour, Now: tick}
	ctx := context.Background()

	check := func(step string) {
		t.Helper()
		reserved := 0
		for _, r := range st.Reservations() {
			if r.Reserved {
				reserved += r.Quantity
			}
		}
		sold := 0
		for _, o := range st.Orders() {
			if o.Status == orders.StatusExpired || o.Status == orders.StatusCancelled {
				continue
			}
			for _, it := range o.Items {
				sold += it.Quantity
			}
		}
		require.GreaterOrEqual(t, st.Stock("p1"), 0, step)
		require.Equal(t, initial, st.Stock("p1")+reserved+sold, step)
	}

	for round := 0; round < 4; round++ {
		for i, u := range users {
			_, _ = carts.AddToCart(ctx, u, "p1", i+1, orders.Variant{})
			check("add")
		}

		lines, err := carts.ListCart(ctx, "u1")
		require.NoError(t, err)
		for _, l := range lines {
			_, _ = carts.RemoveFromCart(ctx, "u1", l.ID)
			check("remove")
		}

		lines, err = carts.ListCart(ctx, "u2")
		require.NoError(t, err)
		for _, l := range lines {
			_, _ = saga.PlaceOrder(ctx, checkout.PlaceOrderInput{
				UserID:       "u2",
				Items:        []orders.LineItem{{ProductID: l.ProductID, Quantity: l.Quantity, CartReservationID: l.ID}},
				DeferPayment: round%2 == 0,
			})
			check("checkout")
		}

		lines, err = carts.ListCart(ctx, "u3")
		require.NoError(t, err)
		for _, l := range lines {
			_, _ = carts.ModifyQuantity(ctx, "u3", l.ID, 1)
			check("modify")
		}

		current = current.Add(2 * time.Hour)
		_, err = sweeper.Sweep(ctx)
		require.NoError(t, err)
		check("reservation sweep")
		_, err = stale.Sweep(ctx)
		require.NoError(t, err)
		check("stale sweep")
	}
}
