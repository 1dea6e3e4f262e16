package cart

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ariefcatur/go-stock-reservations/internal/memstore"
	"github.com/ariefcatur/go-stock-reservations/internal/orders"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func setup(t *testing.T, stockCount int) (*Service, *memstore.Store) {
	t.Helper()
	st := memstore.New()
	st.PutUser(orders.User{ID: "u1", Email: "u1@example.com"})
	st.PutUser(orders.User{ID: "u2", Email: "u2@example.com"})
	st.PutProduct(orders.Product{ID: "p1", Name: "Kente scarf", Image: "scarf.png", PriceCents: 2500, CountInStock: stockCount})
	svc := &Service{Store: st, Now: func() time.Time { return fixedNow }}
	return svc, st
}

func TestAddToCart_NewLineReservesStock(t *testing.T) {
	svc, st := setup(t, 5)

	res, err := svc.AddToCart(context.Background(), "u1", "p1", 2, orders.Variant{Size: "M"})
	require.NoError(t, err)

	assert.True(t, res.Reserved)
	assert.Equal(t, 2, res.Quantity)
	assert.Equal(t, "Kente scarf", res.ProductName)
	assert.Equal(t, int64(2500), res.ProductPrice)
	assert.Equal(t, fixedNow.Add(30*time.Minute), res.ExpiresAt)
	assert.Equal(t, 3, st.Stock("p1"))
	assert.Equal(t, []string{res.ID}, st.Cart("u1"))
}

func TestAddToCart_SameVariantMergesLine(t *testing.T) {
	svc, st := setup(t, 5)
	ctx := context.Background()

	first, err := svc.AddToCart(ctx, "u1", "p1", 1, orders.Variant{Color: "red"})
	require.NoError(t, err)
	svc.Now = func() time.Time { return fixedNow.Add(10 * time.Minute) }
	second, err := svc.AddToCart(ctx, "u1", "p1", 2, orders.Variant{Color: "red"})
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 3, second.Quantity)
	assert.Equal(t, fixedNow.Add(40*time.Minute), second.ExpiresAt)
	assert.Equal(t, 2, st.Stock("p1"))
	assert.Len(t, st.Cart("u1"), 1)
}

func TestAddToCart_DifferentVariantIsSeparateLine(t *testing.T) {
	svc, st := setup(t, 5)
	ctx := context.Background()

	_, err := svc.AddToCart(ctx, "u1", "p1", 1, orders.Variant{Color: "red"})
	require.NoError(t, err)
	_, err = svc.AddToCart(ctx, "u1", "p1", 1, orders.Variant{Color: "blue"})
	require.NoError(t, err)

	assert.Len(t, st.Cart("u1"), 2)
	assert.Equal(t, 3, st.Stock("p1"))
}

func TestAddToCart_OutOfStockLeavesNothingBehind(t *testing.T) {
	svc, st := setup(t, 1)

	_, err := svc.AddToCart(context.Background(), "u1", "p1", 2, orders.Variant{})
	assert.ErrorIs(t, err, orders.ErrOutOfStock)
	assert.Equal(t, 1, st.Stock("p1"))
	assert.Empty(t, st.Cart("u1"))
	assert.Empty(t, st.Reservations())
}

func TestAddToCart_MergeOutOfStockKeepsLine(t *testing.T) {
	svc, st := setup(t, 2)
	ctx := context.Background()

	res, err := svc.AddToCart(ctx, "u1", "p1", 2, orders.Variant{})
	require.NoError(t, err)
	_, err = svc.AddToCart(ctx, "u1", "p1", 1, orders.Variant{})
	assert.ErrorIs(t, err, orders.ErrOutOfStock)

	got, ok := st.Reservation(res.ID)
	require.True(t, ok)
	assert.Equal(t, 2, got.Quantity)
	assert.Equal(t, 0, st.Stock("p1"))
}

func TestAddToCart_ReReservesReleasedLine(t *testing.T) {
	svc, st := setup(t, 5)
	st.PutReservation(orders.CartReservation{ID: "r1", UserID: "u1", ProductID: "p1", Quantity: 2, Reserved: false})

	res, err := svc.AddToCart(context.Background(), "u1", "p1", 1, orders.Variant{})
	require.NoError(t, err)

	assert.Equal(t, "r1", res.ID)
	assert.True(t, res.Reserved)
	assert.Equal(t, 3, res.Quantity)
	assert.Equal(t, 2, st.Stock("p1"))
}

func TestAddToCart_NotFoundAndValidation(t *testing.T) {
	svc, _ := setup(t, 5)
	ctx := context.Background()

	_, err := svc.AddToCart(ctx, "nobody", "p1", 1, orders.Variant{})
	assert.ErrorIs(t, err, orders.ErrUserNotFound)

	_, err = svc.AddToCart(ctx, "u1", "missing", 1, orders.Variant{})
	assert.ErrorIs(t, err, orders.ErrProductNotFound)
	assert.ErrorIs(t, err, orders.ErrNotFound)

	_, err = svc.AddToCart(ctx, "u1", "p1", 0, orders.Variant{})
	assert.ErrorIs(t, err, orders.ErrInvalidQuantity)
}

func TestAddToCart_ConcurrentLastUnitsOnlyOneWins(t *testing.T) {
	svc, st := setup(t, 3)

	var (
		wg   sync.WaitGroup
		errs = make([]error, 2)
	)
	for i, user := range []string{"u1", "u2"} {
		wg.Add(1)
		go func(i int, user string) {
			defer wg.Done()
			_, errs[i] = svc.AddToCart(context.Background(), user, "p1", 3, orders.Variant{})
		}(i, user)
	}
	wg.Wait()

	var ok, oos int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, orders.ErrOutOfStock):
			oos++
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, oos)
	assert.Equal(t, 0, st.Stock("p1"))
	assert.Len(t, st.Reservations(), 1)
}

func TestAddToCart_ManyConcurrentShoppersNeverOversell(t *testing.T) {
	svc, st := setup(t, 10)
	for i := 0; i < 20; i++ {
		st.PutUser(orders.User{ID: userID(i)})
	}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = svc.AddToCart(context.Background(), userID(i), "p1", 1, orders.Variant{})
		}(i)
	}
	wg.Wait()

	reserved := 0
	for _, r := range st.Reservations() {
		reserved += r.Quantity
	}
	assert.Equal(t, 0, st.Stock("p1"))
	assert.Equal(t, 10, reserved)
}

func userID(i int) string { return "shopper-" + string(rune('a'+i)) }

func TestRemoveFromCart_RoundTripRestoresStock(t *testing.T) {
	svc, st := setup(t, 5)
	ctx := context.Background()

	res, err := svc.AddToCart(ctx, "u1", "p1", 2, orders.Variant{})
	require.NoError(t, err)
	removed, err := svc.RemoveFromCart(ctx, "u1", res.ID)
	require.NoError(t, err)

	assert.Equal(t, res.ID, removed.ID)
	assert.Equal(t, 5, st.Stock("p1"))
	assert.Empty(t, st.Cart("u1"))
	_, ok := st.Reservation(res.ID)
	assert.False(t, ok)
}

func TestRemoveFromCart_UnreservedLineDoesNotRestock(t *testing.T) {
	svc, st := setup(t, 5)
	st.PutReservation(orders.CartReservation{ID: "r1", UserID: "u1", ProductID: "p1", Quantity: 2, Reserved: false})

	_, err := svc.RemoveFromCart(context.Background(), "u1", "r1")
	require.NoError(t, err)
	assert.Equal(t, 5, st.Stock("p1"))
}

func TestRemoveFromCart_OtherUsersLineIsNotFound(t *testing.T) {
	svc, st := setup(t, 5)
	res, err := svc.AddToCart(context.Background(), "u1", "p1", 1, orders.Variant{})
	require.NoError(t, err)

	_, err = svc.RemoveFromCart(context.Background(), "u2", res.ID)
	assert.ErrorIs(t, err, orders.ErrReservationNotFound)
	assert.Equal(t, 4, st.Stock("p1"))
}

func TestRemoveFromCart_DeletedProductStillRemovesLine(t *testing.T) {
	svc, st := setup(t, 5)
	res, err := svc.AddToCart(context.Background(), "u1", "p1", 1, orders.Variant{})
	require.NoError(t, err)
	st.DeleteProduct("p1")

	_, err = svc.RemoveFromCart(context.Background(), "u1", res.ID)
	require.NoError(t, err)
	assert.Empty(t, st.Cart("u1"))
}

func TestModifyQuantity_MovesOnlyTheDelta(t *testing.T) {
	svc, st := setup(t, 5)
	ctx := context.Background()
	res, err := svc.AddToCart(ctx, "u1", "p1", 2, orders.Variant{})
	require.NoError(t, err)

	up, err := svc.ModifyQuantity(ctx, "u1", res.ID, 4)
	require.NoError(t, err)
	assert.Equal(t, 4, up.Quantity)
	assert.Equal(t, 1, st.Stock("p1"))

	down, err := svc.ModifyQuantity(ctx, "u1", res.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, down.Quantity)
	assert.Equal(t, 4, st.Stock("p1"))

	_, err = svc.ModifyQuantity(ctx, "u1", res.ID, 6)
	assert.ErrorIs(t, err, orders.ErrOutOfStock)
	assert.Equal(t, 4, st.Stock("p1"))

	_, err = svc.ModifyQuantity(ctx, "u1", res.ID, 0)
	assert.ErrorIs(t, err, orders.ErrInvalidQuantity)
}

func TestModifyQuantity_UnreservedLineIsReservedAgain(t *testing.T) {
	svc, st := setup(t, 5)
	st.PutReservation(orders.CartReservation{ID: "r1", UserID: "u1", ProductID: "p1", Quantity: 1, Reserved: false})

	res, err := svc.ModifyQuantity(context.Background(), "u1", "r1", 3)
	require.NoError(t, err)
	assert.True(t, res.Reserved)
	assert.Equal(t, 2, st.Stock("p1"))
}

func TestListCart_FlagsOnlyUnreservedShortLines(t *testing.T) {
	svc, st := setup(t, 1)
	st.PutProduct(orders.Product{ID: "p2", Name: "Gone soon", CountInStock: 0})
	st.PutReservation(orders.CartReservation{ID: "r1", UserID: "u1", ProductID: "p1", Quantity: 4, Reserved: true, ProductName: "old name"})
	st.PutReservation(orders.CartReservation{ID: "r2", UserID: "u1", ProductID: "p1", Quantity: 2, Reserved: false})
	st.PutReservation(orders.CartReservation{ID: "r3", UserID: "u1", ProductID: "p2", Quantity: 1, Reserved: false})
	st.DeleteProduct("p2")

	lines, err := svc.ListCart(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, lines, 3)

	assert.True(t, lines[0].ProductExists)
	assert.False(t, lines[0].ProductOutOfStock)
	assert.Equal(t, "Kente scarf", lines[0].ProductName)

	assert.True(t, lines[1].ProductExists)
	assert.True(t, lines[1].ProductOutOfStock)

	assert.False(t, lines[2].ProductExists)
	assert.True(t, lines[2].ProductOutOfStock)
}

func TestGetCartLineAndCount(t *testing.T) {
	svc, _ := setup(t, 5)
	ctx := context.Background()
	res, err := svc.AddToCart(ctx, "u1", "p1", 1, orders.Variant{})
	require.NoError(t, err)

	line, err := svc.GetCartLine(ctx, "u1", res.ID)
	require.NoError(t, err)
	assert.Equal(t, res.ID, line.ID)

	_, err = svc.GetCartLine(ctx, "u2", res.ID)
	assert.ErrorIs(t, err, orders.ErrReservationNotFound)

	n, err := svc.CartCount(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
