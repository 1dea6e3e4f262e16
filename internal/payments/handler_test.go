package payments

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kafkax "github.com/ariefcatur/go-stock-reservations/internal/kafka"
	"github.com/ariefcatur/go-stock-reservations/internal/memstore"
	"github.com/ariefcatur/go-stock-reservations/internal/orders"
)

type memDedup struct {
	seen   map[string]bool
	failOn string
}

func (d *memDedup) First(_ context.Context, id string) (bool, error) {
	if id == d.failOn {
		return false, errors.New("redis down")
	}
	if d.seen[id] {
		return false, nil
	}
	d.seen[id] = true
	return true, nil
}

func (d *memDedup) Forget(_ context.Context, id string) error {
	delete(d.seen, id)
	return nil
}

func message(t *testing.T, eventID, eventType string, payload any) kafkago.Message {
	t.Helper()
	b, err := json.Marshal(payload)
	require.NoError(t, err)
	env := orders.Envelope{EventID: eventID, EventType: eventType, EventVersion: 1, OccurredAt: time.Now().UTC(), Payload: b}
	return kafkago.Message{Value: kafkax.MustMarshal(env)}
}

func setup(status orders.Status) (*Handler, *memstore.Store, *memDedup) {
	st := memstore.New()
	st.PutProduct(orders.Product{ID: "p1", CountInStock: 0})
	st.PutOrder(orders.Order{
		ID: "o1", UserID: "u1", Status: status, StatusHistory: []orders.Status{status},
		Items: []orders.OrderItem{{ID: "i1", ProductID: "p1", Quantity: 2}},
	})
	d := &memDedup{seen: map[string]bool{}}
	return &Handler{Orders: &orders.Service{Store: st}, Dedup: d}, st, d
}

func statusOf(t *testing.T, h *Handler, id string) orders.Status {
	t.Helper()
	o, err := h.Orders.Get(context.Background(), id)
	require.NoError(t, err)
	return o.Status
}

func TestAuthorizedMovesPendingToProcessed(t *testing.T) {
	h, st, _ := setup(orders.StatusPending)

	err := h.Handle(context.Background(), message(t, "e1", orders.EventPaymentAuthorized,
		orders.PaymentAuthorizedPayload{OrderID: "o1", TransactionID: "tx-9"}))
	require.NoError(t, err)
	assert.Equal(t, orders.StatusProcessed, statusOf(t, h, "o1"))
	assert.Equal(t, 0, st.Stock("p1"))
}

func TestAuthorizedAfterExpiryIsAcknowledged(t *testing.T) {
	h, _, _ := setup(orders.StatusExpired)

	err := h.Handle(context.Background(), message(t, "e1", orders.EventPaymentAuthorized,
		orders.PaymentAuthorizedPayload{OrderID: "o1"}))
	require.NoError(t, err)
	assert.Equal(t, orders.StatusExpired, statusOf(t, h, "o1"))
}

func TestFailedCancelsAndRestocks(t *testing.T) {
	h, st, _ := setup(orders.StatusPending)

	err := h.Handle(context.Background(), message(t, "e1", orders.EventPaymentFailed,
		orders.PaymentFailedPayload{OrderID: "o1", Reason: "card declined"}))
	require.NoError(t, err)
	assert.Equal(t, orders.StatusCancelled, statusOf(t, h, "o1"))
	assert.Equal(t, 2, st.Stock("p1"))
}

func TestDuplicateEventIsIgnored(t *testing.T) {
	h, st, _ := setup(orders.StatusPending)
	msg := message(t, "e1", orders.EventPaymentFailed, orders.PaymentFailedPayload{OrderID: "o1"})

	require.NoError(t, h.Handle(context.Background(), msg))
	// Put the order back to pending; a redelivery must still not release twice.
	st.PutOrder(orders.Order{ID: "o1", Status: orders.StatusPending, Items: []orders.OrderItem{{ID: "i1", ProductID: "p1", Quantity: 2}}})
	require.NoError(t, h.Handle(context.Background(), msg))
	assert.Equal(t, 2, st.Stock("p1"))
}

func TestFailedApplyForgetsEventForRedelivery(t *testing.T) {
	h, st, d := setup(orders.StatusPending)
	st.DeleteProduct("p1")

	err := h.Handle(context.Background(), message(t, "e1", orders.EventPaymentFailed, orders.PaymentFailedPayload{OrderID: "o1"}))
	require.Error(t, err)
	assert.False(t, d.seen["e1"])
}

func TestDedupErrorIsReturned(t *testing.T) {
	h, _, d := setup(orders.StatusPending)
	d.failOn = "e1"

	err := h.Handle(context.Background(), message(t, "e1", orders.EventPaymentAuthorized, orders.PaymentAuthorizedPayload{OrderID: "o1"}))
	assert.Error(t, err)
	assert.Equal(t, orders.StatusPending, statusOf(t, h, "o1"))
}

func TestUnknownOrderAndJunkAreAcknowledged(t *testing.T) {
	h, _, _ := setup(orders.StatusPending)

	assert.NoError(t, h.Handle(context.Background(), message(t, "e1", orders.EventPaymentAuthorized, orders.PaymentAuthorizedPayload{OrderID: "nope"})))
	assert.NoError(t, h.Handle(context.Background(), message(t, "e2", orders.EventOrderPlaced, map[string]string{})))
	assert.NoError(t, h.Handle(context.Background(), kafkago.Message{Value: []byte("not json")}))
}
