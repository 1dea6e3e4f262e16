// Package notify publishes order lifecycle events as Kafka envelopes.
package notify

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	kafkago "github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel/trace"

	kafkax "github.com/ariefcatur/go-stock-reservations/internal/kafka"
	"github.com/ariefcatur/go-stock-reservations/internal/orders"
)

var ErrDropped = errors.New("notification dropped")

type publisher interface {
	Publish(ctx context.Context, key, value []byte, headers ...kafkago.Header) bool
}

// Kafka implements orders.Notifier on top of the async producer.
type Kafka struct {
	Producer publisher
	Service  string
	Now      func() time.Time
}

func (k *Kafka) Notify(ctx context.Context, ev orders.Event) error {
	env := k.envelope(ctx, ev)
	if !k.Producer.Publish(ctx, orders.PartitionKey(ev.OrderID), kafkax.MustMarshal(env), kafkax.EnvelopeHeaders(env)...) {
		return ErrDropped
	}
	return nil
}

func (k *Kafka) envelope(ctx context.Context, ev orders.Event) orders.Envelope {
	now := time.Now
	if k.Now != nil {
		now = k.Now
	}
	env := orders.Envelope{
		EventID:       uuid.NewString(),
		EventType:     ev.Type,
		EventVersion:  1,
		OccurredAt:    now().UTC(),
		Producer:      k.Service,
		CorrelationID: ev.OrderID,
		Payload:       kafkax.MustMarshal(ev.Payload),
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		env.TraceID = sc.TraceID().String()
	}
	return env
}
