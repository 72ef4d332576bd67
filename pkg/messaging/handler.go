package messaging

import "context"

type Handler[V any] interface {
	Handle(ctx context.Context, value V) error
}

type HandlerFunc[V any] func(ctx context.Context, value V) error

func (f HandlerFunc[V]) Handle(ctx context.Context, value V) error {
	return f(ctx, value)
}

// Routes maps a topic to the single handler for its records. It is built at
// startup and not modified afterwards.
type Routes[V any] map[string]Handler[V]

func (r Routes[V]) Lookup(topic string) (Handler[V], bool) {
	h, ok := r[topic]
	return h, ok
}

// Delivery describes the handler invocation in progress. Attempt starts at 1;
// LastAttempt is set when a transient failure will not be retried.
type Delivery struct {
	Record      Record
	Attempt     int
	LastAttempt bool
}

type deliveryKey struct{}

// RecordFromContext returns the transport record being handled, if any.
func RecordFromContext(ctx context.Context) (Record, bool) {
	d, ok := DeliveryFromContext(ctx)
	return d.Record, ok
}

func DeliveryFromContext(ctx context.Context) (Delivery, bool) {
	d, ok := ctx.Value(deliveryKey{}).(Delivery)
	return d, ok
}

func withDelivery(ctx context.Context, d Delivery) context.Context {
	return context.WithValue(ctx, deliveryKey{}, d)
}
