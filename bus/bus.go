// Package bus implements the event bus described in spec §4.3: at-least-once
// delivery, per-aggregate-id ordering, consumer groups, and offset commits
// layered over a broker's native ack/nack.
package bus

import (
	"context"

	"orderflow/eventstore"
)

// Publisher publishes a single domain event to the bus. Implementations
// must be safe to call concurrently.
type Publisher interface {
	Publish(ctx context.Context, topic string, e eventstore.Event) error
	Close() error
}

// Delivery wraps one received event with the ack/nack handles a consumer
// uses to signal outcome back to the broker.
type Delivery struct {
	Event eventstore.Event
	Topic string

	// Redelivered is true when the broker is re-delivering this message
	// after a prior Nack or a crashed consumer — handlers must be
	// idempotent regardless, per spec §4.3 "at-least-once delivery".
	Redelivered bool

	ack  func() error
	nack func(requeue bool) error
}

// Ack commits the delivery, the bus equivalent of an offset commit: once
// acked, this delivery will not be redelivered to this consumer group.
func (d Delivery) Ack() error { return d.ack() }

// Nack signals processing failure. requeue=true asks the broker to
// redeliver (used for transient/storage errors); requeue=false drops the
// message after exhausting retries (used for poison messages).
func (d Delivery) Nack(requeue bool) error { return d.nack(requeue) }

// Handler processes one Delivery. Returning an error without having called
// Ack/Nack itself causes the consumer loop to Nack(requeue=true).
type Handler func(ctx context.Context, d Delivery) error

// Consumer subscribes a named consumer group to one or more topics. Multiple
// processes subscribing with the same group name compete for deliveries
// (each message goes to exactly one member); different group names each
// get their own independent copy of every message, per spec §4.3.
type Consumer interface {
	Subscribe(ctx context.Context, group string, topics []string, handler Handler) error
	Close() error
}

// Bus is the combined publish/subscribe surface wired into the command
// pipeline, projection pipeline, and saga coordinator.
type Bus interface {
	Publisher
	Consumer
}
