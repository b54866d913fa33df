package bus

import (
	"context"
	"sync"

	"orderflow/eventstore"
)

// MemoryBus is an in-process Bus for tests: each Subscribe call gets its own
// goroutine draining a channel fed by Publish, so multiple consumer groups
// each see every published event, exactly like independent RabbitMQ queues
// bound to the same exchange.
type MemoryBus struct {
	mu          sync.Mutex
	subscribers map[string][]*memorySubscriber // topic -> subscribers
	closed      bool
}

type memorySubscriber struct {
	group   string
	handler Handler
	ch      chan Delivery
}

// NewMemoryBus creates an empty MemoryBus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subscribers: make(map[string][]*memorySubscriber)}
}

// Publish fans e out synchronously-queued to every subscriber of topic.
func (b *MemoryBus) Publish(ctx context.Context, topic string, e eventstore.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	for _, sub := range b.subscribers[topic] {
		d := Delivery{
			Event: e,
			Topic: topic,
			ack:   func() error { return nil },
			nack:  func(bool) error { return nil },
		}
		select {
		case sub.ch <- d:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Subscribe registers handler for topics under group and starts a draining
// goroutine per topic.
func (b *MemoryBus) Subscribe(ctx context.Context, group string, topics []string, handler Handler) error {
	b.mu.Lock()
	for _, topic := range topics {
		sub := &memorySubscriber{group: group, handler: handler, ch: make(chan Delivery, 64)}
		b.subscribers[topic] = append(b.subscribers[topic], sub)
		go b.drain(ctx, sub)
	}
	b.mu.Unlock()
	return nil
}

func (b *MemoryBus) drain(ctx context.Context, sub *memorySubscriber) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-sub.ch:
			if !ok {
				return
			}
			_ = sub.handler(ctx, d)
		}
	}
}

// Close stops accepting new publishes. In-flight subscriber goroutines exit
// once their context is cancelled.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

var _ Bus = (*MemoryBus)(nil)
