package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/rabbitmq/amqp091-go"

	"orderflow/apperr"
	"orderflow/eventstore"
)

// RabbitMQBus is the durable Bus implementation: one topic exchange per
// logical topic (order-events, payment-events, ...), routing key = event
// type, and a queue per (consumer group, topic) pair so independent groups
// each see every message while members of the same group compete for it.
//
// Ordering per aggregate is preserved as long as a topic's queue has a
// single active consumer with prefetch 1 — RabbitMQ delivers a queue's
// messages in publish order to a lone consumer. The x-aggregate-id header
// is carried so a multi-consumer deployment can shard by hashing it.
type RabbitMQBus struct {
	url  string
	mu   sync.Mutex
	conn *amqp091.Connection
	ch   *amqp091.Channel
}

// NewRabbitMQBus builds a disconnected RabbitMQBus; call Connect before use.
func NewRabbitMQBus(url string) *RabbitMQBus {
	return &RabbitMQBus{url: url}
}

// Connect dials the broker and opens the publishing channel.
func (b *RabbitMQBus) Connect() error {
	conn, err := amqp091.Dial(b.url)
	if err != nil {
		return apperr.Wrap(apperr.Bus, "dial rabbitmq", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return apperr.Wrap(apperr.Bus, "open channel", err)
	}
	b.conn = conn
	b.ch = ch
	log.Println("✅ Connected to RabbitMQ")
	return nil
}

func (b *RabbitMQBus) declareExchange(ch *amqp091.Channel, topic string) error {
	return ch.ExchangeDeclare(topic, "topic", true, false, false, false, nil)
}

// Publish sends e to topic, routed by e.EventType, with delivery mode
// persistent and an x-aggregate-id header for ordering-aware consumers.
func (b *RabbitMQBus) Publish(ctx context.Context, topic string, e eventstore.Event) error {
	b.mu.Lock()
	ch := b.ch
	b.mu.Unlock()
	if ch == nil {
		return apperr.New(apperr.Bus, "rabbitmq channel not initialized")
	}
	if err := b.declareExchange(ch, topic); err != nil {
		return apperr.Wrap(apperr.Bus, "declare exchange", err)
	}
	body, err := json.Marshal(e)
	if err != nil {
		return apperr.Wrap(apperr.Serialization, "marshal event for publish", err)
	}
	err = ch.PublishWithContext(ctx, topic, e.EventType, false, false, amqp091.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp091.Persistent,
		MessageId:    e.EventID,
		Headers: amqp091.Table{
			"x-aggregate-id": e.AggregateID,
		},
	})
	if err != nil {
		return apperr.Wrap(apperr.Bus, fmt.Sprintf("publish event %s", e.EventType), err)
	}
	log.Printf("📤 published %s (topic=%s aggregate=%s)", e.EventType, topic, e.AggregateID)
	return nil
}

// Subscribe binds a durable queue named "<group>.<topic>" to topic's
// exchange with a catch-all routing pattern, then streams deliveries to
// handler with manual ack, giving at-least-once semantics: handler errors
// (or explicit Nack) cause redelivery.
func (b *RabbitMQBus) Subscribe(ctx context.Context, group string, topics []string, handler Handler) error {
	for _, topic := range topics {
		if err := b.subscribeOne(ctx, group, topic, handler); err != nil {
			return err
		}
	}
	return nil
}

func (b *RabbitMQBus) subscribeOne(ctx context.Context, group, topic string, handler Handler) error {
	ch, err := b.conn.Channel()
	if err != nil {
		return apperr.Wrap(apperr.Bus, "open consumer channel", err)
	}
	if err := ch.Qos(1, 0, false); err != nil {
		return apperr.Wrap(apperr.Bus, "set prefetch", err)
	}
	if err := b.declareExchange(ch, topic); err != nil {
		return apperr.Wrap(apperr.Bus, "declare exchange", err)
	}
	queueName := fmt.Sprintf("%s.%s", group, topic)
	queue, err := ch.QueueDeclare(queueName, true, false, false, false, nil)
	if err != nil {
		return apperr.Wrap(apperr.Bus, "declare queue", err)
	}
	if err := ch.QueueBind(queue.Name, "#", topic, false, nil); err != nil {
		return apperr.Wrap(apperr.Bus, "bind queue", err)
	}
	msgs, err := ch.Consume(queue.Name, "", false, false, false, false, nil)
	if err != nil {
		return apperr.Wrap(apperr.Bus, "consume", err)
	}

	go func() {
		log.Printf("👂 consumer group %q subscribed to %s (queue %s)", group, topic, queueName)
		for {
			select {
			case <-ctx.Done():
				ch.Close()
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var e eventstore.Event
				if err := json.Unmarshal(msg.Body, &e); err != nil {
					log.Printf("❌ poison message on %s: %v", topic, err)
					msg.Nack(false, false)
					continue
				}
				d := Delivery{
					Event:       e,
					Topic:       topic,
					Redelivered: msg.Redelivered,
					ack:         func() error { return msg.Ack(false) },
					nack:        func(requeue bool) error { return msg.Nack(false, requeue) },
				}
				if err := handler(ctx, d); err != nil {
					log.Printf("❌ handler failed for %s: %v", e.EventType, err)
					if nackErr := d.Nack(true); nackErr != nil {
						log.Printf("❌ nack failed: %v", nackErr)
					}
					continue
				}
			}
		}
	}()
	return nil
}

// Close tears down the channel and connection.
func (b *RabbitMQBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ch != nil {
		b.ch.Close()
	}
	if b.conn != nil {
		return b.conn.Close()
	}
	return nil
}

var _ Bus = (*RabbitMQBus)(nil)
