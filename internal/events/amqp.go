package events

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/streadway/amqp"
)

// AMQP is a bus on a RabbitMQ broker: one durable fanout exchange per topic and one durable queue
// per consumer group bound to it.
type AMQP struct {
	Prefetch int

	conn     *amqp.Connection
	mu       sync.Mutex // guards pub; amqp channels are not safe for concurrent publishing
	pub      *amqp.Channel
	declared map[string]bool
	log      zerolog.Logger
}

func DialAMQP(url string, log zerolog.Logger) (*AMQP, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	return &AMQP{
		Prefetch: 8,
		conn:     conn,
		pub:      ch,
		declared: make(map[string]bool),
		log:      log.With().Str("component", "bus.amqp").Logger(),
	}, nil
}

func declareExchange(ch *amqp.Channel, topic string) error {
	return ch.ExchangeDeclare(
		topic,    // name
		"fanout", // kind
		true,     // durable
		false,    // auto-deleted
		false,    // internal
		false,    // no-wait
		nil,
	)
}

func (b *AMQP) Publish(ctx context.Context, topic string, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	body, err := encode(ev)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.declared[topic] {
		if err := declareExchange(b.pub, topic); err != nil {
			return fmt.Errorf("declare exchange %s: %w", topic, err)
		}
		b.declared[topic] = true
	}
	return b.pub.Publish(topic, "", false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    ev.ID,
		Timestamp:    ev.DetectedAt,
		Body:         body,
	})
}

func (b *AMQP) Subscribe(ctx context.Context, topic, group string, h Handler) error {
	ch, err := b.conn.Channel()
	if err != nil {
		return fmt.Errorf("amqp channel: %w", err)
	}
	defer ch.Close()

	if err := declareExchange(ch, topic); err != nil {
		return fmt.Errorf("declare exchange %s: %w", topic, err)
	}
	q, err := ch.QueueDeclare(
		topic+"."+group, // name
		true,            // durable
		false,           // delete when unused
		false,           // exclusive
		false,           // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("declare queue: %w", err)
	}
	if err := ch.QueueBind(q.Name, "", topic, false, nil); err != nil {
		return fmt.Errorf("bind queue: %w", err)
	}
	if err := ch.Qos(b.Prefetch, 0, false); err != nil {
		return fmt.Errorf("qos: %w", err)
	}
	deliveries, err := ch.Consume(
		q.Name,
		"",    // consumer tag
		false, // autoAck = false for reliability
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("consume %s: %w", q.Name, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("amqp: delivery channel closed for %s", q.Name)
			}
			b.handle(ctx, d, h)
		}
	}
}

func (b *AMQP) handle(ctx context.Context, d amqp.Delivery, h Handler) {
	ev, err := decode(d.Body)
	if err != nil {
		b.log.Error().Err(err).Str("message_id", d.MessageId).Msg("dropping undecodable message")
		_ = d.Ack(false)
		return
	}
	if err := h(ctx, ev); err != nil {
		b.log.Warn().Err(err).Str("event_id", ev.ID).Msg("handler failed; requeueing")
		_ = d.Nack(false, true)
		return
	}
	_ = d.Ack(false)
}

func (b *AMQP) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	_ = b.pub.Close()
	return b.conn.Close()
}
