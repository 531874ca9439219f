package rabbitmq

import (
	"fmt"
	"log"
	"strings"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Handler processes one message body and reports whether it was handled.
type Handler func(body []byte) bool

// ConsumerOptions tunes delivery. Zero values pick the defaults.
type ConsumerOptions struct {
	// Prefetch bounds unacknowledged deliveries per consumer. Defaults to 16.
	Prefetch int
	// DeadLetterExchange receives messages that fail twice. Empty drops them.
	DeadLetterExchange string
}

// Consumer binds handlers to routing keys on a durable queue.
type Consumer struct {
	conn *amqp.Connection
	ch   *amqp.Channel
	opts ConsumerOptions
}

func NewConsumer(amqpURL string, opts ConsumerOptions) (*Consumer, error) {
	if opts.Prefetch <= 0 {
		opts.Prefetch = 16
	}

	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}

	conn, err := amqp.Dial(cleanURL)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := ch.Qos(opts.Prefetch, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}

	return &Consumer{conn: conn, ch: ch, opts: opts}, nil
}

// ConsumeWithBindings declares the queue, binds each routing key and dispatches deliveries
// on a background goroutine until the channel closes.
func (c *Consumer) ConsumeWithBindings(exchange, queueName string, bindings map[string]Handler) error {
	handlers := make(map[string]Handler, len(bindings))
	for routingKey, handler := range bindings {
		if handler != nil {
			handlers[routingKey] = handler
		}
	}
	if len(handlers) == 0 {
		return fmt.Errorf("no bindings provided")
	}

	if err := c.ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", exchange, err)
	}

	var queueArgs amqp.Table
	if dlx := strings.TrimSpace(c.opts.DeadLetterExchange); dlx != "" {
		queueArgs = amqp.Table{"x-dead-letter-exchange": dlx}
	}
	q, err := c.ch.QueueDeclare(strings.TrimSpace(queueName), true, false, false, false, queueArgs)
	if err != nil {
		return fmt.Errorf("declare queue %s: %w", queueName, err)
	}

	for routingKey := range handlers {
		if err := c.ch.QueueBind(q.Name, routingKey, exchange, false, nil); err != nil {
			return fmt.Errorf("bind %s: %w", routingKey, err)
		}
	}

	msgs, err := c.ch.Consume(q.Name, "", false, false, false, false, nil)
	if err != nil {
		return err
	}

	go func() {
		for d := range msgs {
			settle(&d, d.RoutingKey, d.Redelivered, d.Body, handlers[d.RoutingKey])
		}
		log.Printf("level=warn component=rabbitmq_consumer msg=\"delivery channel closed\" queue=%s", q.Name)
	}()

	return nil
}

type acknowledger interface {
	Ack(multiple bool) error
	Nack(multiple, requeue bool) error
}

type outcome string

const (
	outcomeAcked    outcome = "acked"
	outcomeRequeued outcome = "requeued"
	outcomeRejected outcome = "rejected"
)

// settle runs handler and acknowledges the delivery. A failed first attempt is re-queued once;
// a failed redelivery or a panicking handler is rejected so it cannot loop forever.
func settle(ack acknowledger, routingKey string, redelivered bool, body []byte, handler Handler) (result outcome) {
	if handler == nil {
		log.Printf("level=warn component=rabbitmq_consumer msg=\"no handler; dropping\" routing_key=%s", routingKey)
		ack.Ack(false)
		return outcomeAcked
	}

	defer func() {
		if r := recover(); r != nil {
			log.Printf("level=error component=rabbitmq_consumer msg=\"handler panicked; rejecting\" routing_key=%s panic=%v", routingKey, r)
			ack.Nack(false, false)
			result = outcomeRejected
		}
	}()

	if handler(body) {
		ack.Ack(false)
		return outcomeAcked
	}
	if redelivered {
		log.Printf("level=error component=rabbitmq_consumer msg=\"handler failed on redelivery; rejecting\" routing_key=%s", routingKey)
		ack.Nack(false, false)
		return outcomeRejected
	}
	log.Printf("level=warn component=rabbitmq_consumer msg=\"handler failed; re-queuing\" routing_key=%s", routingKey)
	ack.Nack(false, true)
	return outcomeRequeued
}

func (c *Consumer) Close() {
	if c.ch != nil {
		c.ch.Close()
	}
	if c.conn != nil {
		c.conn.Close()
	}
}
