// Package broker wraps the AMQP 0-9-1 primitives the dispatcher needs:
// connecting, declaring the exchange/queue topology, consuming
// deliveries, and publishing results.
package broker

import (
	"context"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/c360studio/zoo/config"
)

// Delivery is the subset of an AMQP delivery the dispatcher acts on.
type Delivery struct {
	Tag  uint64
	Body []byte

	ack  func(multiple bool) error
	nack func(multiple, requeue bool) error
}

// Ack acknowledges this single delivery.
func (d Delivery) Ack() error { return d.ack(false) }

// Nack negatively acknowledges this single delivery and asks the
// broker to requeue it.
func (d Delivery) Nack() error { return d.nack(false, true) }

// NewDelivery builds a Delivery from raw fields. Delivery's own ack
// and nack fields are unexported, so callers outside this package
// (tests standing in for a live broker) need this constructor to
// build one at all.
func NewDelivery(tag uint64, body []byte, ack func(multiple bool) error, nack func(multiple, requeue bool) error) Delivery {
	return Delivery{Tag: tag, Body: body, ack: ack, nack: nack}
}

// Client owns one AMQP connection and channel. The Dispatcher consumes
// and acks/nacks through it and the Publisher publishes through it;
// coordinators never hold it, reaching the broker only through the
// Dispatcher's Sink methods and the Publisher.
type Client struct {
	conn   *amqp.Connection
	ch     *amqp.Channel
	logger *slog.Logger
}

// Connect dials the broker and opens a channel.
func Connect(url string, logger *slog.Logger) (*Client, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	return &Client{conn: conn, ch: ch, logger: logger}, nil
}

// Declare declares the exchange and both queues, and binds the work
// queue to the exchange with its configured routing key.
func (c *Client) Declare(settings config.RabbitSettings) error {
	ex := settings.Exchange
	if err := c.ch.ExchangeDeclare(ex.Name, ex.Type, ex.Durable, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", ex.Name, err)
	}

	for _, q := range []config.Queue{settings.WorkQueue, settings.ResultsQueue} {
		if _, err := c.ch.QueueDeclare(q.Name, q.Durable, q.AutoDelete, q.Exclusive, false, nil); err != nil {
			return fmt.Errorf("declare queue %s: %w", q.Name, err)
		}
	}

	wq := settings.WorkQueue
	if err := c.ch.QueueBind(wq.Name, wq.RoutingKey, ex.Name, false, nil); err != nil {
		return fmt.Errorf("bind queue %s: %w", wq.Name, err)
	}

	return nil
}

// SetPrefetch bounds the number of unacked deliveries the broker will
// hand this channel at once. This is the dispatcher's sole
// back-pressure mechanism.
func (c *Client) SetPrefetch(prefetch int) error {
	if err := c.ch.Qos(prefetch, 0, false); err != nil {
		return fmt.Errorf("set prefetch %d: %w", prefetch, err)
	}
	return nil
}

// Consume starts consuming queueName and returns a channel of
// Deliveries. The channel closes when the underlying AMQP delivery
// channel closes (connection loss or channel cancel).
func (c *Client) Consume(queueName, consumerTag string) (<-chan Delivery, error) {
	raw, err := c.ch.Consume(queueName, consumerTag, false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("consume %s: %w", queueName, err)
	}

	out := make(chan Delivery)
	go func() {
		defer close(out)
		for msg := range raw {
			msg := msg
			out <- Delivery{
				Tag:  msg.DeliveryTag,
				Body: msg.Body,
				ack:  msg.Ack,
				nack: msg.Nack,
			}
		}
	}()
	return out, nil
}

// Publish publishes body to exchange under routingKey.
func (c *Client) Publish(ctx context.Context, exchange, routingKey string, body []byte) error {
	err := c.ch.PublishWithContext(ctx, exchange, routingKey, false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
	})
	if err != nil {
		return fmt.Errorf("publish to %s/%s: %w", exchange, routingKey, err)
	}
	return nil
}

// Close tears down the channel and connection.
func (c *Client) Close() error {
	chErr := c.ch.Close()
	connErr := c.conn.Close()
	if chErr != nil {
		return chErr
	}
	return connErr
}
