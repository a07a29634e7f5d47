package messaging

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/rabbitmq/amqp091-go"
)

const consumerPrefetch = 32

// Handler processes one delivery. Returning nil acks it; an error drops it
// without requeue, since a redelivered bad message fails the same way.
type Handler func(ctx context.Context, msg amqp091.Delivery) error

type Consumer struct {
	conn   *amqp091.Connection
	queue  string
	logger *slog.Logger
}

// NewRabbitConsumer binds queue to exchange. An empty queue name declares an
// exclusive server-named queue, so every replica receives every event.
func NewRabbitConsumer(url, exchange, queue string, logger *slog.Logger) (*Consumer, error) {
	conn, ch, err := dialExchange(url, exchange)
	if err != nil {
		return nil, err
	}
	defer ch.Close()

	perReplica := queue == ""
	q, err := ch.QueueDeclare(queue, !perReplica, perReplica, perReplica, false, nil)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare queue: %w", err)
	}
	if err := ch.QueueBind(q.Name, "", exchange, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("bind queue %s: %w", q.Name, err)
	}

	return &Consumer{conn: conn, queue: q.Name, logger: logger}, nil
}

// Start consumes until ctx is done or the broker closes the channel.
func (c *Consumer) Start(ctx context.Context, handle Handler) error {
	ch, err := c.conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	if err := ch.Qos(consumerPrefetch, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}

	msgs, err := ch.ConsumeWithContext(ctx, c.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", c.queue, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				if ctx.Err() == nil {
					c.logger.Warn("consumer channel closed by broker", "queue", c.queue)
				}
				return nil
			}
			c.settle(msg, handle(ctx, msg))
		}
	}
}

func (c *Consumer) settle(msg amqp091.Delivery, err error) {
	if err == nil {
		if ackErr := msg.Ack(false); ackErr != nil {
			c.logger.Warn("ack delivery", "type", msg.Type, "err", ackErr)
		}
		return
	}
	c.logger.Warn("dropping delivery", "type", msg.Type, "err", err)
	if nackErr := msg.Nack(false, false); nackErr != nil {
		c.logger.Warn("nack delivery", "type", msg.Type, "err", nackErr)
	}
}

func (c *Consumer) Close() error {
	return c.conn.Close()
}
