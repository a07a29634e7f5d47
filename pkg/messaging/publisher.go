package messaging

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rabbitmq/amqp091-go"
)

var ErrNotConfirmed = errors.New("broker did not confirm publish")

// Publisher sends JSON events. The event type travels as both the routing key
// and the AMQP type so fanout consumers can still filter.
type Publisher interface {
	Publish(ctx context.Context, eventType string, payload []byte) error
	Close() error
}

// RabbitPublisher keeps one confirm-mode channel and waits for the broker ack,
// so a nil error means the event is stored by RabbitMQ.
type RabbitPublisher struct {
	conn     *amqp091.Connection
	exchange string

	mu sync.Mutex
	ch *amqp091.Channel
}

func NewRabbitPublisher(url, exchange string) (*RabbitPublisher, error) {
	conn, ch, err := dialExchange(url, exchange)
	if err != nil {
		return nil, err
	}
	p := &RabbitPublisher{conn: conn, exchange: exchange}
	if err := p.useChannel(ch); err != nil {
		conn.Close()
		return nil, err
	}
	return p, nil
}

func (p *RabbitPublisher) useChannel(ch *amqp091.Channel) error {
	if err := ch.Confirm(false); err != nil {
		ch.Close()
		return fmt.Errorf("enable publisher confirms: %w", err)
	}
	p.ch = ch
	return nil
}

func (p *RabbitPublisher) channel() (*amqp091.Channel, error) {
	if p.ch != nil && !p.ch.IsClosed() {
		return p.ch, nil
	}
	ch, err := p.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := p.useChannel(ch); err != nil {
		return nil, err
	}
	return p.ch, nil
}

func (p *RabbitPublisher) Publish(ctx context.Context, eventType string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	ch, err := p.channel()
	if err != nil {
		return err
	}

	confirm, err := ch.PublishWithDeferredConfirmWithContext(ctx, p.exchange, eventType, false, false, amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		Type:         eventType,
		Timestamp:    time.Now().UTC(),
		Body:         payload,
	})
	if err != nil {
		p.resetChannel()
		return fmt.Errorf("publish %s: %w", eventType, err)
	}

	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		// The confirm may still arrive on this channel; start clean next time.
		p.resetChannel()
		return fmt.Errorf("confirm %s: %w", eventType, err)
	}
	if !acked {
		return fmt.Errorf("%w: %s", ErrNotConfirmed, eventType)
	}
	return nil
}

func (p *RabbitPublisher) resetChannel() {
	if p.ch != nil {
		_ = p.ch.Close()
		p.ch = nil
	}
}

func (p *RabbitPublisher) Close() error {
	p.mu.Lock()
	p.resetChannel()
	p.mu.Unlock()
	return p.conn.Close()
}
