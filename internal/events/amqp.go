package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rabbitmq/amqp091-go"

	"github.com/user/appforge/internal/types"
)

// Exchange is the topic exchange build events are published to. Routing
// keys are "build.<id>" so consumers can bind per build or with a
// wildcard.
const Exchange = "appforge.events"

// Publisher sends build events to RabbitMQ. The connection is opened
// lazily and reopened after a failure, so a broker restart costs one
// dropped publish rather than a wedged recorder.
type Publisher struct {
	url string

	mu   sync.Mutex
	conn *amqp091.Connection
	ch   *amqp091.Channel
}

// NewPublisher creates a publisher for the given AMQP connection string.
// No connection is made until the first Publish.
func NewPublisher(url string) *Publisher {
	return &Publisher{url: url}
}

// Publish sends one event to the exchange.
func (p *Publisher) Publish(ctx context.Context, ev *types.BuildEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("publish event: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.ensureChannel(); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}

	routingKey := "build." + string(ev.BuildID)
	err = p.ch.PublishWithContext(
		ctx,
		Exchange,
		routingKey,
		false, // mandatory
		false, // immediate
		amqp091.Publishing{
			ContentType: "application/json",
			Body:        body,
		},
	)
	if err != nil {
		p.reset()
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// Close shuts the connection down.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		return nil
	}
	err := p.conn.Close()
	p.conn = nil
	p.ch = nil
	return err
}

func (p *Publisher) ensureChannel() error {
	if p.ch != nil && !p.ch.IsClosed() {
		return nil
	}
	p.reset()

	conn, err := amqp091.Dial(p.url)
	if err != nil {
		return fmt.Errorf("dial amqp: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}

	err = ch.ExchangeDeclare(
		Exchange,
		"topic",
		true,  // durable
		false, // auto-delete
		false, // internal
		false, // no-wait
		nil,   // args
	)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("declare exchange: %w", err)
	}

	p.conn = conn
	p.ch = ch
	return nil
}

func (p *Publisher) reset() {
	if p.conn != nil {
		_ = p.conn.Close()
	}
	p.conn = nil
	p.ch = nil
}
