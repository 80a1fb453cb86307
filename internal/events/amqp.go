package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	// DefaultExchangeName is the topic exchange analysis events are published to
	DefaultExchangeName = "dermin.analysis"
	// RoutingKeyCompleted is the routing key of AnalysisCompleted
	RoutingKeyCompleted = "analysis.completed"
)

// AMQPPublisher publishes events to a durable RabbitMQ topic exchange
type AMQPPublisher struct {
	conn         *amqp.Connection
	mu           sync.Mutex
	channel      *amqp.Channel
	exchangeName string
}

// NewAMQPPublisher connects to amqpURL and declares the exchange
func NewAMQPPublisher(amqpURL string) (*AMQPPublisher, error) {
	conn, err := amqp.Dial(amqpURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	p := &AMQPPublisher{conn: conn, channel: ch, exchangeName: DefaultExchangeName}
	if err := p.setup(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to setup exchange: %w", err)
	}
	return p, nil
}

func (p *AMQPPublisher) setup() error {
	return p.channel.ExchangeDeclare(
		p.exchangeName,
		"topic",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,
	)
}

// Publish sends ev as a persistent JSON message
func (p *AMQPPublisher) Publish(ctx context.Context, ev AnalysisCompleted) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	publishing := amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp.Persistent,
		MessageId:    ev.EventID.String(),
		Timestamp:    ev.CompletedAt,
		Type:         RoutingKeyCompleted,
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.channel.PublishWithContext(ctx, p.exchangeName, RoutingKeyCompleted, false, false, publishing); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// Consume binds an exclusive, auto-deleted queue to the exchange and
// delivers decoded events until ctx is cancelled. Malformed messages are
// reported on the error channel and dropped.
func (p *AMQPPublisher) Consume(ctx context.Context) (<-chan AnalysisCompleted, <-chan error, error) {
	ch, err := p.conn.Channel()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create consumer channel: %w", err)
	}

	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, nil, fmt.Errorf("failed to declare queue: %w", err)
	}
	if err := ch.QueueBind(q.Name, RoutingKeyCompleted, p.exchangeName, false, nil); err != nil {
		_ = ch.Close()
		return nil, nil, fmt.Errorf("failed to bind queue: %w", err)
	}
	deliveries, err := ch.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, nil, fmt.Errorf("failed to start consuming: %w", err)
	}

	out := make(chan AnalysisCompleted)
	errs := make(chan error, 1)
	go func() {
		defer close(out)
		defer close(errs)
		defer func() { _ = ch.Close() }()

		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					select {
					case errs <- errors.New("delivery channel closed"):
					default:
					}
					return
				}
				var ev AnalysisCompleted
				if err := json.Unmarshal(d.Body, &ev); err != nil {
					select {
					case errs <- fmt.Errorf("failed to unmarshal event: %w", err):
					default:
					}
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, errs, nil
}

// HealthCheck verifies the connection is open
func (p *AMQPPublisher) HealthCheck(_ context.Context) error {
	if p.conn == nil || p.conn.IsClosed() {
		return errors.New("RabbitMQ connection is closed")
	}
	return nil
}

// Close closes the channel and connection
func (p *AMQPPublisher) Close() error {
	var err error
	p.mu.Lock()
	if p.channel != nil {
		err = p.channel.Close()
	}
	p.mu.Unlock()
	if p.conn != nil {
		if cerr := p.conn.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}
