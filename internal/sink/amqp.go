// Package sink forwards grading events to downstream consumers over an
// AMQP fanout exchange.
package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/judgebridge/judgebridge/internal/bridge"
)

type Publisher struct {
	exchange string

	mu      sync.Mutex
	conn    *amqp.Connection
	channel *amqp.Channel
}

// NewPublisher dials the broker and declares the fanout exchange the
// grading front-end consumes from.
func NewPublisher(url string, exchange string) (*Publisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("sink: dial broker: %w", err)
	}
	channel, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("sink: open channel: %w", err)
	}
	err = channel.ExchangeDeclare(
		exchange,
		"fanout", // type
		true,     // durable
		false,    // auto-deleted
		false,    // internal
		false,    // no-wait
		nil,      // arguments
	)
	if err != nil {
		_ = channel.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("sink: declare exchange %s: %w", exchange, err)
	}
	return &Publisher{exchange: exchange, conn: conn, channel: channel}, nil
}

// Publish implements the bridge's ResultSink contract. The context bounds
// the broker round trip so a slow broker cannot stall a session loop.
func (p *Publisher) Publish(ctx context.Context, event bridge.ResultEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("sink: marshal event: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	err = p.channel.PublishWithContext(ctx,
		p.exchange,
		event.SubmissionID, // routing key, ignored by fanout but useful in traces
		false,              // mandatory
		false,              // immediate
		amqp.Publishing{
			ContentType: "application/json",
			Body:        body,
		})
	if err != nil {
		return fmt.Errorf("sink: publish %s for %s: %w", event.Event, event.SubmissionID, err)
	}
	return nil
}

func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.channel != nil {
		_ = p.channel.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}
