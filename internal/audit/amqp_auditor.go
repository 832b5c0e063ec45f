package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

var _ Auditor = (*AMQPAuditor)(nil)

// publisher is the subset of *amqp.Channel used here.
type publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPAuditor publishes entries as JSON to a topic exchange, routing key = action.
type AMQPAuditor struct {
	conn     *amqp.Connection
	ch       publisher
	exchange string
	timeout  time.Duration
}

// DialAMQPAuditor connects to url and declares a durable topic exchange.
func DialAMQPAuditor(url, exchange string) (*AMQPAuditor, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("audit: amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("audit: amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("audit: declare exchange %q: %w", exchange, err)
	}
	return &AMQPAuditor{conn: conn, ch: ch, exchange: exchange, timeout: 5 * time.Second}, nil
}

func newAMQPAuditor(ch publisher, exchange string) *AMQPAuditor {
	return &AMQPAuditor{ch: ch, exchange: exchange, timeout: 5 * time.Second}
}

func (a *AMQPAuditor) Log(ctx context.Context, e Entry) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("audit: marshal: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	err = a.ch.PublishWithContext(ctx, a.exchange, e.Action, false, false, amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		CorrelationId: e.ID,
		Timestamp:     e.Time,
		Body:          body,
	})
	if err != nil {
		return fmt.Errorf("audit: publish: %w", err)
	}
	return nil
}

func (a *AMQPAuditor) Close() error {
	err := a.ch.Close()
	if a.conn != nil {
		if cerr := a.conn.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
