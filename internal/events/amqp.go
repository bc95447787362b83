package events

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/wolfman30/telehealth-booking/pkg/logging"
)

type amqpChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPPublisher delivers outbox entries to a topic exchange, routed by event type.
type AMQPPublisher struct {
	channel  amqpChannel
	exchange string
	logger   *logging.Logger
}

// DialAMQP connects, opens a channel and declares the durable topic exchange.
func DialAMQP(url, exchange string, logger *logging.Logger) (*AMQPPublisher, *amqp.Connection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, nil, fmt.Errorf("events: dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("events: open amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("events: declare exchange %s: %w", exchange, err)
	}
	return NewAMQPPublisher(ch, exchange, logger), conn, nil
}

func NewAMQPPublisher(ch amqpChannel, exchange string, logger *logging.Logger) *AMQPPublisher {
	if logger == nil {
		logger = logging.Default()
	}
	return &AMQPPublisher{channel: ch, exchange: exchange, logger: logger}
}

// Handle implements DeliveryHandler.
func (p *AMQPPublisher) Handle(ctx context.Context, entry OutboxEntry) error {
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    entry.ID.String(),
		Timestamp:    entry.CreatedAt,
		Type:         entry.Type,
		Headers: amqp.Table{
			"aggregate_id": entry.AggregateID,
		},
		Body: entry.Payload,
	}
	if err := p.channel.PublishWithContext(ctx, p.exchange, entry.Type, false, false, msg); err != nil {
		return fmt.Errorf("events: publish %s: %w", entry.Type, err)
	}
	p.logger.Debug("event published", "event_id", entry.ID, "type", entry.Type, "exchange", p.exchange)
	return nil
}

func (p *AMQPPublisher) Close() error {
	return p.channel.Close()
}

// LogHandler only logs entries. Used when no broker is configured.
type LogHandler struct {
	Logger *logging.Logger
}

func (h LogHandler) Handle(_ context.Context, entry OutboxEntry) error {
	logger := h.Logger
	if logger == nil {
		logger = logging.Default()
	}
	logger.Info("outbox event", "event_id", entry.ID, "type", entry.Type, "aggregate_id", entry.AggregateID)
	return nil
}
