package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

// AMQPPublisher publishes envelopes to a topic exchange. The routing key is
// "<session>.<event type>" so UI consumers can bind per tenant.
type AMQPPublisher struct {
	conn     *amqp091.Connection
	exchange string
	producer string
	logger   *logrus.Logger
}

func NewAMQPPublisher(url, exchange, producer string, logger *logrus.Logger) (*AMQPPublisher, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open amqp channel: %w", err)
	}
	defer ch.Close()

	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	return &AMQPPublisher{
		conn:     conn,
		exchange: exchange,
		producer: producer,
		logger:   logger,
	}, nil
}

func (p *AMQPPublisher) Publish(ctx context.Context, evt Event) error {
	ch, err := p.conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	envelope := Wrap(p.producer, evt)
	body, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	return ch.PublishWithContext(
		ctx, p.exchange, RoutingKey(evt), false, false,
		amqp091.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp091.Transient,
			MessageId:    envelope.Meta.ID,
			Type:         envelope.Meta.Type,
			Timestamp:    time.Now(),
			Body:         body,
		},
	)
}

func (p *AMQPPublisher) Close() error {
	return p.conn.Close()
}

// RoutingKey is the topic key of evt
func RoutingKey(evt Event) string {
	return evt.SessionID + "." + string(evt.Type)
}
