// Package eventbus publishes timeline events onto an AMQP exchange for
// external subscribers, adapted from the teacher's internal/queue/queue.go
// RabbitMQQueue: same connection/channel setup and Publish shape, narrowed
// to the one fire-and-forget operation the Monitor needs.
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/streadway/amqp"
	"go.uber.org/zap"

	"github.com/flowforge/etlengine/internal/models"
)

// Bus publishes timeline events. Publish failures are logged and
// swallowed by callers (the Monitor), matching the Notifier's
// fire-and-forget contract.
type Bus interface {
	Publish(ctx context.Context, event models.TimelineEvent) error
	Close() error
}

// AMQPBus is the streadway/amqp backed Bus, publishing onto the
// configured exchange with the event's type as routing key.
type AMQPBus struct {
	conn     *amqp.Connection
	channel  *amqp.Channel
	exchange string
	logger   *zap.Logger
}

// Connect dials the broker and declares the events exchange, mirroring the
// teacher's RabbitMQQueue connection setup.
func Connect(url, exchange string, logger *zap.Logger) (*AMQPBus, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare exchange %q: %w", exchange, err)
	}
	return &AMQPBus{conn: conn, channel: ch, exchange: exchange, logger: logger.With(zap.String("component", "eventbus"))}, nil
}

func (b *AMQPBus) Publish(ctx context.Context, event models.TimelineEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal timeline event: %w", err)
	}
	return b.channel.Publish(b.exchange, string(event.EventType), false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
	})
}

func (b *AMQPBus) Close() error {
	if err := b.channel.Close(); err != nil {
		return err
	}
	return b.conn.Close()
}

// NopBus discards every event, used when no broker is configured.
type NopBus struct{}

func (NopBus) Publish(context.Context, models.TimelineEvent) error { return nil }
func (NopBus) Close() error                                        { return nil }
