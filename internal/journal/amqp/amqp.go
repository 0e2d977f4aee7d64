// Package amqp is a journal.Backend on RabbitMQ: records go to a
// durable topic exchange and the reconciler reads a durable queue
// bound to it.
package amqp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/capitalize-ai/messaging-core/internal/journal"
	"github.com/capitalize-ai/messaging-core/pkg/logger"
)

const (
	// Exchange receives every record.
	Exchange = "messaging"

	// Queue is consumed by the reconciler.
	Queue = "messaging.reconcile"
)

// RoutingKey returns the key a record is published with, for example
// summary.degraded.<conversation_id>.
func RoutingKey(rec journal.Record) string {
	return string(rec.Kind) + "." + rec.ConversationID
}

// Backend implements journal.Backend.
type Backend struct {
	conn   *amqp.Connection
	logger *logger.Logger

	mu sync.Mutex
	ch *amqp.Channel
}

var _ journal.Backend = (*Backend)(nil)

// Dial connects to RabbitMQ and declares the exchange, the queue and
// their binding.
func Dial(url string, log *logger.Logger) (*Backend, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	if err := declare(ch); err != nil {
		conn.Close()
		return nil, err
	}
	return &Backend{conn: conn, ch: ch, logger: log.Named("amqp")}, nil
}

func declare(ch *amqp.Channel) error {
	if err := ch.ExchangeDeclare(Exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare exchange: %w", err)
	}
	if _, err := ch.QueueDeclare(Queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare queue: %w", err)
	}
	if err := ch.QueueBind(Queue, "#", Exchange, false, nil); err != nil {
		return fmt.Errorf("failed to bind queue: %w", err)
	}
	return nil
}

// Name implements journal.Backend.
func (b *Backend) Name() string { return "amqp" }

// Publish implements journal.Backend.
func (b *Backend) Publish(ctx context.Context, rec journal.Record) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ch == nil || b.ch.IsClosed() {
		return journal.ErrClosed
	}
	return b.ch.PublishWithContext(
		ctx,
		Exchange,
		RoutingKey(rec),
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    rec.ID,
			Type:         string(rec.Kind),
			Timestamp:    rec.At,
			Body:         body,
		},
	)
}

// Subscribe implements journal.Backend. Deliveries are acknowledged
// manually; a failed record is requeued once and then dropped.
func (b *Backend) Subscribe(ctx context.Context, h journal.Handler) error {
	ch, err := b.conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open channel: %w", err)
	}
	if err := ch.Qos(16, 0, false); err != nil {
		ch.Close()
		return fmt.Errorf("failed to set qos: %w", err)
	}
	deliveries, err := ch.Consume(Queue, "", false, false, false, false, nil)
	if err != nil {
		ch.Close()
		return fmt.Errorf("failed to consume: %w", err)
	}

	go func() {
		<-ctx.Done()
		ch.Close()
	}()

	go func() {
		for d := range deliveries {
			var rec journal.Record
			if err := json.Unmarshal(d.Body, &rec); err != nil {
				b.logger.Warn("dropping malformed journal record", zap.Error(err))
				_ = d.Nack(false, false)
				continue
			}
			if err := h(ctx, rec); err != nil {
				_ = d.Nack(false, !d.Redelivered)
				continue
			}
			_ = d.Ack(false)
		}
	}()
	return nil
}

// Ready implements journal.Backend.
func (b *Backend) Ready() error {
	if b.conn.IsClosed() {
		return errors.New("amqp: connection closed")
	}
	return nil
}

// Close implements journal.Backend.
func (b *Backend) Close() error {
	b.mu.Lock()
	if b.ch != nil {
		b.ch.Close()
		b.ch = nil
	}
	b.mu.Unlock()
	return b.conn.Close()
}
