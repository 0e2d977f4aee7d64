package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/capitalize-ai/messaging-core/internal/journal"
)

const (
	// StreamName is the name of the messaging lifecycle stream.
	StreamName = "MESSAGING"

	// SubjectPrefix is the prefix for all journal subjects.
	SubjectPrefix = "msg"

	// ConsumerName is the durable consumer of the reconciler.
	ConsumerName = "reconciler"
)

// Subject returns the subject a record is published on, for example
// msg.summary.degraded.<conversation_id>.
func Subject(rec journal.Record) string {
	return fmt.Sprintf("%s.%s.%s", SubjectPrefix, rec.Kind, rec.ConversationID)
}

// Journal is a journal.Backend on a JetStream stream.
type Journal struct {
	client *Client
	stream jetstream.Stream
}

var _ journal.Backend = (*Journal)(nil)

// NewJournal ensures the stream exists and returns the backend.
func NewJournal(ctx context.Context, client *Client) (*Journal, error) {
	j := &Journal{client: client}
	if err := j.ensureStream(ctx); err != nil {
		return nil, err
	}
	return j, nil
}

func (j *Journal) ensureStream(ctx context.Context) error {
	js := j.client.JetStream()

	stream, err := js.Stream(ctx, StreamName)
	if err == nil {
		j.stream = stream
		return nil
	}
	if !errors.Is(err, jetstream.ErrStreamNotFound) {
		return fmt.Errorf("failed to look up stream: %w", err)
	}

	stream, err = js.CreateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName,
		Subjects:    []string{fmt.Sprintf("%s.>", SubjectPrefix)},
		Retention:   jetstream.WorkQueuePolicy,
		MaxAge:      7 * 24 * time.Hour,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
		Duplicates:  2 * time.Minute,
		Description: "Message delivery lifecycle journal",
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}
	j.stream = stream
	return nil
}

// Name implements journal.Backend.
func (j *Journal) Name() string { return "nats" }

// Publish implements journal.Backend. The record id doubles as the
// JetStream message id so retried publishes are deduplicated.
func (j *Journal) Publish(ctx context.Context, rec journal.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}
	if _, err := j.client.JetStream().Publish(ctx, Subject(rec), data, jetstream.WithMsgID(rec.ID)); err != nil {
		return fmt.Errorf("failed to publish record: %w", err)
	}
	return nil
}

// Subscribe implements journal.Backend with a durable, explicitly
// acknowledged consumer. Failed records are redelivered up to five
// times.
func (j *Journal) Subscribe(ctx context.Context, h journal.Handler) error {
	cons, err := j.stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       ConsumerName,
		FilterSubject: fmt.Sprintf("%s.>", SubjectPrefix),
		DeliverPolicy: jetstream.DeliverAllPolicy,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    5,
	})
	if err != nil {
		return fmt.Errorf("failed to create consumer: %w", err)
	}

	consumeCtx, err := cons.Consume(func(m jetstream.Msg) {
		var rec journal.Record
		if err := json.Unmarshal(m.Data(), &rec); err != nil {
			j.client.logger.Warn("dropping malformed journal record",
				zap.String("subject", m.Subject()),
				zap.Error(err),
			)
			_ = m.Term()
			return
		}
		if err := h(ctx, rec); err != nil {
			_ = m.NakWithDelay(time.Second)
			return
		}
		_ = m.Ack()
	})
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	go func() {
		<-ctx.Done()
		consumeCtx.Stop()
	}()
	return nil
}

// Ready implements journal.Backend.
func (j *Journal) Ready() error {
	if !j.client.IsConnected() {
		return errors.New("nats: not connected")
	}
	return nil
}

// Close implements journal.Backend.
func (j *Journal) Close() error {
	j.client.Close()
	return nil
}
