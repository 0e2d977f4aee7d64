// Package journal is the outbox of delivery-lifecycle records. The
// send pipeline appends records after each persisted step; a consumer
// uses the degraded ones to repair derived state out of band.
package journal

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/capitalize-ai/messaging-core/internal/model"
	"github.com/capitalize-ai/messaging-core/pkg/logger"
	"github.com/capitalize-ai/messaging-core/pkg/metrics"
)

// Kind is the type of a journal record.
type Kind string

const (
	KindMessageCreated  Kind = "message.created"
	KindStatusChanged   Kind = "status.changed"
	KindSummaryDegraded Kind = "summary.degraded"
)

// Step names a pipeline step that can degrade after persistence.
const (
	StepSummary = "summary"
	StepStatus  = "status"
	StepDeliver = "deliver"
	StepAck     = "ack"
	StepRead    = "read"
)

// ErrFull is returned by a backend that cannot accept more records
// without blocking.
var ErrFull = errors.New("journal: buffer full")

// ErrClosed is returned after the backend was closed.
var ErrClosed = errors.New("journal: closed")

// Record is one journal entry.
type Record struct {
	ID             string               `json:"id"`
	Kind           Kind                 `json:"kind"`
	ConversationID string               `json:"conversation_id"`
	MessageID      string               `json:"message_id,omitempty"`
	UserID         string               `json:"user_id,omitempty"`
	Status         model.DeliveryStatus `json:"status,omitempty"`
	Step           string               `json:"step,omitempty"`
	Reason         string               `json:"reason,omitempty"`
	At             time.Time            `json:"at"`
}

// NewRecord returns a record with a fresh time-ordered id.
func NewRecord(kind Kind, conversationID, messageID string) Record {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return Record{
		ID:             id.String(),
		Kind:           kind,
		ConversationID: conversationID,
		MessageID:      messageID,
		At:             time.Now().UTC(),
	}
}

// Handler processes one consumed record. A returned error asks the
// backend to redeliver.
type Handler func(ctx context.Context, rec Record) error

// Backend moves records from publishers to the single consumer.
type Backend interface {
	Name() string
	Publish(ctx context.Context, rec Record) error

	// Subscribe starts consuming in the background and returns once
	// the consumer is set up. Consumption stops when ctx is done.
	Subscribe(ctx context.Context, h Handler) error

	Ready() error
	Close() error
}

// Journal wraps a backend with logging and metrics. Appending never
// fails the caller.
type Journal struct {
	backend Backend
	logger  *logger.Logger
}

// New creates a journal over backend.
func New(backend Backend, log *logger.Logger) *Journal {
	return &Journal{backend: backend, logger: log.Named("journal")}
}

// Append publishes rec. Failures are logged and counted only.
func (j *Journal) Append(ctx context.Context, rec Record) {
	err := j.backend.Publish(ctx, rec)
	result := "published"
	if err != nil {
		result = "publish_failed"
		j.logger.Warn("failed to append journal record",
			zap.String("kind", string(rec.Kind)),
			zap.String("conversation_id", rec.ConversationID),
			zap.String("message_id", rec.MessageID),
			zap.Error(err),
		)
	}
	metrics.JournalRecords.WithLabelValues(j.backend.Name(), string(rec.Kind), result).Inc()
}

// Degraded appends a summary.degraded record for a step that failed
// after the message was stored.
func (j *Journal) Degraded(ctx context.Context, msg *model.Message, step string, cause error) {
	rec := NewRecord(KindSummaryDegraded, msg.ConversationID, msg.ID)
	rec.UserID = msg.ReceiverID
	rec.Step = step
	if cause != nil {
		rec.Reason = cause.Error()
	}
	j.Append(ctx, rec)
}

// Consume starts the backend consumer with h.
func (j *Journal) Consume(ctx context.Context, h Handler) error {
	name := j.backend.Name()
	return j.backend.Subscribe(ctx, func(ctx context.Context, rec Record) error {
		err := h(ctx, rec)
		result := "consumed"
		if err != nil {
			result = "consume_failed"
			j.logger.Warn("journal handler failed",
				zap.String("record_id", rec.ID),
				zap.String("kind", string(rec.Kind)),
				zap.Error(err),
			)
		}
		metrics.JournalRecords.WithLabelValues(name, string(rec.Kind), result).Inc()
		return err
	})
}

// Ready reports whether the backend can accept records.
func (j *Journal) Ready() error { return j.backend.Ready() }

// Close closes the backend.
func (j *Journal) Close() error { return j.backend.Close() }
