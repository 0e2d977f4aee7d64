// Package delivery drives the per-recipient status of a message
// through sent, delivered and read.
package delivery

import (
	"context"
	"errors"
	"time"

	"github.com/capitalize-ai/messaging-core/internal/model"
	"github.com/capitalize-ai/messaging-core/internal/store"
	"github.com/capitalize-ai/messaging-core/pkg/metrics"
)

// ReadCommitter applies a read together with its summary update.
type ReadCommitter interface {
	CommitRead(ctx context.Context, receipt store.ReadReceipt) (*store.ReadResult, error)
}

// Machine is stateless; every transition is applied by the store.
type Machine struct {
	store   store.Store
	summary ReadCommitter
	now     func() time.Time
}

// NewMachine creates a delivery state machine.
func NewMachine(s store.Store, summary ReadCommitter) *Machine {
	return &Machine{store: s, summary: summary, now: time.Now}
}

// ReadOutcome is the result of a read report.
type ReadOutcome struct {
	// Changed holds the statuses that moved to read. Empty for a
	// duplicate report.
	Changed     []model.MessageStatus
	Messages    map[string]*model.Message
	Participant *model.Participant
}

// Open creates the receiver's status row at sent. Opening a message
// twice returns the existing row.
func (m *Machine) Open(ctx context.Context, msg *model.Message) (*model.MessageStatus, error) {
	st := model.NewMessageStatus(msg.ID, msg.ReceiverID, m.now().UTC())
	err := m.store.CreateStatus(ctx, st)
	if errors.Is(err, store.ErrConflict) {
		existing, gerr := m.store.GetStatus(ctx, msg.ID, msg.ReceiverID)
		if gerr != nil {
			return nil, model.Persistence("delivery.open", gerr)
		}
		return existing, nil
	}
	if err != nil {
		return nil, model.Persistence("delivery.open", err)
	}
	metrics.StatusTransitions.WithLabelValues(string(model.StatusSent)).Inc()
	return st, nil
}

// Deliver advances the status to delivered. changed is false when the
// row was already delivered or read.
func (m *Machine) Deliver(ctx context.Context, messageID, userID string) (*model.MessageStatus, bool, error) {
	st, changed, err := m.store.AdvanceStatus(ctx, messageID, userID, model.StatusDelivered, m.now().UTC())
	if err != nil {
		return nil, false, store.Classify("delivery.deliver", "message status", err)
	}
	if changed {
		metrics.StatusTransitions.WithLabelValues(string(model.StatusDelivered)).Inc()
	}
	return st, changed, nil
}

// Read records that reader read messageID. Only the message's receiver
// owns its status row; anybody else is rejected.
func (m *Machine) Read(ctx context.Context, reader, messageID, conversationID string) (*ReadOutcome, error) {
	const op = "delivery.read"
	if messageID == "" {
		return nil, model.Validation(op, "message_id is required")
	}

	msg, err := m.store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, store.Classify(op, "message", err)
	}
	if msg.IsDeleted {
		return nil, model.NotFound(op, "message not found")
	}
	if conversationID != "" && msg.ConversationID != conversationID {
		return nil, model.Validation(op, "message does not belong to conversation")
	}
	if msg.ReceiverID != reader {
		return nil, model.Validation(op, "only the receiver can read a message")
	}

	return m.commit(ctx, reader, msg.ConversationID, []*model.Message{msg})
}

// ReadAll marks every unread message addressed to reader in the
// conversation as read.
func (m *Machine) ReadAll(ctx context.Context, reader, conversationID string) (*ReadOutcome, error) {
	const op = "delivery.read_all"
	if conversationID == "" {
		return nil, model.Validation(op, "conversation_id is required")
	}

	conv, err := m.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, store.Classify(op, "conversation", err)
	}
	if !conv.HasParticipant(reader) {
		return nil, model.Validation(op, "user is not a participant")
	}

	ids, err := m.store.UnreadMessageIDs(ctx, conversationID, reader)
	if err != nil {
		return nil, model.Persistence(op, err)
	}
	msgs := make([]*model.Message, 0, len(ids))
	for _, id := range ids {
		msg, err := m.store.GetMessage(ctx, id)
		if err != nil {
			return nil, model.Persistence(op, err)
		}
		msgs = append(msgs, msg)
	}
	return m.commit(ctx, reader, conversationID, msgs)
}

func (m *Machine) commit(ctx context.Context, reader, conversationID string, msgs []*model.Message) (*ReadOutcome, error) {
	receipt := store.ReadReceipt{
		ConversationID: conversationID,
		UserID:         reader,
		At:             m.now().UTC(),
	}
	byID := make(map[string]*model.Message, len(msgs))
	for _, msg := range msgs {
		receipt.MessageIDs = append(receipt.MessageIDs, msg.ID)
		if msg.ID > receipt.LastReadID {
			receipt.LastReadID = msg.ID
		}
		byID[msg.ID] = msg
	}

	result, err := m.summary.CommitRead(ctx, receipt)
	if err != nil {
		return nil, err
	}
	for range result.Changed {
		metrics.StatusTransitions.WithLabelValues(string(model.StatusRead)).Inc()
	}
	return &ReadOutcome{
		Changed:     result.Changed,
		Messages:    byID,
		Participant: result.Participant,
	}, nil
}
