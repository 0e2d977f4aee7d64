package service

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/capitalize-ai/messaging-core/internal/delivery"
	"github.com/capitalize-ai/messaging-core/internal/journal"
	"github.com/capitalize-ai/messaging-core/internal/model"
	"github.com/capitalize-ai/messaging-core/internal/registry"
	"github.com/capitalize-ai/messaging-core/internal/store"
	"github.com/capitalize-ai/messaging-core/internal/summary"
	"github.com/capitalize-ai/messaging-core/pkg/logger"
	"github.com/capitalize-ai/messaging-core/pkg/metrics"
	"github.com/capitalize-ai/messaging-core/pkg/tracing"
)

// MessagePipeline orchestrates sending, reading, editing and deleting
// messages.
type MessagePipeline struct {
	store    store.Store
	registry *registry.Registry
	delivery *delivery.Machine
	summary  *summary.Maintainer
	journal  *journal.Journal
	logger   *logger.Logger
	now      func() time.Time
}

// NewMessagePipeline creates a new message pipeline.
func NewMessagePipeline(
	s store.Store,
	reg *registry.Registry,
	machine *delivery.Machine,
	maintainer *summary.Maintainer,
	j *journal.Journal,
	log *logger.Logger,
) *MessagePipeline {
	return &MessagePipeline{
		store:    s,
		registry: reg,
		delivery: machine,
		summary:  maintainer,
		journal:  j,
		logger:   log.Named("pipeline"),
		now:      time.Now,
	}
}

// Send persists a message and delivers it to the receiver if reachable.
//
// Only validation and the message insert can fail the call. Everything
// after the insert is best-effort: a failing step is logged, counted
// and journaled for reconciliation, and the message stays retrievable
// through history.
//
// sender is required: its user id is the message's sender. It gets
// message:sent, followed by message:delivered when the receiver was
// reachable.
func (p *MessagePipeline) Send(ctx context.Context, sender registry.Conn, ref string, req model.SendMessageRequest) (*model.MessageView, error) {
	ctx, span := tracing.Tracer().Start(ctx, "pipeline.send")
	defer span.End()

	senderID := ""
	if sender != nil {
		senderID = sender.UserID()
	}
	msg, err := p.persist(ctx, senderID, req)
	if err != nil {
		failSpan(span, err)
		return nil, err
	}
	span.SetAttributes(
		attribute.String("conversation_id", msg.ConversationID),
		attribute.String("message_id", msg.ID),
	)
	log := p.logger.With(
		zap.String("conversation_id", msg.ConversationID),
		zap.String("message_id", msg.ID),
	)

	// Summary: last-message pointer and receiver unread counter.
	if err := p.summary.OnMessageCreated(ctx, msg); err != nil {
		p.degrade(ctx, log, msg, journal.StepSummary, err)
	}

	// Status row at sent.
	status := model.StatusSent
	if _, err := p.delivery.Open(ctx, msg); err != nil {
		p.degrade(ctx, log, msg, journal.StepStatus, err)
	}

	view := &model.MessageView{
		Message: *msg,
		Sender:  p.senderSummary(ctx, msg.SenderID),
		Status:  status,
	}

	// Delivery to the receiver when reachable.
	var deliveredAt *time.Time
	if conn, ok := p.registry.Lookup(msg.ReceiverID); ok {
		recv := *view
		recv.Status = model.StatusDelivered
		err := conn.Send(model.Event{Name: model.EventMessageReceive, Data: &recv})
		metrics.RecordPush(string(model.EventMessageReceive), err)
		if err != nil {
			log.Debug("receiver unreachable", zap.Error(err))
		} else {
			st, changed, err := p.delivery.Deliver(ctx, msg.ID, msg.ReceiverID)
			switch {
			case err != nil:
				p.degrade(ctx, log, msg, journal.StepDeliver, err)
			case changed:
				deliveredAt = st.DeliveredAt
				view.Status = st.Status
				p.statusChanged(ctx, msg, st)
			}
		}
	}
	span.SetAttributes(attribute.Bool("delivered", deliveredAt != nil))

	// Acknowledgements to the sender.
	if sender != nil {
		err := sender.Send(model.Event{Name: model.EventMessageSent, Ref: ref, Data: view})
		metrics.RecordPush(string(model.EventMessageSent), err)
		if err != nil {
			p.degrade(ctx, log, msg, journal.StepAck, err)
		} else if deliveredAt != nil {
			err := sender.Send(model.Event{
				Name: model.EventMessageDelivered,
				Ref:  ref,
				Data: model.DeliveredEvent{
					MessageID:      msg.ID,
					ConversationID: msg.ConversationID,
					DeliveredAt:    *deliveredAt,
				},
			})
			metrics.RecordPush(string(model.EventMessageDelivered), err)
		}
	}

	return view, nil
}

// persist validates req and stores the message. Nothing is written when
// it returns an error.
func (p *MessagePipeline) persist(ctx context.Context, senderID string, req model.SendMessageRequest) (*model.Message, error) {
	const op = "message.send"

	if senderID == "" {
		return nil, model.Validation(op, "sender is required")
	}
	if err := req.Normalize(); err != nil {
		return nil, err
	}

	conv, err := p.counterpart(ctx, op, req.ConversationID, senderID, req.ReceiverID)
	if err != nil {
		return nil, err
	}

	now := p.now().UTC()
	msg := &model.Message{
		ID:             uuid.Must(uuid.NewV7()).String(),
		ConversationID: conv.ID,
		SenderID:       senderID,
		ReceiverID:     req.ReceiverID,
		Type:           req.Type,
		Body:           req.Body,
		MediaURL:       req.MediaURL,
		FileName:       req.FileName,
		FileSize:       req.FileSize,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := p.store.CreateMessage(ctx, msg); err != nil {
		return nil, model.Persistence(op, err)
	}

	metrics.MessagesTotal.WithLabelValues(string(msg.Type)).Inc()
	p.journal.Append(ctx, journal.NewRecord(journal.KindMessageCreated, msg.ConversationID, msg.ID))
	return msg, nil
}

// CheckCounterpart verifies that userID takes part in the conversation
// and that receiverID is the other participant.
func (p *MessagePipeline) CheckCounterpart(ctx context.Context, op, conversationID, userID, receiverID string) error {
	_, err := p.counterpart(ctx, op, conversationID, userID, receiverID)
	return err
}

func (p *MessagePipeline) counterpart(ctx context.Context, op, conversationID, userID, receiverID string) (*model.Conversation, error) {
	conv, err := p.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, store.Classify(op, "conversation", err)
	}
	other, ok := conv.OtherParticipant(userID)
	if !ok {
		return nil, model.Validation(op, "sender is not a participant of the conversation")
	}
	if receiverID != other {
		return nil, model.Validation(op, "receiver is not part of the conversation")
	}
	return conv, nil
}

// Read records that reader read messageID and relays message:read to
// the original sender. A duplicate report changes nothing and relays
// nothing.
func (p *MessagePipeline) Read(ctx context.Context, reader, messageID, conversationID string) (*delivery.ReadOutcome, error) {
	ctx, span := tracing.Tracer().Start(ctx, "pipeline.read",
		trace.WithAttributes(attribute.String("message_id", messageID)))
	defer span.End()

	out, err := p.delivery.Read(ctx, reader, messageID, conversationID)
	if err != nil {
		failSpan(span, err)
		return nil, err
	}
	p.relayReads(ctx, reader, out)
	return out, nil
}

// ReadAll marks every unread message of reader in the conversation as
// read and relays one message:read per newly read message.
func (p *MessagePipeline) ReadAll(ctx context.Context, reader, conversationID string) (*delivery.ReadOutcome, error) {
	ctx, span := tracing.Tracer().Start(ctx, "pipeline.read_all",
		trace.WithAttributes(attribute.String("conversation_id", conversationID)))
	defer span.End()

	out, err := p.delivery.ReadAll(ctx, reader, conversationID)
	if err != nil {
		failSpan(span, err)
		return nil, err
	}
	p.relayReads(ctx, reader, out)
	return out, nil
}

func (p *MessagePipeline) relayReads(ctx context.Context, reader string, out *delivery.ReadOutcome) {
	for i := range out.Changed {
		st := &out.Changed[i]
		msg, ok := out.Messages[st.MessageID]
		if !ok {
			continue
		}
		p.statusChanged(ctx, msg, st)

		readAt := p.now().UTC()
		if st.ReadAt != nil {
			readAt = *st.ReadAt
		}
		err := p.registry.Send(msg.SenderID, model.Event{
			Name: model.EventMessageRead,
			Data: model.ReadEvent{
				MessageID:      msg.ID,
				ConversationID: msg.ConversationID,
				ReadBy:         reader,
				ReadAt:         readAt,
			},
		})
		if !errors.Is(err, registry.ErrClosed) {
			metrics.RecordPush(string(model.EventMessageRead), err)
		}
	}
}

// Edit replaces the body of a text message. Only the sender may edit,
// and deleted messages cannot be edited. The receiver gets
// message:edited if reachable.
func (p *MessagePipeline) Edit(ctx context.Context, editor, messageID, body string) (*model.Message, error) {
	const op = "message.edit"
	ctx, span := tracing.Tracer().Start(ctx, "pipeline.edit",
		trace.WithAttributes(attribute.String("message_id", messageID)))
	defer span.End()

	msg, err := p.ownMessage(ctx, op, editor, messageID)
	if err != nil {
		failSpan(span, err)
		return nil, err
	}
	if msg.Type != model.MessageTypeText {
		return nil, model.Validation(op, "only text messages can be edited")
	}
	switch {
	case strings.TrimSpace(body) == "":
		return nil, model.Validation(op, "body cannot be empty")
	case len(body) > model.MaxBodyLength:
		return nil, model.Validation(op, "body exceeds maximum length")
	case !utf8.ValidString(body):
		return nil, model.Validation(op, "body must be valid UTF-8")
	}

	msg.Body = body
	msg.IsEdited = true
	msg.UpdatedAt = p.now().UTC()
	if err := p.store.UpdateMessage(ctx, msg); err != nil {
		err = model.Persistence(op, err)
		failSpan(span, err)
		return nil, err
	}

	p.push(msg.ReceiverID, model.Event{
		Name: model.EventMessageEdited,
		Data: &model.MessageView{Message: *msg},
	})
	return msg, nil
}

// Delete soft-deletes a message the requester sent, then recomputes
// the conversation summary so the message no longer counts as last or
// unread. The receiver gets message:deleted if reachable.
func (p *MessagePipeline) Delete(ctx context.Context, requester, messageID string) (*model.Message, error) {
	const op = "message.delete"
	ctx, span := tracing.Tracer().Start(ctx, "pipeline.delete",
		trace.WithAttributes(attribute.String("message_id", messageID)))
	defer span.End()

	msg, err := p.ownMessage(ctx, op, requester, messageID)
	if err != nil {
		failSpan(span, err)
		return nil, err
	}

	now := p.now().UTC()
	msg.IsDeleted = true
	msg.DeletedAt = &now
	msg.UpdatedAt = now
	if err := p.store.UpdateMessage(ctx, msg); err != nil {
		err = model.Persistence(op, err)
		failSpan(span, err)
		return nil, err
	}

	if err := p.summary.Reconcile(ctx, msg.ConversationID); err != nil {
		p.degrade(ctx, p.logger.With(zap.String("message_id", msg.ID)), msg, journal.StepSummary, err)
	}

	p.push(msg.ReceiverID, model.Event{
		Name: model.EventMessageDeleted,
		Data: model.DeletedEvent{
			MessageID:      msg.ID,
			ConversationID: msg.ConversationID,
			DeletedAt:      now,
		},
	})
	return msg, nil
}

func (p *MessagePipeline) ownMessage(ctx context.Context, op, userID, messageID string) (*model.Message, error) {
	if messageID == "" {
		return nil, model.Validation(op, "message_id is required")
	}
	msg, err := p.store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, store.Classify(op, "message", err)
	}
	if msg.IsDeleted {
		return nil, model.NotFound(op, "message not found")
	}
	if msg.SenderID != userID {
		return nil, model.Validation(op, "only the sender can change a message")
	}
	return msg, nil
}

func (p *MessagePipeline) senderSummary(ctx context.Context, userID string) *model.UserSummary {
	u, err := p.store.GetUser(ctx, userID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			p.logger.Warn("failed to load sender", zap.String("user_id", userID), zap.Error(err))
		}
		return &model.UserSummary{ID: userID}
	}
	return u.Summary()
}

func (p *MessagePipeline) push(userID string, ev model.Event) {
	err := p.registry.Send(userID, ev)
	if errors.Is(err, registry.ErrClosed) {
		return
	}
	metrics.RecordPush(string(ev.Name), err)
}

func (p *MessagePipeline) statusChanged(ctx context.Context, msg *model.Message, st *model.MessageStatus) {
	rec := journal.NewRecord(journal.KindStatusChanged, msg.ConversationID, msg.ID)
	rec.UserID = st.UserID
	rec.Status = st.Status
	p.journal.Append(ctx, rec)
}

func (p *MessagePipeline) degrade(ctx context.Context, log *logger.Logger, msg *model.Message, step string, err error) {
	metrics.PipelineDegraded.WithLabelValues(step).Inc()
	log.Warn("pipeline step failed after persistence",
		zap.String("step", step),
		zap.Error(err),
	)
	p.journal.Degraded(ctx, msg, step, err)
}

func failSpan(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
