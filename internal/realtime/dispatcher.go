package realtime

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/messaging-core/internal/model"
	"github.com/capitalize-ai/messaging-core/internal/presence"
	"github.com/capitalize-ai/messaging-core/internal/registry"
	"github.com/capitalize-ai/messaging-core/internal/service"
	"github.com/capitalize-ai/messaging-core/internal/typing"
	"github.com/capitalize-ai/messaging-core/pkg/logger"
	"github.com/capitalize-ai/messaging-core/pkg/metrics"
)

// Dispatcher routes decoded intents to the pipeline and the trackers.
// Failures go back to the originating connection as message:error.
type Dispatcher struct {
	pipeline *service.MessagePipeline
	typing   *typing.Tracker
	presence *presence.Tracker
	timeout  time.Duration
	logger   *logger.Logger
}

// NewDispatcher creates a dispatcher. Each event gets timeout to finish
// its storage calls.
func NewDispatcher(
	pipeline *service.MessagePipeline,
	typingTracker *typing.Tracker,
	presenceTracker *presence.Tracker,
	timeout time.Duration,
	log *logger.Logger,
) *Dispatcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Dispatcher{
		pipeline: pipeline,
		typing:   typingTracker,
		presence: presenceTracker,
		timeout:  timeout,
		logger:   log.Named("dispatcher"),
	}
}

// Dispatch implements Handler. The connection going away does not
// cancel an event already being handled.
func (d *Dispatcher) Dispatch(ctx context.Context, conn registry.Conn, ref string, in model.Inbound) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
	defer cancel()

	err := d.handle(ctx, conn, ref, in)
	metrics.EventDuration.WithLabelValues(string(in.EventName())).Observe(time.Since(start).Seconds())
	if err == nil {
		return
	}

	kind := model.KindOf(err)
	fields := []zap.Field{
		zap.String("event", string(in.EventName())),
		zap.String("user_id", conn.UserID()),
		zap.String("connection_id", conn.ID()),
		zap.String("kind", string(kind)),
		zap.Error(err),
	}
	if kind == model.KindPersistence || kind == model.KindInternal {
		d.logger.Error("event failed", fields...)
	} else {
		d.logger.Debug("event rejected", fields...)
	}

	sendErr := conn.Send(model.Event{
		Name: model.EventMessageError,
		Ref:  ref,
		Data: model.ErrorEvent{Code: kind, Message: model.PublicMessage(err)},
	})
	metrics.RecordPush(string(model.EventMessageError), sendErr)
}

func (d *Dispatcher) handle(ctx context.Context, conn registry.Conn, ref string, in model.Inbound) error {
	userID := conn.UserID()

	switch in := in.(type) {
	case model.SendMessage:
		_, err := d.pipeline.Send(ctx, conn, ref, in.SendMessageRequest)
		return err

	case model.ReadMessage:
		_, err := d.pipeline.Read(ctx, userID, in.MessageID, in.ConversationID)
		return err

	case model.ReadAll:
		_, err := d.pipeline.ReadAll(ctx, userID, in.ConversationID)
		return err

	case model.TypingStart:
		if err := d.checkTyping(ctx, in.ConversationID, in.ReceiverID, userID); err != nil {
			return err
		}
		d.typing.Start(in.ConversationID, userID, in.ReceiverID)
		return nil

	case model.TypingStop:
		if err := d.checkTyping(ctx, in.ConversationID, in.ReceiverID, userID); err != nil {
			return err
		}
		d.typing.Stop(in.ConversationID, userID, in.ReceiverID)
		return nil

	case model.PresenceUpdate:
		if in.IsOnline == nil {
			return model.Validation("presence.update", "is_online is required")
		}
		d.presence.SetPresence(ctx, userID, *in.IsOnline)
		return nil

	case model.EditMessage:
		msg, err := d.pipeline.Edit(ctx, userID, in.MessageID, in.Body)
		if err != nil {
			return err
		}
		return d.reply(conn, model.Event{
			Name: model.EventMessageEdited,
			Ref:  ref,
			Data: &model.MessageView{Message: *msg},
		})

	case model.DeleteMessage:
		msg, err := d.pipeline.Delete(ctx, userID, in.MessageID)
		if err != nil {
			return err
		}
		return d.reply(conn, model.Event{
			Name: model.EventMessageDeleted,
			Ref:  ref,
			Data: model.DeletedEvent{
				MessageID:      msg.ID,
				ConversationID: msg.ConversationID,
				DeletedAt:      *msg.DeletedAt,
			},
		})
	}

	return model.Validation("event.dispatch", "unsupported event "+string(in.EventName()))
}

// reply acknowledges to the originating connection. A failed push is
// not an error of the operation.
func (d *Dispatcher) reply(conn registry.Conn, ev model.Event) error {
	metrics.RecordPush(string(ev.Name), conn.Send(ev))
	return nil
}

// checkTyping only lets typing indicators flow between the two
// participants of an existing conversation.
func (d *Dispatcher) checkTyping(ctx context.Context, conversationID, receiverID, userID string) error {
	const op = "typing.validate"
	switch {
	case conversationID == "":
		return model.Validation(op, "conversation_id is required")
	case receiverID == "":
		return model.Validation(op, "receiver_id is required")
	case receiverID == userID:
		return model.Validation(op, "receiver must be another user")
	}
	return d.pipeline.CheckCounterpart(ctx, op, conversationID, userID, receiverID)
}
