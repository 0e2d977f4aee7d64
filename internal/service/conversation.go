// Package service provides the business operations of the messaging
// core: the message pipeline, conversation access and reconciliation.
package service

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/capitalize-ai/messaging-core/internal/model"
	"github.com/capitalize-ai/messaging-core/internal/store"
	"github.com/capitalize-ai/messaging-core/internal/summary"
	"github.com/capitalize-ai/messaging-core/pkg/logger"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 100
)

// ConversationService handles conversation operations.
type ConversationService struct {
	store   store.Store
	summary *summary.Maintainer
	logger  *logger.Logger
	now     func() time.Time
}

// NewConversationService creates a new conversation service.
func NewConversationService(s store.Store, maintainer *summary.Maintainer, log *logger.Logger) *ConversationService {
	return &ConversationService{
		store:   s,
		summary: maintainer,
		logger:  log.Named("conversations"),
		now:     time.Now,
	}
}

// GetOrCreate returns the conversation between userID and
// participantID, creating it and both participant rows on first use.
// The bool reports whether it was created.
func (s *ConversationService) GetOrCreate(ctx context.Context, userID, participantID string) (*model.Conversation, bool, error) {
	const op = "conversation.create"

	if participantID == "" {
		return nil, false, model.Validation(op, "participant_id is required")
	}
	if participantID == userID {
		return nil, false, model.Validation(op, "cannot start a conversation with yourself")
	}

	conv, err := s.store.FindConversationBetween(ctx, userID, participantID)
	if err == nil {
		return conv, false, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, false, model.Persistence(op, err)
	}

	now := time.Now().UTC()
	conv = &model.Conversation{
		ID:           uuid.Must(uuid.NewV7()).String(),
		ParticipantA: userID,
		ParticipantB: participantID,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	err = s.store.CreateConversation(ctx, conv)
	if errors.Is(err, store.ErrConflict) {
		// Lost a race with the other participant.
		existing, ferr := s.store.FindConversationBetween(ctx, userID, participantID)
		if ferr != nil {
			return nil, false, model.Persistence(op, ferr)
		}
		return existing, false, nil
	}
	if err != nil {
		return nil, false, model.Persistence(op, err)
	}

	s.logger.Info("conversation created",
		zap.String("conversation_id", conv.ID),
		zap.String("user_id", userID),
		zap.String("participant_id", participantID),
	)
	return conv, true, nil
}

// Get returns a conversation the user takes part in, together with the
// user's participant row. Conversations of other users are reported as
// not found.
func (s *ConversationService) Get(ctx context.Context, userID, conversationID string) (*model.ConversationSummary, error) {
	const op = "conversation.get"

	conv, err := s.member(ctx, op, userID, conversationID)
	if err != nil {
		return nil, err
	}
	p, err := s.store.GetParticipant(ctx, conv.ID, userID)
	if err != nil {
		return nil, store.Classify(op, "participant", err)
	}
	return &model.ConversationSummary{Conversation: *conv, Participant: p}, nil
}

// List returns the user's conversations, most recently active first.
func (s *ConversationService) List(ctx context.Context, userID string) (*model.ListConversationsResponse, error) {
	const op = "conversation.list"

	convs, err := s.store.ListConversations(ctx, userID)
	if err != nil {
		return nil, model.Persistence(op, err)
	}

	out := make([]model.ConversationSummary, 0, len(convs))
	for _, conv := range convs {
		summary := model.ConversationSummary{Conversation: conv}
		p, err := s.store.GetParticipant(ctx, conv.ID, userID)
		switch {
		case err == nil:
			summary.Participant = p
		case !errors.Is(err, store.ErrNotFound):
			return nil, model.Persistence(op, err)
		}
		out = append(out, summary)
	}

	return &model.ListConversationsResponse{
		Conversations: out,
		Total:         len(out),
	}, nil
}

// History returns non-deleted messages after afterID, oldest first,
// each with the receiver's delivery status. limit is clamped to
// 1..100 and defaults to 50.
func (s *ConversationService) History(ctx context.Context, userID, conversationID, afterID string, limit int) (*model.ListMessagesResponse, error) {
	const op = "conversation.history"

	if _, err := s.member(ctx, op, userID, conversationID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	msgs, err := s.store.ListMessages(ctx, conversationID, afterID, limit+1)
	if err != nil {
		return nil, model.Persistence(op, err)
	}
	hasMore := len(msgs) > limit
	if hasMore {
		msgs = msgs[:limit]
	}

	views := make([]model.MessageView, 0, len(msgs))
	for _, msg := range msgs {
		view := model.MessageView{Message: msg}
		st, err := s.store.GetStatus(ctx, msg.ID, msg.ReceiverID)
		switch {
		case err == nil:
			view.Status = st.Status
		case errors.Is(err, store.ErrNotFound):
			view.Status = model.StatusSent
		default:
			return nil, model.Persistence(op, err)
		}
		views = append(views, view)
	}

	resp := &model.ListMessagesResponse{Messages: views, HasMore: hasMore}
	if len(views) > 0 {
		resp.LastID = views[len(views)-1].ID
	}
	return resp, nil
}

// UpdateSettings mutes, unmutes, archives or unarchives the
// conversation for userID only.
func (s *ConversationService) UpdateSettings(ctx context.Context, userID, conversationID string, settings model.ParticipantSettings) (*model.Participant, error) {
	const op = "conversation.settings"

	if settings.Empty() {
		return nil, model.Validation(op, "is_muted or is_archived is required")
	}
	conv, err := s.member(ctx, op, userID, conversationID)
	if err != nil {
		return nil, err
	}
	p, err := s.store.UpdateParticipant(ctx, conv.ID, userID, settings)
	if err != nil {
		return nil, store.Classify(op, "participant", err)
	}
	return p, nil
}

// Delete clears the conversation: every message is soft-deleted for
// both participants and the summary is recomputed. The conversation
// and participant rows remain, so GetOrCreate keeps returning it.
func (s *ConversationService) Delete(ctx context.Context, userID, conversationID string) (*model.DeleteConversationResponse, error) {
	const op = "conversation.delete"

	conv, err := s.member(ctx, op, userID, conversationID)
	if err != nil {
		return nil, err
	}
	n, err := s.store.DeleteMessages(ctx, conv.ID, s.now().UTC())
	if err != nil {
		return nil, store.Classify(op, "conversation", err)
	}
	if err := s.summary.Reconcile(ctx, conv.ID); err != nil {
		return nil, err
	}

	s.logger.Info("conversation cleared",
		zap.String("conversation_id", conv.ID),
		zap.String("user_id", userID),
		zap.Int("messages", n),
	)
	return &model.DeleteConversationResponse{ConversationID: conv.ID, Deleted: n}, nil
}

func (s *ConversationService) member(ctx context.Context, op, userID, conversationID string) (*model.Conversation, error) {
	if conversationID == "" {
		return nil, model.Validation(op, "conversation_id is required")
	}
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, store.Classify(op, "conversation", err)
	}
	if !conv.HasParticipant(userID) {
		return nil, model.NotFound(op, "conversation not found")
	}
	return conv, nil
}
