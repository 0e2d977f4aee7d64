package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/capitalize-ai/messaging-core/internal/middleware"
	"github.com/capitalize-ai/messaging-core/internal/model"
	"github.com/capitalize-ai/messaging-core/internal/service"
	"github.com/capitalize-ai/messaging-core/pkg/logger"
)

// MessageHandler handles message endpoints.
type MessageHandler struct {
	pipeline            *service.MessagePipeline
	conversationService *service.ConversationService
	logger              *logger.Logger
}

// NewMessageHandler creates a new message handler.
func NewMessageHandler(
	pipeline *service.MessagePipeline,
	convSvc *service.ConversationService,
	log *logger.Logger,
) *MessageHandler {
	return &MessageHandler{
		pipeline:            pipeline,
		conversationService: convSvc,
		logger:              log.Named("http.messages"),
	}
}

// ReadResponse reports the outcome of marking a conversation read.
type ReadResponse struct {
	Updated     int                `json:"updated"`
	Participant *model.Participant `json:"participant,omitempty"`
}

// List handles GET /api/v1/conversations/{id}/messages?after=&limit=
func (h *MessageHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	conversationID := chi.URLParam(r, "id")
	after := r.URL.Query().Get("after")

	if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	if err := middleware.ValidateMessageID(after); err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	limit, err := middleware.ParseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	resp, err := h.conversationService.History(ctx, middleware.GetUserID(ctx), conversationID, after, limit)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// ReadAll handles POST /api/v1/conversations/{id}/read. Senders that
// are connected receive message:read exactly as for the channel event.
func (h *MessageHandler) ReadAll(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	conversationID := chi.URLParam(r, "id")

	if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	out, err := h.pipeline.ReadAll(ctx, middleware.GetUserID(ctx), conversationID)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, ReadResponse{
		Updated:     len(out.Changed),
		Participant: out.Participant,
	})
}
