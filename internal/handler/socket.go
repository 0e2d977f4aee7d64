package handler

import (
	"context"
	"net/http"

	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"github.com/capitalize-ai/messaging-core/internal/middleware"
	"github.com/capitalize-ai/messaging-core/internal/presence"
	"github.com/capitalize-ai/messaging-core/internal/realtime"
	"github.com/capitalize-ai/messaging-core/internal/typing"
	"github.com/capitalize-ai/messaging-core/pkg/logger"
	"github.com/capitalize-ai/messaging-core/pkg/metrics"
)

// SocketConfig holds handshake and session settings.
type SocketConfig struct {
	JWTSecret          string
	OriginPatterns     []string
	InsecureSkipVerify bool
	Session            realtime.Options
}

// SocketHandler upgrades authenticated requests to the real-time
// channel.
type SocketHandler struct {
	cfg        SocketConfig
	presence   *presence.Tracker
	typing     *typing.Tracker
	dispatcher realtime.Handler
	logger     *logger.Logger
}

// NewSocketHandler creates a new socket handler.
func NewSocketHandler(
	cfg SocketConfig,
	presenceTracker *presence.Tracker,
	typingTracker *typing.Tracker,
	dispatcher realtime.Handler,
	log *logger.Logger,
) *SocketHandler {
	return &SocketHandler{
		cfg:        cfg,
		presence:   presenceTracker,
		typing:     typingTracker,
		dispatcher: dispatcher,
		logger:     log.Named("socket"),
	}
}

// closer is implemented by sessions that can be shut from outside.
type closer interface {
	Close(code websocket.StatusCode, reason string)
}

// Connect handles GET /ws. The token is checked before the upgrade, so
// a rejected client never appears in the registry.
func (h *SocketHandler) Connect(w http.ResponseWriter, r *http.Request) {
	token, err := middleware.TokenFromRequest(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	userID, err := middleware.ParseToken(token, h.cfg.JWTSecret)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid token")
		return
	}

	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       realtime.Subprotocols(),
		OriginPatterns:     h.cfg.OriginPatterns,
		InsecureSkipVerify: h.cfg.InsecureSkipVerify,
	})
	if err != nil {
		// Accept has already written the response.
		h.logger.Debug("upgrade failed", zap.String("user_id", userID), zap.Error(err))
		return
	}

	codec := realtime.CodecFor(c.Subprotocol())
	session := realtime.NewSession(c, userID, codec, h.cfg.Session, h.logger)
	log := h.logger.WithContext(middleware.GetCorrelationID(r.Context()), userID, session.ID())

	ctx := r.Context()
	if prev := h.presence.Connect(ctx, session); prev != nil {
		// The old session's disconnect no longer owns the user, so its
		// indicators are cleared here.
		h.typing.ClearUser(userID)
		if old, ok := prev.(closer); ok {
			old.Close(websocket.StatusPolicyViolation, "replaced by a newer connection")
		}
	}
	metrics.IncrementConnections()
	log.Info("connection opened", zap.String("subprotocol", codec.Subprotocol()))

	session.Run(ctx, h.dispatcher)

	metrics.DecrementConnections()
	if h.presence.Disconnect(context.WithoutCancel(ctx), session) {
		h.typing.ClearUser(userID)
	}
	log.Info("connection closed")
}
