package realtime

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"github.com/capitalize-ai/messaging-core/internal/model"
	"github.com/capitalize-ai/messaging-core/internal/registry"
	"github.com/capitalize-ai/messaging-core/pkg/logger"
	"github.com/capitalize-ai/messaging-core/pkg/metrics"
)

// Options tune a session.
type Options struct {
	SendBuffer      int
	PingInterval    time.Duration
	WriteTimeout    time.Duration
	MaxMessageBytes int64
}

func (o Options) withDefaults() Options {
	if o.SendBuffer <= 0 {
		o.SendBuffer = 64
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 25 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.MaxMessageBytes <= 0 {
		o.MaxMessageBytes = 256 << 10
	}
	return o
}

// Handler receives the decoded intents of a session, one at a time and
// in arrival order.
type Handler interface {
	Dispatch(ctx context.Context, conn registry.Conn, ref string, in model.Inbound)
}

// Session is one authenticated WebSocket connection. It implements
// registry.Conn.
type Session struct {
	id     string
	userID string
	conn   *websocket.Conn
	codec  Codec
	opts   Options
	logger *logger.Logger

	send      chan model.Event
	done      chan struct{}
	closeOnce sync.Once
}

var _ registry.Conn = (*Session)(nil)

// NewSession wraps an accepted connection of userID.
func NewSession(conn *websocket.Conn, userID string, codec Codec, opts Options, log *logger.Logger) *Session {
	opts = opts.withDefaults()
	id := uuid.Must(uuid.NewV7()).String()
	conn.SetReadLimit(opts.MaxMessageBytes)
	return &Session{
		id:     id,
		userID: userID,
		conn:   conn,
		codec:  codec,
		opts:   opts,
		logger: log.WithContext("", userID, id),
		send:   make(chan model.Event, opts.SendBuffer),
		done:   make(chan struct{}),
	}
}

// ID implements registry.Conn.
func (s *Session) ID() string { return s.id }

// UserID implements registry.Conn.
func (s *Session) UserID() string { return s.userID }

// Send implements registry.Conn. It never blocks: a full buffer
// reports registry.ErrBackpressure.
func (s *Session) Send(ev model.Event) error {
	select {
	case <-s.done:
		return registry.ErrClosed
	default:
	}
	select {
	case s.send <- ev:
		return nil
	case <-s.done:
		return registry.ErrClosed
	default:
		return registry.ErrBackpressure
	}
}

// Close closes the connection with code and reason. Safe to call more
// than once.
func (s *Session) Close(code websocket.StatusCode, reason string) {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.Close(code, reason)
	})
}

// Done is closed once the session has been closed.
func (s *Session) Done() <-chan struct{} { return s.done }

// Run serves the connection until the client goes away or ctx is
// done. Inbound frames are handed to h sequentially.
func (s *Session) Run(ctx context.Context, h Handler) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go s.writeLoop(ctx)
	go s.keepAlive(ctx)

	s.readLoop(ctx, h)
	s.Close(websocket.StatusNormalClosure, "bye")
}

func (s *Session) readLoop(ctx context.Context, h Handler) {
	for {
		typ, data, err := s.conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway && !errors.Is(err, context.Canceled) {
				s.logger.Debug("read failed", zap.Error(err))
			}
			return
		}
		if typ != s.codec.MessageType() {
			s.reject("", model.Validation("event.decode", "unexpected frame type for "+s.codec.Subprotocol()))
			continue
		}

		frame, err := s.codec.Decode(data)
		if err != nil {
			s.reject("", model.Validation("event.decode", "malformed frame"))
			continue
		}
		in, err := model.DecodeInbound(frame.Event, frame.Decode)
		if err != nil {
			s.reject(frame.Ref, err)
			continue
		}
		metrics.EventsInbound.WithLabelValues(string(frame.Event)).Inc()
		h.Dispatch(ctx, s, frame.Ref, in)
	}
}

func (s *Session) reject(ref string, err error) {
	sendErr := s.Send(model.Event{
		Name: model.EventMessageError,
		Ref:  ref,
		Data: model.ErrorEvent{Code: model.KindOf(err), Message: model.PublicMessage(err)},
	})
	metrics.RecordPush(string(model.EventMessageError), sendErr)
}

func (s *Session) writeLoop(ctx context.Context) {
	for {
		select {
		case <-s.done:
			return
		case <-ctx.Done():
			return
		case ev := <-s.send:
			data, err := s.codec.Encode(ev)
			if err != nil {
				s.logger.Error("failed to encode event", zap.String("event", string(ev.Name)), zap.Error(err))
				continue
			}
			writeCtx, cancel := context.WithTimeout(ctx, s.opts.WriteTimeout)
			err = s.conn.Write(writeCtx, s.codec.MessageType(), data)
			cancel()
			if err != nil {
				s.logger.Debug("write failed", zap.Error(err))
				s.Close(websocket.StatusInternalError, "write failed")
				return
			}
		}
	}
}

func (s *Session) keepAlive(ctx context.Context) {
	ticker := time.NewTicker(s.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, s.opts.WriteTimeout)
			err := s.conn.Ping(pingCtx)
			cancel()
			if err != nil {
				s.logger.Debug("ping failed", zap.Error(err))
				s.Close(websocket.StatusPolicyViolation, "ping timeout")
				return
			}
		}
	}
}
