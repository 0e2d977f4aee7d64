// Package presence flips users online and offline and broadcasts the
// change to every reachable connection.
package presence

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/messaging-core/internal/model"
	"github.com/capitalize-ai/messaging-core/internal/registry"
	"github.com/capitalize-ai/messaging-core/pkg/logger"
	"github.com/capitalize-ai/messaging-core/pkg/metrics"
)

// Mirror persists the best-effort online flag. The registry stays the
// source of truth for delivery decisions.
type Mirror interface {
	Name() string
	SetOnline(ctx context.Context, userID string, online bool, lastSeen *time.Time) error
}

// Tracker owns the connect and disconnect lifecycle of users.
type Tracker struct {
	registry *registry.Registry
	mirror   Mirror
	logger   *logger.Logger
	now      func() time.Time
}

// NewTracker creates a presence tracker. mirror may be nil.
func NewTracker(reg *registry.Registry, mirror Mirror, log *logger.Logger) *Tracker {
	return &Tracker{
		registry: reg,
		mirror:   mirror,
		logger:   log.Named("presence"),
		now:      time.Now,
	}
}

// Connect registers conn, marks its user online and tells everybody
// else. A connection it replaced is returned so the caller can close
// it; the user stays online in that case and no broadcast repeats.
func (t *Tracker) Connect(ctx context.Context, conn registry.Conn) registry.Conn {
	prev, replaced := t.registry.Register(conn)
	if replaced {
		t.logger.Info("connection replaced",
			zap.String("user_id", conn.UserID()),
			zap.String("connection_id", conn.ID()),
			zap.String("replaced_connection_id", prev.ID()),
		)
		return prev
	}

	t.setOnline(ctx, conn.UserID(), true, nil)
	t.broadcast(conn.UserID(), model.Event{
		Name: model.EventUserOnline,
		Data: model.PresenceEvent{UserID: conn.UserID()},
	})
	return nil
}

// Disconnect removes conn. If a newer connection of the same user is
// registered the call is a no-op and the user stays online.
func (t *Tracker) Disconnect(ctx context.Context, conn registry.Conn) bool {
	if !t.registry.Unregister(conn) {
		return false
	}
	t.markOffline(ctx, conn.UserID())
	return true
}

// SetPresence applies a manual online/offline override. The registry
// entry is untouched, so the user remains reachable either way.
func (t *Tracker) SetPresence(ctx context.Context, userID string, online bool) {
	if online {
		t.setOnline(ctx, userID, true, nil)
		t.broadcast(userID, model.Event{
			Name: model.EventUserOnline,
			Data: model.PresenceEvent{UserID: userID},
		})
		return
	}
	t.markOffline(ctx, userID)
}

func (t *Tracker) markOffline(ctx context.Context, userID string) {
	lastSeen := t.now().UTC()
	t.setOnline(ctx, userID, false, &lastSeen)
	t.broadcast(userID, model.Event{
		Name: model.EventUserOffline,
		Data: model.PresenceEvent{UserID: userID, LastSeenAt: &lastSeen},
	})
}

func (t *Tracker) setOnline(ctx context.Context, userID string, online bool, lastSeen *time.Time) {
	if t.mirror == nil {
		return
	}
	if err := t.mirror.SetOnline(ctx, userID, online, lastSeen); err != nil {
		metrics.PresenceMirrorErrors.WithLabelValues(t.mirror.Name()).Inc()
		t.logger.Warn("failed to persist presence",
			zap.String("user_id", userID),
			zap.Bool("online", online),
			zap.Error(err),
		)
	}
}

// broadcast is best-effort: a full or closed connection is skipped.
func (t *Tracker) broadcast(userID string, ev model.Event) {
	t.registry.Each(func(c registry.Conn) {
		if c.UserID() == userID {
			return
		}
		err := c.Send(ev)
		metrics.RecordPush(string(ev.Name), err)
	})
}
