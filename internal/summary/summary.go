// Package summary maintains each conversation's last-message pointer
// and its participants' unread counters.
package summary

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/messaging-core/internal/model"
	"github.com/capitalize-ai/messaging-core/internal/store"
	"github.com/capitalize-ai/messaging-core/pkg/logger"
	"github.com/capitalize-ai/messaging-core/pkg/metrics"
)

// Maintainer applies summary updates through the store.
type Maintainer struct {
	store  store.Store
	logger *logger.Logger
}

// NewMaintainer creates a maintainer.
func NewMaintainer(s store.Store, log *logger.Logger) *Maintainer {
	return &Maintainer{store: s, logger: log.Named("summary")}
}

// OnMessageCreated moves the last-message pointer forward and recounts
// the receiver's unread messages. Both updates are attempted; the
// returned error joins whichever failed.
func (m *Maintainer) OnMessageCreated(ctx context.Context, msg *model.Message) error {
	var errs []error
	if err := m.store.AdvanceLastMessage(ctx, msg.ConversationID, msg.ID, msg.CreatedAt); err != nil {
		errs = append(errs, fmt.Errorf("advance last message: %w", err))
	}
	if err := m.store.RecountUnread(ctx, msg.ConversationID, msg.ReceiverID); err != nil {
		errs = append(errs, fmt.Errorf("recount unread: %w", err))
	}
	return errors.Join(errs...)
}

// CommitRead marks the receipt's messages read, records the read
// pointer and recounts the reader's unread messages in one store
// operation, so a status is never read while still counted unread.
func (m *Maintainer) CommitRead(ctx context.Context, receipt store.ReadReceipt) (*store.ReadResult, error) {
	if receipt.At.IsZero() {
		receipt.At = time.Now().UTC()
	}
	result, err := m.store.ApplyRead(ctx, receipt)
	if err != nil {
		return nil, store.Classify("summary.read", "participant", err)
	}
	return result, nil
}

// Reconcile recomputes the conversation's derived state from message
// and status rows: the newest non-deleted message becomes the last
// message and both unread counters are recounted.
func (m *Maintainer) Reconcile(ctx context.Context, conversationID string) error {
	err := m.reconcile(ctx, conversationID)
	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.ReconcileTotal.WithLabelValues(result).Inc()
	return err
}

func (m *Maintainer) reconcile(ctx context.Context, conversationID string) error {
	conv, err := m.store.GetConversation(ctx, conversationID)
	if err != nil {
		return store.Classify("summary.reconcile", "conversation", err)
	}

	latest, err := m.store.LatestMessage(ctx, conversationID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		err = m.store.SetLastMessage(ctx, conversationID, "", nil)
	case err != nil:
		return model.Persistence("summary.reconcile", err)
	default:
		at := latest.CreatedAt
		err = m.store.SetLastMessage(ctx, conversationID, latest.ID, &at)
	}
	if err != nil {
		return model.Persistence("summary.reconcile", err)
	}

	for _, userID := range conv.Participants() {
		if err := m.store.RecountUnread(ctx, conversationID, userID); err != nil {
			return model.Persistence("summary.reconcile", err)
		}
	}

	m.logger.Debug("conversation reconciled", zap.String("conversation_id", conversationID))
	return nil
}
