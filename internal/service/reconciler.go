package service

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/capitalize-ai/messaging-core/internal/delivery"
	"github.com/capitalize-ai/messaging-core/internal/journal"
	"github.com/capitalize-ai/messaging-core/internal/model"
	"github.com/capitalize-ai/messaging-core/internal/store"
	"github.com/capitalize-ai/messaging-core/internal/summary"
	"github.com/capitalize-ai/messaging-core/pkg/logger"
)

// Reconciler repairs derived state named by summary.degraded journal
// records. It is the journal's consumer.
type Reconciler struct {
	store    store.Store
	delivery *delivery.Machine
	summary  *summary.Maintainer
	logger   *logger.Logger
}

// NewReconciler creates a reconciler.
func NewReconciler(s store.Store, machine *delivery.Machine, maintainer *summary.Maintainer, log *logger.Logger) *Reconciler {
	return &Reconciler{
		store:    s,
		delivery: machine,
		summary:  maintainer,
		logger:   log.Named("reconciler"),
	}
}

// Handle implements journal.Handler. Records other than
// summary.degraded are acknowledged without work.
func (r *Reconciler) Handle(ctx context.Context, rec journal.Record) error {
	if rec.Kind != journal.KindSummaryDegraded {
		return nil
	}
	log := r.logger.With(
		zap.String("conversation_id", rec.ConversationID),
		zap.String("message_id", rec.MessageID),
		zap.String("step", rec.Step),
	)

	// A missing status row makes the message invisible to delivery and
	// read; recreate it before recounting.
	if rec.Step == journal.StepStatus && rec.MessageID != "" {
		msg, err := r.store.GetMessage(ctx, rec.MessageID)
		switch {
		case err == nil:
			if _, err := r.delivery.Open(ctx, msg); err != nil {
				return err
			}
		case errors.Is(err, store.ErrNotFound):
			log.Warn("degraded record references unknown message")
		default:
			return err
		}
	}

	err := r.summary.Reconcile(ctx, rec.ConversationID)
	if model.KindOf(err) == model.KindNotFound {
		log.Warn("degraded record references unknown conversation")
		return nil
	}
	if err != nil {
		return err
	}
	log.Info("conversation reconciled")
	return nil
}
