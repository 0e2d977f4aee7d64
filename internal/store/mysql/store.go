// Package mysql implements store.Store on MySQL through GORM.
package mysql

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/capitalize-ai/messaging-core/internal/model"
	"github.com/capitalize-ai/messaging-core/internal/store"
)

// Store is the GORM backed persistence collaborator.
type Store struct {
	db *gorm.DB
}

var _ store.Store = (*Store)(nil)

// Open connects to MySQL and migrates the messaging tables.
func Open(dsn string) (*Store, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		return nil, fmt.Errorf("failed to connect mysql: %w", err)
	}
	if err := db.AutoMigrate(
		&userRecord{},
		&conversationRecord{},
		&participantRecord{},
		&messageRecord{},
		&statusRecord{},
	); err != nil {
		return nil, fmt.Errorf("auto migrate failed: %w", err)
	}
	return New(db), nil
}

// New wraps an existing GORM handle.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return store.ErrNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return store.ErrConflict
	}
	return err
}

var forUpdate = clause.Locking{Strength: "UPDATE"}

// GetConversation implements store.Conversations.
func (s *Store) GetConversation(ctx context.Context, id string) (*model.Conversation, error) {
	var rec conversationRecord
	if err := s.db.WithContext(ctx).Where("id = ?", id).Take(&rec).Error; err != nil {
		return nil, translate(err)
	}
	return rec.toModel(), nil
}

// FindConversationBetween implements store.Conversations.
func (s *Store) FindConversationBetween(ctx context.Context, userA, userB string) (*model.Conversation, error) {
	var rec conversationRecord
	err := s.db.WithContext(ctx).
		Where("pair_key = ?", pairKey(userA, userB)).
		Take(&rec).Error
	if err != nil {
		return nil, translate(err)
	}
	return rec.toModel(), nil
}

// CreateConversation implements store.Conversations.
func (s *Store) CreateConversation(ctx context.Context, conv *model.Conversation) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(conversationFromModel(conv)).Error; err != nil {
			return err
		}
		participants := make([]participantRecord, 0, 2)
		for _, uid := range conv.Participants() {
			participants = append(participants, participantRecord{
				ConversationID: conv.ID,
				UserID:         uid,
				JoinedAt:       conv.CreatedAt,
			})
		}
		return tx.Create(&participants).Error
	})
	return translate(err)
}

// ListConversations implements store.Conversations.
func (s *Store) ListConversations(ctx context.Context, userID string) ([]model.Conversation, error) {
	var recs []conversationRecord
	err := s.db.WithContext(ctx).
		Where("user_one_id = ? OR user_two_id = ?", userID, userID).
		Order("COALESCE(last_message_at, created_at) DESC").
		Find(&recs).Error
	if err != nil {
		return nil, translate(err)
	}
	convs := make([]model.Conversation, 0, len(recs))
	for i := range recs {
		convs = append(convs, *recs[i].toModel())
	}
	return convs, nil
}

// AdvanceLastMessage implements store.Conversations.
func (s *Store) AdvanceLastMessage(ctx context.Context, conversationID, messageID string, at time.Time) error {
	res := s.db.WithContext(ctx).Model(&conversationRecord{}).
		Where("id = ?", conversationID).
		Where("last_message_at IS NULL OR last_message_at < ? OR (last_message_at = ? AND last_message_id <= ?)", at, at, messageID).
		Updates(map[string]any{
			"last_message_id": messageID,
			"last_message_at": at,
		})
	if res.Error != nil {
		return translate(res.Error)
	}
	if res.RowsAffected == 0 {
		// Either newer already or missing; only the latter is an error.
		_, err := s.GetConversation(ctx, conversationID)
		return err
	}
	return nil
}

// SetLastMessage implements store.Conversations.
func (s *Store) SetLastMessage(ctx context.Context, conversationID, messageID string, at *time.Time) error {
	res := s.db.WithContext(ctx).Model(&conversationRecord{}).
		Where("id = ?", conversationID).
		Updates(map[string]any{
			"last_message_id": messageID,
			"last_message_at": at,
		})
	if res.Error != nil {
		return translate(res.Error)
	}
	if res.RowsAffected == 0 {
		_, err := s.GetConversation(ctx, conversationID)
		return err
	}
	return nil
}

// GetParticipant implements store.Participants.
func (s *Store) GetParticipant(ctx context.Context, conversationID, userID string) (*model.Participant, error) {
	var rec participantRecord
	err := s.db.WithContext(ctx).
		Where("conversation_id = ? AND user_id = ?", conversationID, userID).
		Take(&rec).Error
	if err != nil {
		return nil, translate(err)
	}
	return rec.toModel(), nil
}

// RecountUnread implements store.Participants with a single UPDATE
// whose value is the unread subquery.
func (s *Store) RecountUnread(ctx context.Context, conversationID, userID string) error {
	db := s.db.WithContext(ctx)
	res := recount(db, conversationID, userID)
	if res.Error != nil {
		return translate(res.Error)
	}
	if res.RowsAffected == 0 {
		// The count did not change, or the row is missing.
		return exists(db, &participantRecord{}, "conversation_id = ? AND user_id = ?", conversationID, userID)
	}
	return nil
}

// UpdateParticipant implements store.Participants.
func (s *Store) UpdateParticipant(ctx context.Context, conversationID, userID string, settings model.ParticipantSettings) (*model.Participant, error) {
	updates := map[string]any{}
	if settings.IsMuted != nil {
		updates["is_muted"] = *settings.IsMuted
	}
	if settings.IsArchived != nil {
		updates["is_archived"] = *settings.IsArchived
	}
	if len(updates) > 0 {
		err := s.db.WithContext(ctx).Model(&participantRecord{}).
			Where("conversation_id = ? AND user_id = ?", conversationID, userID).
			Updates(updates).Error
		if err != nil {
			return nil, translate(err)
		}
	}
	return s.GetParticipant(ctx, conversationID, userID)
}

// CreateMessage implements store.Messages.
func (s *Store) CreateMessage(ctx context.Context, msg *model.Message) error {
	return translate(s.db.WithContext(ctx).Create(messageFromModel(msg)).Error)
}

// GetMessage implements store.Messages.
func (s *Store) GetMessage(ctx context.Context, id string) (*model.Message, error) {
	var rec messageRecord
	if err := s.db.WithContext(ctx).Where("id = ?", id).Take(&rec).Error; err != nil {
		return nil, translate(err)
	}
	return rec.toModel(), nil
}

// UpdateMessage implements store.Messages.
func (s *Store) UpdateMessage(ctx context.Context, msg *model.Message) error {
	res := s.db.WithContext(ctx).Model(&messageRecord{}).
		Where("id = ?", msg.ID).
		Updates(map[string]any{
			"message_text": msg.Body,
			"is_edited":    msg.IsEdited,
			"is_deleted":   msg.IsDeleted,
			"deleted_at":   msg.DeletedAt,
			"updated_at":   msg.UpdatedAt,
		})
	if res.Error != nil {
		return translate(res.Error)
	}
	if res.RowsAffected == 0 {
		return exists(s.db.WithContext(ctx), &messageRecord{}, "id = ?", msg.ID)
	}
	return nil
}

// ListMessages implements store.Messages.
func (s *Store) ListMessages(ctx context.Context, conversationID, afterID string, limit int) ([]model.Message, error) {
	q := s.db.WithContext(ctx).
		Where("conversation_id = ? AND is_deleted = ?", conversationID, false).
		Order("created_at ASC, id ASC")
	if afterID != "" {
		q = q.Where("id > ?", afterID)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var recs []messageRecord
	if err := q.Find(&recs).Error; err != nil {
		return nil, translate(err)
	}
	msgs := make([]model.Message, 0, len(recs))
	for i := range recs {
		msgs = append(msgs, *recs[i].toModel())
	}
	return msgs, nil
}

// LatestMessage implements store.Messages.
func (s *Store) LatestMessage(ctx context.Context, conversationID string) (*model.Message, error) {
	var rec messageRecord
	err := s.db.WithContext(ctx).
		Where("conversation_id = ? AND is_deleted = ?", conversationID, false).
		Order("created_at DESC, id DESC").
		Take(&rec).Error
	if err != nil {
		return nil, translate(err)
	}
	return rec.toModel(), nil
}

// DeleteMessages implements store.Messages.
func (s *Store) DeleteMessages(ctx context.Context, conversationID string, at time.Time) (int, error) {
	db := s.db.WithContext(ctx)
	if err := exists(db, &conversationRecord{}, "id = ?", conversationID); err != nil {
		return 0, err
	}
	res := db.Model(&messageRecord{}).
		Where("conversation_id = ? AND is_deleted = ?", conversationID, false).
		Updates(map[string]any{
			"is_deleted": true,
			"deleted_at": at,
			"updated_at": at,
		})
	if res.Error != nil {
		return 0, translate(res.Error)
	}
	return int(res.RowsAffected), nil
}

// CreateStatus implements store.Statuses.
func (s *Store) CreateStatus(ctx context.Context, status *model.MessageStatus) error {
	return translate(s.db.WithContext(ctx).Create(statusFromModel(status)).Error)
}

// GetStatus implements store.Statuses.
func (s *Store) GetStatus(ctx context.Context, messageID, userID string) (*model.MessageStatus, error) {
	var rec statusRecord
	err := s.db.WithContext(ctx).
		Where("message_id = ? AND user_id = ?", messageID, userID).
		Take(&rec).Error
	if err != nil {
		return nil, translate(err)
	}
	return rec.toModel(), nil
}

// AdvanceStatus implements store.Statuses.
func (s *Store) AdvanceStatus(ctx context.Context, messageID, userID string, to model.DeliveryStatus, at time.Time) (*model.MessageStatus, bool, error) {
	var (
		result  *model.MessageStatus
		changed bool
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rec statusRecord
		err := tx.Clauses(forUpdate).
			Where("message_id = ? AND user_id = ?", messageID, userID).
			Take(&rec).Error
		if err != nil {
			return err
		}
		result = rec.toModel()
		if changed = result.Advance(to, at); !changed {
			return nil
		}
		return tx.Save(statusFromModel(result)).Error
	})
	if err != nil {
		return nil, false, translate(err)
	}
	return result, changed, nil
}

// UnreadMessageIDs implements store.Statuses.
func (s *Store) UnreadMessageIDs(ctx context.Context, conversationID, userID string) ([]string, error) {
	ids, err := unreadIDs(s.db.WithContext(ctx), conversationID, userID)
	return ids, translate(err)
}

// unreadQuery selects the messages addressed to userID that are not
// read. A message without a status row counts as unread.
func unreadQuery(db *gorm.DB, conversationID, userID string) *gorm.DB {
	return db.Table("messages AS m").
		Joins("LEFT JOIN message_status AS s ON s.message_id = m.id AND s.user_id = ?", userID).
		Where("m.conversation_id = ? AND m.receiver_id = ? AND m.is_deleted = ?", conversationID, userID, false).
		Where("s.status IS NULL OR s.status <> ?", string(model.StatusRead))
}

func unreadIDs(db *gorm.DB, conversationID, userID string) ([]string, error) {
	var ids []string
	err := unreadQuery(db, conversationID, userID).
		Order("m.created_at ASC, m.id ASC").
		Pluck("m.id", &ids).Error
	return ids, err
}

// recount writes the unread count of the participant row in one
// statement, so the count and the write see the same rows.
func recount(db *gorm.DB, conversationID, userID string) *gorm.DB {
	count := unreadQuery(db.Session(&gorm.Session{NewDB: true}), conversationID, userID).
		Select("COUNT(*)")
	return db.Model(&participantRecord{}).
		Where("conversation_id = ? AND user_id = ?", conversationID, userID).
		UpdateColumn("unread_count", count)
}

// exists returns store.ErrNotFound when no row of value's table
// matches.
func exists(db *gorm.DB, value any, query string, args ...any) error {
	var n int64
	if err := db.Model(value).Where(query, args...).Count(&n).Error; err != nil {
		return translate(err)
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// GetUser implements store.Users.
func (s *Store) GetUser(ctx context.Context, id string) (*model.User, error) {
	var rec userRecord
	if err := s.db.WithContext(ctx).Where("id = ?", id).Take(&rec).Error; err != nil {
		return nil, translate(err)
	}
	return rec.toModel(), nil
}

// SetOnline implements store.Users.
func (s *Store) SetOnline(ctx context.Context, userID string, online bool, lastSeen *time.Time) error {
	updates := map[string]any{"is_online": online}
	if lastSeen != nil {
		updates["last_seen_at"] = *lastSeen
	}
	db := s.db.WithContext(ctx)
	res := db.Model(&userRecord{}).Where("id = ?", userID).Updates(updates)
	if res.Error != nil {
		return translate(res.Error)
	}
	if res.RowsAffected == 0 {
		// The driver reports changed rows, so an unchanged flag also
		// lands here.
		return exists(db, &userRecord{}, "id = ?", userID)
	}
	return nil
}

// ApplyRead implements store.Store inside one transaction. The
// participant row is locked first so concurrent reads of the same
// conversation by the same user serialize.
func (s *Store) ApplyRead(ctx context.Context, receipt store.ReadReceipt) (*store.ReadResult, error) {
	result := &store.ReadResult{}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var p participantRecord
		err := tx.Clauses(forUpdate).
			Where("conversation_id = ? AND user_id = ?", receipt.ConversationID, receipt.UserID).
			Take(&p).Error
		if err != nil {
			return err
		}

		for _, id := range receipt.MessageIDs {
			var rec statusRecord
			err := tx.Clauses(forUpdate).
				Where("message_id = ? AND user_id = ?", id, receipt.UserID).
				Take(&rec).Error
			var st *model.MessageStatus
			switch {
			case errors.Is(err, gorm.ErrRecordNotFound):
				st = model.NewMessageStatus(id, receipt.UserID, receipt.At)
			case err != nil:
				return err
			default:
				st = rec.toModel()
			}
			if !st.Advance(model.StatusRead, receipt.At) {
				continue
			}
			if err := tx.Save(statusFromModel(st)).Error; err != nil {
				return err
			}
			result.Changed = append(result.Changed, *st)
		}

		if receipt.LastReadID != "" && receipt.LastReadID > p.LastReadMessageID {
			err := tx.Model(&participantRecord{}).
				Where("conversation_id = ? AND user_id = ?", receipt.ConversationID, receipt.UserID).
				Updates(map[string]any{
					"last_read_message_id": receipt.LastReadID,
					"last_read_at":         receipt.At,
				}).Error
			if err != nil {
				return err
			}
		}
		if err := recount(tx, receipt.ConversationID, receipt.UserID).Error; err != nil {
			return err
		}
		var after participantRecord
		err = tx.Where("conversation_id = ? AND user_id = ?", receipt.ConversationID, receipt.UserID).
			Take(&after).Error
		if err != nil {
			return err
		}
		result.Participant = after.toModel()
		return nil
	})
	if err != nil {
		return nil, translate(err)
	}
	return result, nil
}

// Ping implements store.Store.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close implements store.Store.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
