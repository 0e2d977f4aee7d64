package mysql

import (
	"time"

	"github.com/capitalize-ai/messaging-core/internal/model"
)

// userRecord maps the columns of the externally owned users table that
// the messaging core touches.
type userRecord struct {
	ID             string `gorm:"primaryKey;size:64"`
	Username       string `gorm:"size:50"`
	FullName       string `gorm:"size:100"`
	ProfilePicture string `gorm:"size:255"`
	IsOnline       bool   `gorm:"not null;default:false"`
	LastSeenAt     *time.Time
}

func (userRecord) TableName() string { return "users" }

func (r *userRecord) toModel() *model.User {
	return &model.User{
		ID:             r.ID,
		Username:       r.Username,
		FullName:       r.FullName,
		ProfilePicture: r.ProfilePicture,
		IsOnline:       r.IsOnline,
		LastSeenAt:     r.LastSeenAt,
	}
}

type conversationRecord struct {
	ID            string `gorm:"primaryKey;size:36"`
	UserOneID     string `gorm:"size:64;not null;index:idx_conversations_users,priority:1"`
	UserTwoID     string `gorm:"size:64;not null;index:idx_conversations_users,priority:2"`
	PairKey       string `gorm:"size:130;not null;uniqueIndex"`
	LastMessageID string `gorm:"size:36"`
	LastMessageAt *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (conversationRecord) TableName() string { return "conversations" }

func pairKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + "|" + b
}

func conversationFromModel(c *model.Conversation) *conversationRecord {
	return &conversationRecord{
		ID:            c.ID,
		UserOneID:     c.ParticipantA,
		UserTwoID:     c.ParticipantB,
		PairKey:       pairKey(c.ParticipantA, c.ParticipantB),
		LastMessageID: c.LastMessageID,
		LastMessageAt: c.LastMessageAt,
		CreatedAt:     c.CreatedAt,
		UpdatedAt:     c.UpdatedAt,
	}
}

func (r *conversationRecord) toModel() *model.Conversation {
	return &model.Conversation{
		ID:            r.ID,
		ParticipantA:  r.UserOneID,
		ParticipantB:  r.UserTwoID,
		LastMessageID: r.LastMessageID,
		LastMessageAt: r.LastMessageAt,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
}

type participantRecord struct {
	ConversationID    string `gorm:"primaryKey;size:36"`
	UserID            string `gorm:"primaryKey;size:64;index"`
	UnreadCount       int    `gorm:"not null;default:0"`
	LastReadMessageID string `gorm:"size:36"`
	LastReadAt        *time.Time
	IsMuted           bool `gorm:"not null;default:false"`
	IsArchived        bool `gorm:"not null;default:false"`
	JoinedAt          time.Time
}

func (participantRecord) TableName() string { return "conversation_participants" }

func (r *participantRecord) toModel() *model.Participant {
	return &model.Participant{
		ConversationID:    r.ConversationID,
		UserID:            r.UserID,
		UnreadCount:       r.UnreadCount,
		LastReadMessageID: r.LastReadMessageID,
		LastReadAt:        r.LastReadAt,
		IsMuted:           r.IsMuted,
		IsArchived:        r.IsArchived,
		JoinedAt:          r.JoinedAt,
	}
}

type messageRecord struct {
	ID             string    `gorm:"primaryKey;size:36"`
	ConversationID string    `gorm:"size:36;not null;index:idx_messages_conversation,priority:1"`
	SenderID       string    `gorm:"size:64;not null"`
	ReceiverID     string    `gorm:"size:64;not null;index"`
	MessageText    string    `gorm:"type:text"`
	MessageType    string    `gorm:"size:20;not null;default:'text'"`
	MediaURL       string    `gorm:"size:500"`
	FileName       string    `gorm:"size:255"`
	FileSize       int64
	IsEdited       bool `gorm:"not null;default:false"`
	IsDeleted      bool `gorm:"not null;default:false"`
	DeletedAt      *time.Time
	CreatedAt      time.Time `gorm:"index:idx_messages_conversation,priority:2"`
	UpdatedAt      time.Time
}

func (messageRecord) TableName() string { return "messages" }

func messageFromModel(m *model.Message) *messageRecord {
	return &messageRecord{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		ReceiverID:     m.ReceiverID,
		MessageText:    m.Body,
		MessageType:    string(m.Type),
		MediaURL:       m.MediaURL,
		FileName:       m.FileName,
		FileSize:       m.FileSize,
		IsEdited:       m.IsEdited,
		IsDeleted:      m.IsDeleted,
		DeletedAt:      m.DeletedAt,
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
	}
}

func (r *messageRecord) toModel() *model.Message {
	return &model.Message{
		ID:             r.ID,
		ConversationID: r.ConversationID,
		SenderID:       r.SenderID,
		ReceiverID:     r.ReceiverID,
		Body:           r.MessageText,
		Type:           model.MessageType(r.MessageType),
		MediaURL:       r.MediaURL,
		FileName:       r.FileName,
		FileSize:       r.FileSize,
		IsEdited:       r.IsEdited,
		IsDeleted:      r.IsDeleted,
		DeletedAt:      r.DeletedAt,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
}

type statusRecord struct {
	MessageID   string `gorm:"primaryKey;size:36"`
	UserID      string `gorm:"primaryKey;size:64"`
	Status      string `gorm:"size:20;not null"`
	SentAt      *time.Time
	DeliveredAt *time.Time
	ReadAt      *time.Time
}

func (statusRecord) TableName() string { return "message_status" }

func statusFromModel(s *model.MessageStatus) *statusRecord {
	return &statusRecord{
		MessageID:   s.MessageID,
		UserID:      s.UserID,
		Status:      string(s.Status),
		SentAt:      s.SentAt,
		DeliveredAt: s.DeliveredAt,
		ReadAt:      s.ReadAt,
	}
}

func (r *statusRecord) toModel() *model.MessageStatus {
	return &model.MessageStatus{
		MessageID:   r.MessageID,
		UserID:      r.UserID,
		Status:      model.DeliveryStatus(r.Status),
		SentAt:      r.SentAt,
		DeliveredAt: r.DeliveredAt,
		ReadAt:      r.ReadAt,
	}
}
