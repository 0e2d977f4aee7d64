// Package store defines the persistence collaborator consumed by the
// messaging core. Implementations live in the memory and mysql
// subpackages.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/capitalize-ai/messaging-core/internal/model"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// ErrConflict is returned when a create collides with an existing
// record.
var ErrConflict = errors.New("record already exists")

// Classify converts a store error into a classified model error for
// op. what names the record that was looked up.
func Classify(op, what string, err error) error {
	if errors.Is(err, ErrNotFound) {
		return model.NotFound(op, what+" not found")
	}
	return model.Persistence(op, err)
}

// Conversations stores conversations. CreateConversation also creates
// the two participant rows.
type Conversations interface {
	GetConversation(ctx context.Context, id string) (*model.Conversation, error)
	FindConversationBetween(ctx context.Context, userA, userB string) (*model.Conversation, error)
	CreateConversation(ctx context.Context, conv *model.Conversation) error
	ListConversations(ctx context.Context, userID string) ([]model.Conversation, error)

	// AdvanceLastMessage moves the last-message pointer to messageID
	// unless the stored pointer is already newer than at.
	AdvanceLastMessage(ctx context.Context, conversationID, messageID string, at time.Time) error

	// SetLastMessage overwrites the pointer. An empty messageID clears
	// it.
	SetLastMessage(ctx context.Context, conversationID, messageID string, at *time.Time) error
}

// Participants stores per-user conversation rows.
type Participants interface {
	GetParticipant(ctx context.Context, conversationID, userID string) (*model.Participant, error)

	// RecountUnread sets the participant's unread counter to the number
	// of unread messages addressed to userID, computed and written as
	// one atomic step. No caller adjusts the counter by a delta.
	RecountUnread(ctx context.Context, conversationID, userID string) error

	// UpdateParticipant applies the non-nil settings to the participant
	// row and returns the updated row.
	UpdateParticipant(ctx context.Context, conversationID, userID string, settings model.ParticipantSettings) (*model.Participant, error)
}

// Messages stores messages.
type Messages interface {
	CreateMessage(ctx context.Context, msg *model.Message) error
	GetMessage(ctx context.Context, id string) (*model.Message, error)
	UpdateMessage(ctx context.Context, msg *model.Message) error

	// ListMessages returns non-deleted messages after afterID in
	// creation order.
	ListMessages(ctx context.Context, conversationID, afterID string, limit int) ([]model.Message, error)

	// LatestMessage returns the newest non-deleted message.
	LatestMessage(ctx context.Context, conversationID string) (*model.Message, error)

	// DeleteMessages soft-deletes every message of the conversation and
	// reports how many were newly deleted.
	DeleteMessages(ctx context.Context, conversationID string, at time.Time) (int, error)
}

// Statuses stores delivery status rows.
type Statuses interface {
	CreateStatus(ctx context.Context, status *model.MessageStatus) error
	GetStatus(ctx context.Context, messageID, userID string) (*model.MessageStatus, error)

	// AdvanceStatus applies model.MessageStatus.Advance atomically. The
	// bool is false when the stored status was already at or past to.
	AdvanceStatus(ctx context.Context, messageID, userID string, to model.DeliveryStatus, at time.Time) (*model.MessageStatus, bool, error)

	// UnreadMessageIDs lists non-deleted messages in the conversation
	// addressed to userID whose status is not read, oldest first.
	UnreadMessageIDs(ctx context.Context, conversationID, userID string) ([]string, error)
}

// Users is the narrow view of the user-management store.
type Users interface {
	GetUser(ctx context.Context, id string) (*model.User, error)
	SetOnline(ctx context.Context, userID string, online bool, lastSeen *time.Time) error
}

// ReadReceipt is one read commit: the statuses to mark read and the
// read pointer to record for the reader.
type ReadReceipt struct {
	ConversationID string
	UserID         string
	MessageIDs     []string
	LastReadID     string
	At             time.Time
}

// ReadResult reports the statuses that moved to read and the
// reader's participant row after the commit.
type ReadResult struct {
	Changed     []model.MessageStatus
	Participant *model.Participant
}

// Store is the full persistence collaborator.
type Store interface {
	Conversations
	Participants
	Messages
	Statuses
	Users

	// ApplyRead advances the receipt's statuses to read, records the
	// read pointer and recomputes the reader's unread counter, as one
	// atomic unit.
	ApplyRead(ctx context.Context, receipt ReadReceipt) (*ReadResult, error)

	// Ping checks that the store is reachable.
	Ping(ctx context.Context) error

	Close() error
}
