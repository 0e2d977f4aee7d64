// Package model defines data structures for the messaging core.
package model

import (
	"time"
)

// Conversation is a one-to-one thread between two users. The pair is
// undirected: (A, B) and (B, A) denote the same conversation.
type Conversation struct {
	ID            string     `json:"id"`
	ParticipantA  string     `json:"participant_a"`
	ParticipantB  string     `json:"participant_b"`
	LastMessageID string     `json:"last_message_id,omitempty"`
	LastMessageAt *time.Time `json:"last_message_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// HasParticipant reports whether userID is one of the two participants.
func (c *Conversation) HasParticipant(userID string) bool {
	return userID != "" && (c.ParticipantA == userID || c.ParticipantB == userID)
}

// OtherParticipant returns the participant that is not userID. The
// second result is false when userID is not part of the conversation.
func (c *Conversation) OtherParticipant(userID string) (string, bool) {
	switch userID {
	case "":
		return "", false
	case c.ParticipantA:
		return c.ParticipantB, true
	case c.ParticipantB:
		return c.ParticipantA, true
	default:
		return "", false
	}
}

// Participants returns both participant ids.
func (c *Conversation) Participants() [2]string {
	return [2]string{c.ParticipantA, c.ParticipantB}
}

// Participant is the per-user view of a conversation: unread counter,
// read pointer and user preferences.
type Participant struct {
	ConversationID    string     `json:"conversation_id"`
	UserID            string     `json:"user_id"`
	UnreadCount       int        `json:"unread_count"`
	LastReadMessageID string     `json:"last_read_message_id,omitempty"`
	LastReadAt        *time.Time `json:"last_read_at,omitempty"`
	IsMuted           bool       `json:"is_muted"`
	IsArchived        bool       `json:"is_archived"`
	JoinedAt          time.Time  `json:"joined_at"`
}

// ParticipantSettings is a partial update of a participant's
// preferences. Nil fields are left unchanged.
type ParticipantSettings struct {
	IsMuted    *bool `json:"is_muted,omitempty"`
	IsArchived *bool `json:"is_archived,omitempty"`
}

// Empty reports whether the update changes nothing.
func (s ParticipantSettings) Empty() bool {
	return s.IsMuted == nil && s.IsArchived == nil
}

// Apply copies the set fields onto p.
func (s ParticipantSettings) Apply(p *Participant) {
	if s.IsMuted != nil {
		p.IsMuted = *s.IsMuted
	}
	if s.IsArchived != nil {
		p.IsArchived = *s.IsArchived
	}
}

// DeleteConversationResponse reports a conversation clear.
type DeleteConversationResponse struct {
	ConversationID string `json:"conversation_id"`
	Deleted        int    `json:"deleted"`
}

// CreateConversationRequest is the request to open a conversation with
// another user.
type CreateConversationRequest struct {
	ParticipantID string `json:"participant_id"`
}

// ConversationSummary pairs a conversation with the caller's
// participant row.
type ConversationSummary struct {
	Conversation
	Participant *Participant `json:"participant,omitempty"`
}

// ListConversationsResponse is the response for listing conversations.
type ListConversationsResponse struct {
	Conversations []ConversationSummary `json:"conversations"`
	Total         int                   `json:"total"`
}
