package model

import "time"

// User is the slice of the user record the messaging core reads and
// writes. Everything except IsOnline and LastSeenAt is owned by the
// user-management service.
type User struct {
	ID             string     `json:"id"`
	Username       string     `json:"username,omitempty"`
	FullName       string     `json:"full_name,omitempty"`
	ProfilePicture string     `json:"profile_picture,omitempty"`
	IsOnline       bool       `json:"is_online"`
	LastSeenAt     *time.Time `json:"last_seen_at,omitempty"`
}

// Summary returns the display attributes of u.
func (u *User) Summary() *UserSummary {
	return &UserSummary{
		ID:             u.ID,
		Username:       u.Username,
		FullName:       u.FullName,
		ProfilePicture: u.ProfilePicture,
	}
}

// TypingState records whether a user is typing in a conversation.
type TypingState struct {
	ConversationID string    `json:"conversation_id"`
	UserID         string    `json:"user_id"`
	ReceiverID     string    `json:"receiver_id"`
	IsTyping       bool      `json:"is_typing"`
	StartedAt      time.Time `json:"started_at"`
}
