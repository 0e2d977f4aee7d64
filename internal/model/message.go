package model

import (
	"time"
	"unicode/utf8"
)

// MessageType is the kind of content a message carries.
type MessageType string

const (
	MessageTypeText     MessageType = "text"
	MessageTypeImage    MessageType = "image"
	MessageTypeFile     MessageType = "file"
	MessageTypeAudio    MessageType = "audio"
	MessageTypeVideo    MessageType = "video"
	MessageTypeLocation MessageType = "location"
)

// MaxBodyLength bounds the text body of a message in bytes.
const MaxBodyLength = 100000

// Valid reports whether t is a known message type.
func (t MessageType) Valid() bool {
	switch t {
	case MessageTypeText, MessageTypeImage, MessageTypeFile,
		MessageTypeAudio, MessageTypeVideo, MessageTypeLocation:
		return true
	}
	return false
}

// Message is a persisted message. Core fields are immutable once
// created; only the edit and soft-delete flags change.
type Message struct {
	// Identity
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
	SenderID       string `json:"sender_id"`
	ReceiverID     string `json:"receiver_id"`

	// Content
	Type     MessageType `json:"type"`
	Body     string      `json:"body,omitempty"`
	MediaURL string      `json:"media_url,omitempty"`
	FileName string      `json:"file_name,omitempty"`
	FileSize int64       `json:"file_size,omitempty"`

	// Flags
	IsEdited  bool       `json:"is_edited"`
	IsDeleted bool       `json:"is_deleted"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`

	// Timestamps
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// UserSummary carries the display attributes of a user attached to
// pushed messages.
type UserSummary struct {
	ID             string `json:"id"`
	Username       string `json:"username,omitempty"`
	FullName       string `json:"full_name,omitempty"`
	ProfilePicture string `json:"profile_picture,omitempty"`
}

// MessageView is a message as pushed to clients: the persisted message,
// the sender's display attributes and the receiver's delivery status.
type MessageView struct {
	Message
	Sender *UserSummary   `json:"sender,omitempty"`
	Status DeliveryStatus `json:"status,omitempty"`
}

// SendMessageRequest is the payload of a send intent.
type SendMessageRequest struct {
	ConversationID string      `json:"conversation_id"`
	ReceiverID     string      `json:"receiver_id"`
	Body           string      `json:"body,omitempty"`
	Type           MessageType `json:"type,omitempty"`
	MediaURL       string      `json:"media_url,omitempty"`
	FileName       string      `json:"file_name,omitempty"`
	FileSize       int64       `json:"file_size,omitempty"`
}

// Normalize fills defaults and validates the shape of the request. It
// does not consult storage.
func (r *SendMessageRequest) Normalize() error {
	const op = "message.validate"

	if r.ConversationID == "" {
		return Validation(op, "conversation_id is required")
	}
	if r.ReceiverID == "" {
		return Validation(op, "receiver_id is required")
	}
	if r.Type == "" {
		r.Type = MessageTypeText
	}
	if !r.Type.Valid() {
		return Validation(op, "unknown message type "+string(r.Type))
	}
	if len(r.Body) > MaxBodyLength {
		return Validation(op, "body exceeds maximum length")
	}
	if !utf8.ValidString(r.Body) {
		return Validation(op, "body must be valid UTF-8")
	}
	if r.FileSize < 0 {
		return Validation(op, "file_size must not be negative")
	}
	switch r.Type {
	case MessageTypeText:
		if r.Body == "" {
			return Validation(op, "body cannot be empty")
		}
	case MessageTypeLocation:
		if r.Body == "" && r.MediaURL == "" {
			return Validation(op, "location requires a body or media_url")
		}
	default:
		if r.MediaURL == "" {
			return Validation(op, "media_url is required for "+string(r.Type)+" messages")
		}
	}
	return nil
}

// ListMessagesResponse is the response for conversation history.
type ListMessagesResponse struct {
	Messages []MessageView `json:"messages"`
	HasMore  bool          `json:"has_more"`
	LastID   string        `json:"last_id,omitempty"`
}
