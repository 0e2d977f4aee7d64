package model

import "time"

// DeliveryStatus is the per-recipient lifecycle state of a message.
// The order is linear: sent < delivered < read.
type DeliveryStatus string

const (
	StatusSent      DeliveryStatus = "sent"
	StatusDelivered DeliveryStatus = "delivered"
	StatusRead      DeliveryStatus = "read"
)

// Rank returns the position of s in the lifecycle, or 0 for an unknown
// status.
func (s DeliveryStatus) Rank() int {
	switch s {
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	}
	return 0
}

// Valid reports whether s is a known status.
func (s DeliveryStatus) Valid() bool { return s.Rank() > 0 }

// MessageStatus is the delivery state of one message for its receiver.
type MessageStatus struct {
	MessageID   string         `json:"message_id"`
	UserID      string         `json:"user_id"`
	Status      DeliveryStatus `json:"status"`
	SentAt      *time.Time     `json:"sent_at,omitempty"`
	DeliveredAt *time.Time     `json:"delivered_at,omitempty"`
	ReadAt      *time.Time     `json:"read_at,omitempty"`
}

// NewMessageStatus returns the initial row for a freshly persisted
// message.
func NewMessageStatus(messageID, userID string, at time.Time) *MessageStatus {
	return &MessageStatus{
		MessageID: messageID,
		UserID:    userID,
		Status:    StatusSent,
		SentAt:    &at,
	}
}

// Advance moves the status forward to target and stamps the matching
// timestamp. Moving to the current or an earlier status is a no-op and
// returns false. Skipping delivered on the way to read is allowed; the
// delivered timestamp stays empty in that case.
func (s *MessageStatus) Advance(target DeliveryStatus, at time.Time) bool {
	if !target.Valid() || target.Rank() <= s.Status.Rank() {
		return false
	}
	s.Status = target
	switch target {
	case StatusSent:
		s.SentAt = &at
	case StatusDelivered:
		s.DeliveredAt = &at
	case StatusRead:
		s.ReadAt = &at
	}
	return true
}

// IsRead reports whether the receiver has read the message.
func (s *MessageStatus) IsRead() bool { return s.Status == StatusRead }
