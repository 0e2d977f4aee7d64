package middleware

import (
	"strconv"

	"github.com/google/uuid"

	"github.com/capitalize-ai/messaging-core/internal/model"
)

// ValidateConversationID validates a conversation ID.
func ValidateConversationID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return model.Validation("request.validate", "invalid conversation ID format")
	}
	return nil
}

// ValidateMessageID validates a message ID. An empty id is allowed for
// optional cursors.
func ValidateMessageID(id string) error {
	if id == "" {
		return nil
	}
	if _, err := uuid.Parse(id); err != nil {
		return model.Validation("request.validate", "invalid message ID format")
	}
	return nil
}

// ParseLimit parses an optional page size. Clamping is left to the
// service.
func ParseLimit(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, model.Validation("request.validate", "limit must be a non-negative integer")
	}
	return n, nil
}
