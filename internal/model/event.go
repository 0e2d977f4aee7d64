package model

import (
	"time"
)

// EventName is the name of a real-time channel event.
type EventName string

// Client to server.
const (
	EventMessageSend    EventName = "message:send"
	EventMessageReadAll EventName = "message:read_all"
	EventMessageEdit    EventName = "message:edit"
	EventMessageDelete  EventName = "message:delete"
	EventPresenceUpdate EventName = "presence:update"
)

// Server to client.
const (
	EventMessageSent      EventName = "message:sent"
	EventMessageReceive   EventName = "message:receive"
	EventMessageDelivered EventName = "message:delivered"
	EventMessageEdited    EventName = "message:edited"
	EventMessageDeleted   EventName = "message:deleted"
	EventMessageError     EventName = "message:error"
	EventUserOnline       EventName = "user:online"
	EventUserOffline      EventName = "user:offline"
)

// Both directions.
const (
	EventMessageRead EventName = "message:read"
	EventTypingStart EventName = "typing:start"
	EventTypingStop  EventName = "typing:stop"
)

// Event is one outbound frame. Ref echoes the client reference of the
// inbound frame that caused it, if any.
type Event struct {
	Name EventName
	Ref  string
	Data any
}

// DeliveredEvent acknowledges delivery to the sender.
type DeliveredEvent struct {
	MessageID      string    `json:"message_id"`
	ConversationID string    `json:"conversation_id"`
	DeliveredAt    time.Time `json:"delivered_at"`
}

// ReadEvent relays a read receipt to the original sender.
type ReadEvent struct {
	MessageID      string    `json:"message_id"`
	ConversationID string    `json:"conversation_id"`
	ReadBy         string    `json:"read_by"`
	ReadAt         time.Time `json:"read_at"`
}

// DeletedEvent tells the other participant a message was removed.
type DeletedEvent struct {
	MessageID      string    `json:"message_id"`
	ConversationID string    `json:"conversation_id"`
	DeletedAt      time.Time `json:"deleted_at"`
}

// TypingEvent tells the receiver that UserID started or stopped typing.
type TypingEvent struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
}

// PresenceEvent announces that a user came online or went offline.
type PresenceEvent struct {
	UserID     string     `json:"user_id"`
	LastSeenAt *time.Time `json:"last_seen_at,omitempty"`
}

// ErrorEvent reports a failed operation to the connection that asked
// for it.
type ErrorEvent struct {
	Code    ErrorKind `json:"code"`
	Message string    `json:"message"`
}

// Inbound is a decoded client intent. The set of implementations is
// closed; handlers switch over the concrete types.
type Inbound interface {
	EventName() EventName
	inbound()
}

// SendMessage asks the pipeline to persist and deliver a message.
type SendMessage struct {
	SendMessageRequest
}

// ReadMessage reports that the reader has read one message.
type ReadMessage struct {
	MessageID      string `json:"message_id"`
	ConversationID string `json:"conversation_id"`
}

// ReadAll reports that the reader has read everything in a
// conversation.
type ReadAll struct {
	ConversationID string `json:"conversation_id"`
}

// TypingStart reports that the user started typing.
type TypingStart struct {
	ConversationID string `json:"conversation_id"`
	ReceiverID     string `json:"receiver_id"`
}

// TypingStop reports that the user stopped typing.
type TypingStop struct {
	ConversationID string `json:"conversation_id"`
	ReceiverID     string `json:"receiver_id"`
}

// PresenceUpdate is a manual online/offline override.
type PresenceUpdate struct {
	IsOnline *bool `json:"is_online"`
}

// EditMessage replaces the body of a message the caller sent.
type EditMessage struct {
	MessageID string `json:"message_id"`
	Body      string `json:"body"`
}

// DeleteMessage soft-deletes a message the caller sent.
type DeleteMessage struct {
	MessageID string `json:"message_id"`
}

func (SendMessage) EventName() EventName    { return EventMessageSend }
func (ReadMessage) EventName() EventName    { return EventMessageRead }
func (ReadAll) EventName() EventName        { return EventMessageReadAll }
func (TypingStart) EventName() EventName    { return EventTypingStart }
func (TypingStop) EventName() EventName     { return EventTypingStop }
func (PresenceUpdate) EventName() EventName { return EventPresenceUpdate }
func (EditMessage) EventName() EventName    { return EventMessageEdit }
func (DeleteMessage) EventName() EventName  { return EventMessageDelete }

func (SendMessage) inbound()    {}
func (ReadMessage) inbound()    {}
func (ReadAll) inbound()        {}
func (TypingStart) inbound()    {}
func (TypingStop) inbound()     {}
func (PresenceUpdate) inbound() {}
func (EditMessage) inbound()    {}
func (DeleteMessage) inbound()  {}

// DecodeInbound builds the intent named by name, filling it with
// decode. decode is codec specific and unmarshals the frame payload
// into its argument.
func DecodeInbound(name EventName, decode func(v any) error) (Inbound, error) {
	const op = "event.decode"

	var in Inbound
	var err error
	switch name {
	case EventMessageSend:
		var v SendMessage
		err = decode(&v.SendMessageRequest)
		in = v
	case EventMessageRead:
		var v ReadMessage
		err = decode(&v)
		in = v
	case EventMessageReadAll:
		var v ReadAll
		err = decode(&v)
		in = v
	case EventTypingStart:
		var v TypingStart
		err = decode(&v)
		in = v
	case EventTypingStop:
		var v TypingStop
		err = decode(&v)
		in = v
	case EventPresenceUpdate:
		var v PresenceUpdate
		err = decode(&v)
		in = v
	case EventMessageEdit:
		var v EditMessage
		err = decode(&v)
		in = v
	case EventMessageDelete:
		var v DeleteMessage
		err = decode(&v)
		in = v
	default:
		return nil, Validation(op, "unknown event "+string(name))
	}
	if err != nil {
		return nil, Validation(op, "malformed "+string(name)+" payload")
	}
	return in, nil
}
