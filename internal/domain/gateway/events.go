package gateway

import (
	"encoding/json"

	"github.com/google/uuid"
)

// EventType for WebSocket messages
type EventType string

const (
	// Inbound events
	EventTyping     EventType = "typing"
	EventStopTyping EventType = "stop_typing"
	EventMarkRead   EventType = "mark_read"
	// EventSendMessage is received but never handled: message creation goes
	// through the REST layer, which persists first and then pushes new_message
	// via the broadcaster. The gateway is a delivery mechanism, not a writer.
	EventSendMessage EventType = "send_message"

	// Outbound events
	EventUserOnline      EventType = "user_online"
	EventUserOffline     EventType = "user_offline"
	EventOnlineUsers     EventType = "online_users"
	EventUserTyping      EventType = "user_typing"
	EventUserStopTyping  EventType = "user_stop_typing"
	EventMessagesRead    EventType = "messages_read"
	EventMarkReadSuccess EventType = "mark_read_success"
	EventMarkReadError   EventType = "mark_read_error"
	EventNewMessage      EventType = "new_message"
	EventError           EventType = "error"
)

// Envelope is the wire frame for every WebSocket event, inbound and outbound.
type Envelope struct {
	Type EventType       `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Inbound payloads, validated at the dispatch boundary before any handler runs.

// TypingPayload is the body of typing and stop_typing events
type TypingPayload struct {
	ReceiverID string `json:"receiver_id" validate:"required"`
}

// MarkReadPayload is the body of mark_read events
type MarkReadPayload struct {
	SenderID string `json:"sender_id" validate:"required,uuid4"`
}

// Outbound payloads.

// PresencePayload is the body of user_online and user_offline events
type PresencePayload struct {
	UserID uuid.UUID `json:"user_id"`
}

// OnlineUsersPayload is the snapshot pushed to a freshly admitted connection
type OnlineUsersPayload struct {
	Users []uuid.UUID `json:"users"`
}

// TypingIndicatorPayload is the body of user_typing and user_stop_typing events
type TypingIndicatorPayload struct {
	UserID uuid.UUID `json:"user_id"`
}

// MessagesReadPayload is fanned out to the sender whose messages were read
type MessagesReadPayload struct {
	ReadBy uuid.UUID `json:"read_by"`
	Count  int       `json:"count"`
}

// MarkReadSuccessPayload is returned to the reader's own connection
type MarkReadSuccessPayload struct {
	SenderID uuid.UUID `json:"sender_id"`
	Count    int       `json:"count"`
}

// ErrorPayload is a scoped error event answered to a single connection
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// marshalEvent encodes an outbound event envelope. Marshal failures are
// programming errors (all payloads are plain structs), so the error is
// swallowed and a nil frame returned.
func marshalEvent(event EventType, payload any) []byte {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil
	}
	frame, err := json.Marshal(Envelope{Type: event, Data: data})
	if err != nil {
		return nil
	}
	return frame
}
