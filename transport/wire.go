package transport

import (
	"encoding/json"

	"github.com/opd-ai/chatsync/message"
)

// EventType names a push-channel event.
type EventType string

const (
	// EventMessageReceive carries a canonical message that landed on
	// the remote store.
	EventMessageReceive EventType = "message:receive"
	// EventMessageStatus carries a remote-driven status transition.
	EventMessageStatus EventType = "message:status"
	// EventPresenceUpdate carries a participant's online state.
	EventPresenceUpdate EventType = "presence:update"
	// EventTyping carries a participant's typing indicator.
	EventTyping EventType = "typing"
)

// Event is the push-channel envelope.
type Event struct {
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// MessagePayload is the payload of EventMessageReceive.
type MessagePayload struct {
	ConversationID string          `json:"conversation_id"`
	Message        message.Message `json:"message"`
}

// StatusPayload is the payload of EventMessageStatus.
type StatusPayload struct {
	ConversationID string         `json:"conversation_id"`
	MessageID      string         `json:"message_id"`
	Status         message.Status `json:"status"`
}

// PresencePayload is the payload of EventPresenceUpdate.
type PresencePayload struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	Online         bool   `json:"online"`
}

// TypingPayload is the payload of EventTyping.
type TypingPayload struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	Active         bool   `json:"active"`
}

// NewEvent wraps a payload in an envelope. Marshal failures cannot
// happen for the fixed payload types and are reported as an empty
// payload.
func NewEvent(t EventType, payload any) Event {
	raw, err := json.Marshal(payload)
	if err != nil {
		raw = []byte("{}")
	}
	return Event{Type: t, Payload: raw}
}
