// Package message defines the message data model for the chat
// synchronization core.
//
// A message carries either text or a single image reference and moves
// through the delivery lifecycle sending -> sent -> delivered -> read,
// with failed reachable only from sending. Locally authored messages
// start life as provisional entries (client-generated ID, Provisional
// set) and are replaced by the canonical record once the remote system
// acknowledges them.
package message

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Status represents the delivery state of a message.
type Status string

const (
	// StatusSending means the message is authored locally and not yet
	// acknowledged by the remote system.
	StatusSending Status = "sending"
	// StatusFailed means the remote submission failed. Terminal; the
	// caller decides whether to resubmit.
	StatusFailed Status = "failed"
	// StatusSent means the remote system accepted the message.
	StatusSent Status = "sent"
	// StatusDelivered means the message reached the recipient.
	StatusDelivered Status = "delivered"
	// StatusRead means the recipient read the message.
	StatusRead Status = "read"
)

// statusRank orders the forward lifecycle. Failed sits outside the
// chain and is handled explicitly in CanTransition.
var statusRank = map[Status]int{
	StatusSending:   0,
	StatusSent:      1,
	StatusDelivered: 2,
	StatusRead:      3,
}

// ErrInvalidTransition is returned when a status update would regress
// the lifecycle or move to a state unreachable from the current one.
var ErrInvalidTransition = errors.New("invalid status transition")

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	if s == StatusFailed {
		return true
	}
	_, ok := statusRank[s]
	return ok
}

// CanTransition reports whether a message may move from s to next.
// Forward jumps are allowed (sent -> read is fine); regressions are
// not, and failed is reachable only from sending.
func (s Status) CanTransition(next Status) bool {
	if !s.Valid() || !next.Valid() {
		return false
	}
	if next == StatusFailed {
		return s == StatusSending
	}
	if s == StatusFailed {
		return false
	}
	return statusRank[next] > statusRank[s]
}

// Content is the authored payload of a message: non-empty text or a
// single image reference, mutually exclusive.
type Content struct {
	Text     string `json:"text,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
}

// ErrEmptyContent is returned when authored content has neither text
// nor an image reference, or both.
var ErrEmptyContent = errors.New("content must carry text or an image reference, not both or neither")

// Validate checks the text/image exclusivity rule.
func (c Content) Validate() error {
	hasText := c.Text != ""
	hasImage := c.ImageURL != ""
	if hasText == hasImage {
		return ErrEmptyContent
	}
	return nil
}

// Message is a single chat message.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	Text           string    `json:"text,omitempty"`
	ImageURL       string    `json:"image_url,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	Status         Status    `json:"status"`
	// Provisional marks a locally authored entry that the remote
	// system has not acknowledged yet. Provisional and canonical
	// records for the same logical message never coexist in the store
	// once reconciliation completes.
	Provisional bool `json:"provisional,omitempty"`
}

// Content returns the authored payload of the message.
func (m Message) Content() Content {
	return Content{Text: m.Text, ImageURL: m.ImageURL}
}

// NewProvisional builds an optimistic local entry for freshly authored
// content. The ID is client-generated and valid only until the remote
// system assigns the canonical one.
func NewProvisional(conversationID, senderID string, content Content, createdAt time.Time) Message {
	return Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		SenderID:       senderID,
		Text:           content.Text,
		ImageURL:       content.ImageURL,
		CreatedAt:      createdAt,
		Status:         StatusSending,
		Provisional:    true,
	}
}
