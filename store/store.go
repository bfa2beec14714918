// Package store holds the authoritative local view of conversations
// and their messages.
//
// The store is the single shared mutable resource of the sync core:
// every mutation goes through its operations, which serialize access
// and enforce the two invariants that matter to the user — a canonical
// ID never appears twice, and a message's status never regresses.
package store

import (
	"errors"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/chatsync/message"
)

// ErrUnknownConversation is returned when an operation targets a
// conversation the store has never seen.
var ErrUnknownConversation = errors.New("unknown conversation")

// ErrUnknownMessage is returned when a status update targets a message
// ID absent from the conversation.
var ErrUnknownMessage = errors.New("unknown message")

// Participant identifies a conversation member.
type Participant struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// Conversation is a registered conversation and its newest-first
// message sequence.
type Conversation struct {
	ID           string            `json:"id"`
	Title        string            `json:"title"`
	Participants []Participant     `json:"participants,omitempty"`
	Online       bool              `json:"online"`
	Unread       int               `json:"unread"`
	Messages     []message.Message `json:"messages"`
}

// Summary is the conversation-list projection: enough for a list row,
// nothing more.
type Summary struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	LastMessage string `json:"last_message"`
	Unread      int    `json:"unread"`
	Online      bool   `json:"online"`
}

// Store owns the per-conversation message lists. Safe for concurrent
// use; all mutations for a conversation are serialized.
type Store struct {
	mu    sync.RWMutex
	self  string
	convs map[string]*Conversation
	order []string
}

// New creates an empty store. selfID identifies the local user so the
// store can tell remote-authored appends (which bump unread counts)
// from local ones.
func New(selfID string) *Store {
	return &Store{
		self:  selfID,
		convs: make(map[string]*Conversation),
	}
}

// AddConversation registers a conversation, seeding any messages it
// carries. Re-registering an existing ID is a no-op.
func (s *Store) AddConversation(c Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.convs[c.ID]; ok {
		return
	}
	cp := c
	cp.Messages = append([]message.Message(nil), c.Messages...)
	cp.Participants = append([]Participant(nil), c.Participants...)
	s.convs[c.ID] = &cp
	s.order = append(s.order, c.ID)
}

// Ensure registers a bare conversation if the ID is unknown. Used by
// the poll and push paths, which may learn about a conversation before
// any directory sync.
func (s *Store) Ensure(conversationID string) {
	s.AddConversation(Conversation{ID: conversationID, Title: conversationID})
}

// Has reports whether the conversation is registered.
func (s *Store) Has(conversationID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.convs[conversationID]
	return ok
}

// Append inserts a message at the head of the conversation (newest
// first). If the message ID is already present this is a no-op — the
// same canonical message may arrive from both a push event and a poll.
// Remote-authored messages not yet read bump the unread count.
// Returns whether the message was actually added.
func (s *Store) Append(conversationID string, m message.Message) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.convs[conversationID]
	if !ok {
		return false, ErrUnknownConversation
	}
	if conv.indexOf(m.ID) >= 0 {
		logrus.WithFields(logrus.Fields{
			"function":        "Append",
			"conversation_id": conversationID,
			"message_id":      m.ID,
		}).Debug("duplicate canonical id, append skipped")
		return false, nil
	}
	conv.Messages = append([]message.Message{m}, conv.Messages...)
	if countsAsUnread(m, s.self) {
		conv.Unread++
	}
	return true, nil
}

// Insert places a message by its creation time within the newest-first
// sequence, keeping existing entries in their relative order. Used by
// poll reconciliation, where a snapshot may carry entries older than
// the local head. Duplicate IDs are skipped like Append, and unread
// counting follows the same rule, so merging already-read history
// leaves the count alone.
func (s *Store) Insert(conversationID string, m message.Message) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.convs[conversationID]
	if !ok {
		return false, ErrUnknownConversation
	}
	if conv.indexOf(m.ID) >= 0 {
		return false, nil
	}
	pos := sort.Search(len(conv.Messages), func(i int) bool {
		return conv.Messages[i].CreatedAt.Before(m.CreatedAt)
	})
	conv.Messages = append(conv.Messages, message.Message{})
	copy(conv.Messages[pos+1:], conv.Messages[pos:])
	conv.Messages[pos] = m
	if countsAsUnread(m, s.self) {
		conv.Unread++
	}
	return true, nil
}

// countsAsUnread reports whether a newly stored message bumps the
// conversation's unread count: remote-authored, canonical, and not
// already read.
func countsAsUnread(m message.Message, selfID string) bool {
	return !m.Provisional && m.SenderID != selfID && m.Status != message.StatusRead
}

// RemoveProvisional deletes a provisional entry once its canonical
// counterpart has landed. Returns whether an entry was removed; a
// missing ID is not an error (the entry may have failed and been
// cleared by the caller already).
func (s *Store) RemoveProvisional(conversationID, provisionalID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.convs[conversationID]
	if !ok {
		return false
	}
	i := conv.indexOf(provisionalID)
	if i < 0 || !conv.Messages[i].Provisional {
		return false
	}
	conv.Messages = append(conv.Messages[:i:i], conv.Messages[i+1:]...)
	return true
}

// UpdateStatus advances a message's delivery status. Equal status is a
// silent no-op (changed=false); a regression or a move unreachable
// from the current state fails with message.ErrInvalidTransition and
// leaves the message untouched.
func (s *Store) UpdateStatus(conversationID, messageID string, next message.Status) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.convs[conversationID]
	if !ok {
		return false, ErrUnknownConversation
	}
	i := conv.indexOf(messageID)
	if i < 0 {
		return false, ErrUnknownMessage
	}
	current := conv.Messages[i].Status
	if current == next {
		return false, nil
	}
	if !current.CanTransition(next) {
		return false, message.ErrInvalidTransition
	}
	conv.Messages[i].Status = next
	return true, nil
}

// Messages returns a copy of the conversation's newest-first sequence.
func (s *Store) Messages(conversationID string) ([]message.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.convs[conversationID]
	if !ok {
		return nil, ErrUnknownConversation
	}
	return append([]message.Message(nil), conv.Messages...), nil
}

// Message returns a single message by ID.
func (s *Store) Message(conversationID, messageID string) (message.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.convs[conversationID]
	if !ok {
		return message.Message{}, ErrUnknownConversation
	}
	i := conv.indexOf(messageID)
	if i < 0 {
		return message.Message{}, ErrUnknownMessage
	}
	return conv.Messages[i], nil
}

// Unread returns the conversation's unread count.
func (s *Store) Unread(conversationID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.convs[conversationID]
	if !ok {
		return 0, ErrUnknownConversation
	}
	return conv.Unread, nil
}

// ResetUnread zeroes the unread count, typically when the local user
// opens the conversation.
func (s *Store) ResetUnread(conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.convs[conversationID]
	if !ok {
		return ErrUnknownConversation
	}
	conv.Unread = 0
	return nil
}

// SetPresence records the remote participant's online state.
func (s *Store) SetPresence(conversationID string, online bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.convs[conversationID]
	if !ok {
		return ErrUnknownConversation
	}
	conv.Online = online
	return nil
}

// Summaries returns the conversation-list projection in registration
// order.
func (s *Store) Summaries() []Summary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Summary, 0, len(s.order))
	for _, id := range s.order {
		conv := s.convs[id]
		sum := Summary{
			ID:     conv.ID,
			Title:  conv.Title,
			Unread: conv.Unread,
			Online: conv.Online,
		}
		if len(conv.Messages) > 0 {
			head := conv.Messages[0]
			if head.Text != "" {
				sum.LastMessage = head.Text
			} else if head.ImageURL != "" {
				sum.LastMessage = "[image]"
			}
		}
		out = append(out, sum)
	}
	return out
}

// indexOf returns the position of a message ID, or -1. Caller holds
// the store lock.
func (c *Conversation) indexOf(id string) int {
	for i := range c.Messages {
		if c.Messages[i].ID == id {
			return i
		}
	}
	return -1
}
