// Package mockremote is an in-process simulated remote store for
// demos and tests.
//
// It implements the transport contracts directly (send, fetch, upload,
// directory) over seeded demo conversations, assigns canonical IDs,
// progresses message statuses with a scheduler policy, and can send
// scripted auto-replies. The same behavior is exposed over HTTP and a
// websocket push channel via Handler, so the REST transport can be
// exercised end to end without a real backend.
package mockremote

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/chatsync/message"
	"github.com/opd-ai/chatsync/scheduler"
	"github.com/opd-ai/chatsync/store"
	"github.com/opd-ai/chatsync/transport"
)

// Options configures the simulated remote.
type Options struct {
	// Latency is the simulated round-trip delay per operation.
	Latency time.Duration
	// SelfID is the user credited as sender of submitted messages.
	SelfID string
	// AutoReply enables scripted replies on the demo conversations.
	AutoReply bool
	// Policy drives the delivered/read progression of accepted
	// messages. Defaults to the standard random policy.
	Policy scheduler.Policy
	// Clock supplies the timers behind latency, progression, and
	// replies. Defaults to the system clock.
	Clock scheduler.Clock
}

// NewOptions returns defaults matching the original demo backend.
func NewOptions() *Options {
	return &Options{
		Latency: 180 * time.Millisecond,
		SelfID:  "u-you",
	}
}

// reply is an auto-reply script bound to a conversation.
type reply struct {
	senderID    string
	text        string
	probability float64
	delayBase   time.Duration
	delayJitter time.Duration
}

// Server is the simulated remote. Create with New or NewDemo; Close
// stops pending status progressions and reply timers.
type Server struct {
	opts   *Options
	policy scheduler.Policy
	clock  scheduler.Clock

	mu      sync.Mutex
	convs   map[string]*store.Conversation
	order   []string
	replies map[string]reply
	rng     *rand.Rand

	subsMu sync.Mutex
	subs   map[*subscriber]struct{}

	wg       sync.WaitGroup
	stop     chan struct{}
	stopOnce sync.Once
}

// New creates an empty simulated remote.
func New(opts *Options) *Server {
	if opts == nil {
		opts = NewOptions()
	}
	policy := opts.Policy
	if policy == nil {
		policy = scheduler.NewRandomPolicy()
	}
	clock := opts.Clock
	if clock == nil {
		clock = scheduler.SystemClock{}
	}
	return &Server{
		opts:    opts,
		policy:  policy,
		clock:   clock,
		convs:   make(map[string]*store.Conversation),
		replies: make(map[string]reply),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		subs:    make(map[*subscriber]struct{}),
		stop:    make(chan struct{}),
	}
}

// NewDemo creates a remote seeded with the demo conversations: Ava
// (online), Jordan (offline, two unread), and the support bot.
func NewDemo(opts *Options) *Server {
	s := New(opts)
	now := s.clock.Now()

	you := store.Participant{ID: s.opts.SelfID, Name: "You"}
	ava := store.Participant{ID: "u-ava", Name: "Ava"}
	jordan := store.Participant{ID: "u-jordan", Name: "Jordan"}
	bot := store.Participant{ID: "u-bot", Name: "Support Bot"}

	s.AddConversation(store.Conversation{
		ID:           "conv-ava",
		Title:        "Ava (Demo)",
		Participants: []store.Participant{you, ava},
		Online:       true,
		Messages: []message.Message{
			{ID: "a2", ConversationID: "conv-ava", SenderID: ava.ID, Text: "This is a sample older message.", CreatedAt: now.Add(-30 * time.Minute), Status: message.StatusRead},
			{ID: "a1", ConversationID: "conv-ava", SenderID: ava.ID, Text: "Welcome to the demo chat! Tap + to send an image.", CreatedAt: now.Add(-time.Hour), Status: message.StatusRead},
		},
	})
	s.AddConversation(store.Conversation{
		ID:           "conv-jordan",
		Title:        "Jordan",
		Participants: []store.Participant{you, jordan},
		Unread:       2,
		Messages: []message.Message{
			{ID: "j2", ConversationID: "conv-jordan", SenderID: you.ID, Text: "I'll send the link shortly.", CreatedAt: now.Add(-4 * time.Hour), Status: message.StatusDelivered},
			{ID: "j1", ConversationID: "conv-jordan", SenderID: jordan.ID, Text: "Hey, can you check the docs?", CreatedAt: now.Add(-5 * time.Hour), Status: message.StatusDelivered},
		},
	})
	s.AddConversation(store.Conversation{
		ID:           "conv-support",
		Title:        "Support Bot",
		Participants: []store.Participant{you, bot},
		Online:       true,
		Messages: []message.Message{
			{ID: "s1", ConversationID: "conv-support", SenderID: bot.ID, Text: "Welcome! Ask me anything about the demo.", CreatedAt: now.Add(-24 * time.Hour), Status: message.StatusRead},
		},
	})

	s.replies["conv-ava"] = reply{
		senderID:    ava.ID,
		text:        "Nice! This is an automated demo reply.",
		probability: 0.7,
		delayBase:   900 * time.Millisecond,
		delayJitter: 1200 * time.Millisecond,
	}
	s.replies["conv-support"] = reply{
		senderID:    bot.ID,
		text:        "Support Bot: Example answer to your message.",
		probability: 0.8,
		delayBase:   600 * time.Millisecond,
		delayJitter: 1100 * time.Millisecond,
	}
	return s
}

// AddConversation registers a conversation with its seeded messages
// (newest first).
func (s *Server) AddConversation(c store.Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.convs[c.ID]; ok {
		return
	}
	cp := c
	cp.Messages = append([]message.Message(nil), c.Messages...)
	cp.Participants = append([]store.Participant(nil), c.Participants...)
	s.convs[c.ID] = &cp
	s.order = append(s.order, c.ID)
}

// Send implements transport.RemoteSend: assigns a canonical ID and a
// server timestamp, stores the message as sent, broadcasts it on the
// push channel, and kicks off status progression and any scripted
// reply.
func (s *Server) Send(ctx context.Context, conversationID string, content message.Content) (message.Message, error) {
	if err := s.sleep(ctx); err != nil {
		return message.Message{}, err
	}
	if err := content.Validate(); err != nil {
		return message.Message{}, err
	}

	s.mu.Lock()
	conv, ok := s.convs[conversationID]
	if !ok {
		s.mu.Unlock()
		return message.Message{}, transport.ErrConversationNotFound
	}
	canonical := message.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		SenderID:       s.opts.SelfID,
		Text:           content.Text,
		ImageURL:       content.ImageURL,
		CreatedAt:      s.clock.Now(),
		Status:         message.StatusSent,
	}
	conv.Messages = append([]message.Message{canonical}, conv.Messages...)
	s.mu.Unlock()

	s.broadcast(transport.NewEvent(transport.EventMessageReceive, transport.MessagePayload{
		ConversationID: conversationID,
		Message:        canonical,
	}))
	s.spawn(func() { s.progress(conversationID, canonical.ID) })
	s.maybeReply(conversationID)
	return canonical, nil
}

// Fetch implements transport.RemoteFetch with before-ID cursor
// pagination over the newest-first sequence.
func (s *Server) Fetch(ctx context.Context, conversationID, cursor string, limit int) (transport.Page, error) {
	if err := s.sleep(ctx); err != nil {
		return transport.Page{}, err
	}
	if limit <= 0 {
		limit = 40
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.convs[conversationID]
	if !ok {
		return transport.Page{}, transport.ErrConversationNotFound
	}
	msgs := conv.Messages
	if cursor != "" {
		for i := range msgs {
			if msgs[i].ID == cursor {
				msgs = msgs[i+1:]
				break
			}
		}
	}
	if len(msgs) > limit {
		msgs = msgs[:limit]
	}
	page := transport.Page{Messages: append([]message.Message(nil), msgs...)}
	if len(msgs) == limit && len(msgs) > 0 {
		page.NextCursor = msgs[len(msgs)-1].ID
	}
	return page, nil
}

// Upload implements transport.RemoteUpload by minting a remote-looking
// reference for the local one.
func (s *Server) Upload(ctx context.Context, localRef string) (string, error) {
	if err := s.sleep(ctx); err != nil {
		return "", err
	}
	return "https://files.mockremote.invalid/" + uuid.NewString(), nil
}

// Conversations implements transport.RemoteDirectory.
func (s *Server) Conversations(ctx context.Context) ([]store.Conversation, error) {
	if err := s.sleep(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.Conversation, 0, len(s.order))
	for _, id := range s.order {
		conv := s.convs[id]
		cp := *conv
		cp.Messages = append([]message.Message(nil), conv.Messages...)
		cp.Participants = append([]store.Participant(nil), conv.Participants...)
		out = append(out, cp)
	}
	return out, nil
}

// progress walks an accepted message toward delivered and maybe read,
// broadcasting one status event per transition.
func (s *Server) progress(conversationID, messageID string) {
	select {
	case <-s.clock.After(s.policy.DeliverDelay()):
	case <-s.stop:
		return
	}
	s.setStatus(conversationID, messageID, message.StatusDelivered)

	readDelay, willRead := s.policy.ReadDecision()
	if !willRead {
		return
	}
	select {
	case <-s.clock.After(readDelay):
	case <-s.stop:
		return
	}
	s.setStatus(conversationID, messageID, message.StatusRead)
}

func (s *Server) setStatus(conversationID, messageID string, next message.Status) {
	s.mu.Lock()
	conv, ok := s.convs[conversationID]
	if !ok {
		s.mu.Unlock()
		return
	}
	applied := false
	for i := range conv.Messages {
		if conv.Messages[i].ID != messageID {
			continue
		}
		if conv.Messages[i].Status.CanTransition(next) {
			conv.Messages[i].Status = next
			applied = true
		}
		break
	}
	s.mu.Unlock()
	if applied {
		s.broadcast(transport.NewEvent(transport.EventMessageStatus, transport.StatusPayload{
			ConversationID: conversationID,
			MessageID:      messageID,
			Status:         next,
		}))
	}
}

// maybeReply rolls the conversation's reply script, if any.
func (s *Server) maybeReply(conversationID string) {
	if !s.opts.AutoReply {
		return
	}
	s.mu.Lock()
	script, ok := s.replies[conversationID]
	if ok {
		ok = s.rng.Float64() < script.probability
	}
	var delay time.Duration
	if ok {
		delay = script.delayBase
		if script.delayJitter > 0 {
			delay += time.Duration(s.rng.Int63n(int64(script.delayJitter)))
		}
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	s.spawn(func() {
		s.broadcast(transport.NewEvent(transport.EventTyping, transport.TypingPayload{
			ConversationID: conversationID,
			UserID:         script.senderID,
			Active:         true,
		}))
		select {
		case <-s.clock.After(delay):
		case <-s.stop:
			return
		}
		s.broadcast(transport.NewEvent(transport.EventTyping, transport.TypingPayload{
			ConversationID: conversationID,
			UserID:         script.senderID,
			Active:         false,
		}))

		s.mu.Lock()
		conv, exists := s.convs[conversationID]
		if !exists {
			s.mu.Unlock()
			return
		}
		msg := message.Message{
			ID:             uuid.NewString(),
			ConversationID: conversationID,
			SenderID:       script.senderID,
			Text:           script.text,
			CreatedAt:      s.clock.Now(),
			Status:         message.StatusSent,
		}
		conv.Messages = append([]message.Message{msg}, conv.Messages...)
		conv.Unread++
		s.mu.Unlock()

		s.broadcast(transport.NewEvent(transport.EventMessageReceive, transport.MessagePayload{
			ConversationID: conversationID,
			Message:        msg,
		}))
		s.progress(conversationID, msg.ID)
	})
}

func (s *Server) spawn(fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
}

// sleep simulates network latency, honoring context cancellation.
func (s *Server) sleep(ctx context.Context) error {
	if s.opts.Latency <= 0 {
		return nil
	}
	select {
	case <-s.clock.After(s.opts.Latency):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops pending progressions and reply timers and disconnects
// push subscribers.
func (s *Server) Close() {
	s.stopOnce.Do(func() { close(s.stop) })
	s.wg.Wait()

	s.subsMu.Lock()
	for sub := range s.subs {
		sub.close()
		delete(s.subs, sub)
	}
	s.subsMu.Unlock()
	logrus.WithFields(logrus.Fields{"function": "Close"}).Debug("mock remote stopped")
}
