// Package bus implements the in-process publish/subscribe channel used
// to fan out message and presence events to interested observers.
//
// Delivery is synchronous: Publish invokes every live handler for the
// event kind, in subscription order, before returning. The bus keeps no
// history; a subscriber registered after an event fired never observes
// that event.
package bus

import (
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/chatsync/message"
)

// Kind identifies a class of event.
type Kind string

const (
	// KindMessageReceived fires when a canonical message lands in the
	// store, whether authored locally or pushed by the remote system.
	KindMessageReceived Kind = "message-received"
	// KindStatusChanged fires once per message status transition.
	KindStatusChanged Kind = "status-changed"
	// KindPresenceChanged fires when a participant's online state
	// changes.
	KindPresenceChanged Kind = "presence-changed"
	// KindTyping relays a participant's typing indicator.
	KindTyping Kind = "typing"
)

// MessageReceived is the payload for KindMessageReceived.
type MessageReceived struct {
	ConversationID string          `json:"conversation_id"`
	Message        message.Message `json:"message"`
}

// StatusChanged is the payload for KindStatusChanged.
type StatusChanged struct {
	ConversationID string         `json:"conversation_id"`
	MessageID      string         `json:"message_id"`
	Status         message.Status `json:"status"`
}

// PresenceChanged is the payload for KindPresenceChanged.
type PresenceChanged struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	Online         bool   `json:"online"`
}

// Typing is the payload for KindTyping.
type Typing struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	Active         bool   `json:"active"`
}

// Handler receives the payload of a published event. Handlers must not
// block; work that needs to await something should be kicked off and
// awaited after the handler returns.
type Handler func(payload any)

// Subscription is the handle for a registered handler. The owner must
// call Cancel on teardown so the bus stops invoking a torn-down
// observer.
type Subscription struct {
	bus      *Bus
	kind     Kind
	handler  Handler
	canceled atomic.Bool
}

// Cancel removes the subscription. Safe to call from within the
// handler itself, including during the publish that is invoking it;
// the handler is never invoked again once Cancel returns.
func (s *Subscription) Cancel() {
	if s == nil || s.canceled.Swap(true) {
		return
	}
	s.bus.remove(s)
}

// Bus is an in-process event fan-out. The zero value is not usable;
// call New.
type Bus struct {
	mu   sync.Mutex
	subs map[Kind][]*Subscription
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[Kind][]*Subscription)}
}

// Subscribe registers a handler for an event kind and returns its
// lifecycle handle. Safe to call from within a handler; the new
// subscription does not observe the event being published.
func (b *Bus) Subscribe(kind Kind, handler Handler) *Subscription {
	sub := &Subscription{bus: b, kind: kind, handler: handler}
	b.mu.Lock()
	b.subs[kind] = append(b.subs[kind], sub)
	b.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Subscribe",
		"kind":     kind,
	}).Debug("handler subscribed")
	return sub
}

// Publish delivers payload to every live handler for kind, in
// subscription order. It returns once all handlers have been invoked.
func (b *Bus) Publish(kind Kind, payload any) {
	b.mu.Lock()
	snapshot := make([]*Subscription, len(b.subs[kind]))
	copy(snapshot, b.subs[kind])
	b.mu.Unlock()

	// Invoke outside the lock so handlers can subscribe, cancel, or
	// publish without deadlocking. Cancellation between the snapshot
	// and the invocation is honored via the canceled flag.
	for _, sub := range snapshot {
		if sub.canceled.Load() {
			continue
		}
		sub.handler(payload)
	}
}

func (b *Bus) remove(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.subs[sub.kind]
	for i, s := range list {
		if s == sub {
			b.subs[sub.kind] = append(list[:i:i], list[i+1:]...)
			return
		}
	}
}
