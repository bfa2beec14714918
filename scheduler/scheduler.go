// Package scheduler drives the delivery-status state machine for
// messages after they enter the store.
//
// Once a message reaches sent, the scheduler waits a policy-chosen
// delay, advances it to delivered, and may advance it to read after a
// further delay — emitting one status-changed event per transition.
// Transitions are best-effort and purely timer-driven: nothing is
// persisted, so a process restart loses in-flight progression.
package scheduler

import (
	"errors"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/chatsync/bus"
	"github.com/opd-ai/chatsync/message"
	"github.com/opd-ai/chatsync/store"
)

// Scheduler progresses message statuses over time and answers explicit
// read actions. Create with New; call Stop on teardown to halt pending
// timers.
type Scheduler struct {
	store  *store.Store
	bus    *bus.Bus
	clock  Clock
	policy Policy
	self   string

	// ord serializes status update + publish per conversation so
	// status-changed events for a message always leave in transition
	// order.
	ordMu sync.Mutex
	ord   map[string]*sync.Mutex

	wg       sync.WaitGroup
	stop     chan struct{}
	stopOnce sync.Once
}

// New creates a scheduler with the system clock and the default random
// policy.
func New(st *store.Store, b *bus.Bus, selfID string) *Scheduler {
	return &Scheduler{
		store:  st,
		bus:    b,
		clock:  SystemClock{},
		policy: NewRandomPolicy(),
		self:   selfID,
		ord:    make(map[string]*sync.Mutex),
		stop:   make(chan struct{}),
	}
}

// SetClock replaces the timer source. Intended for tests; nil resets
// to the system clock.
func (s *Scheduler) SetClock(c Clock) {
	if c == nil {
		c = SystemClock{}
	}
	s.clock = c
}

// SetPolicy replaces the delay/probability source. Nil resets to the
// default random policy.
func (s *Scheduler) SetPolicy(p Policy) {
	if p == nil {
		p = NewRandomPolicy()
	}
	s.policy = p
}

// Clock returns the scheduler's timer source, shared with the client
// facade for timestamping.
func (s *Scheduler) Clock() Clock { return s.clock }

// Track starts the delivered/read progression for a message that just
// entered the store in state sent. Call at most once per canonical
// message.
func (s *Scheduler) Track(conversationID, messageID string) {
	s.wg.Add(1)
	go s.progress(conversationID, messageID)
}

func (s *Scheduler) progress(conversationID, messageID string) {
	defer s.wg.Done()

	select {
	case <-s.clock.After(s.policy.DeliverDelay()):
	case <-s.stop:
		return
	}
	s.advance(conversationID, messageID, message.StatusDelivered)

	readDelay, willRead := s.policy.ReadDecision()
	if !willRead {
		return
	}
	select {
	case <-s.clock.After(readDelay):
	case <-s.stop:
		return
	}
	s.advance(conversationID, messageID, message.StatusRead)
}

// Apply performs one status transition and, when the message actually
// changed, publishes the corresponding event. Update and publish run
// under the conversation's ordering lock: a concurrent transition on
// the same message cannot publish between them, so observers see
// events in lifecycle order. Every status path (timer progression,
// explicit reads, remote pushes, send failures) goes through here.
func (s *Scheduler) Apply(conversationID, messageID string, next message.Status) (bool, error) {
	mu := s.convMu(conversationID)
	mu.Lock()
	defer mu.Unlock()
	changed, err := s.store.UpdateStatus(conversationID, messageID, next)
	if err != nil || !changed {
		return changed, err
	}
	s.bus.Publish(bus.KindStatusChanged, bus.StatusChanged{
		ConversationID: conversationID,
		MessageID:      messageID,
		Status:         next,
	})
	return true, nil
}

func (s *Scheduler) convMu(conversationID string) *sync.Mutex {
	s.ordMu.Lock()
	defer s.ordMu.Unlock()
	mu, ok := s.ord[conversationID]
	if !ok {
		mu = &sync.Mutex{}
		s.ord[conversationID] = mu
	}
	return mu
}

// advance applies one timer-driven transition. Invalid transitions and
// unknown targets are integration errors: logged and absorbed so the
// status pipeline never crashes.
func (s *Scheduler) advance(conversationID, messageID string, next message.Status) {
	if _, err := s.Apply(conversationID, messageID, next); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":        "advance",
			"conversation_id": conversationID,
			"message_id":      messageID,
			"status":          next,
		}).WithError(err).Warn("status transition dropped")
	}
}

// MarkConversationRead transitions every message in the conversation
// that is not already read to read, emitting one status-changed event
// per actual transition, resets the unread count, and emits a
// presence-changed event for the local user. Idempotent: repeat calls
// with no new messages skip every transition.
func (s *Scheduler) MarkConversationRead(conversationID string) error {
	msgs, err := s.store.Messages(conversationID)
	if err != nil {
		return err
	}
	for _, m := range msgs {
		if m.Status == message.StatusRead {
			continue
		}
		if _, err := s.Apply(conversationID, m.ID, message.StatusRead); err != nil {
			if !errors.Is(err, message.ErrInvalidTransition) {
				logrus.WithFields(logrus.Fields{
					"function":        "MarkConversationRead",
					"conversation_id": conversationID,
					"message_id":      m.ID,
				}).WithError(err).Warn("read transition dropped")
			}
		}
	}
	if err := s.store.ResetUnread(conversationID); err != nil {
		return err
	}
	s.bus.Publish(bus.KindPresenceChanged, bus.PresenceChanged{
		ConversationID: conversationID,
		UserID:         s.self,
		Online:         true,
	})
	return nil
}

// Stop halts pending timers and waits for in-flight progressions to
// wind down. Messages mid-sequence stay at their current status.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	s.wg.Wait()
}
