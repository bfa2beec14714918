package scheduler

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/chatsync/bus"
	"github.com/opd-ai/chatsync/message"
	"github.com/opd-ai/chatsync/store"
)

const selfID = "u-you"

// eventRecorder collects bus events safely across goroutines.
type eventRecorder struct {
	mu     sync.Mutex
	status []bus.StatusChanged
}

func (r *eventRecorder) record(payload any) {
	ev, ok := payload.(bus.StatusChanged)
	if !ok {
		return
	}
	r.mu.Lock()
	r.status = append(r.status, ev)
	r.mu.Unlock()
}

func (r *eventRecorder) statuses() []bus.StatusChanged {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bus.StatusChanged(nil), r.status...)
}

func newFixture(t *testing.T, policy Policy) (*store.Store, *bus.Bus, *Scheduler, *eventRecorder) {
	t.Helper()
	st := store.New(selfID)
	st.AddConversation(store.Conversation{ID: "conv-ava", Title: "Ava"})
	b := bus.New()
	s := New(st, b, selfID)
	s.SetPolicy(policy)
	t.Cleanup(s.Stop)

	rec := &eventRecorder{}
	b.Subscribe(bus.KindStatusChanged, rec.record)
	return st, b, s, rec
}

func appendSent(t *testing.T, st *store.Store, id string) {
	t.Helper()
	_, err := st.Append("conv-ava", message.Message{
		ID: id, ConversationID: "conv-ava", SenderID: selfID,
		Text: "x", CreatedAt: time.Now(), Status: message.StatusSent,
	})
	require.NoError(t, err)
}

func TestTrackProgressesToRead(t *testing.T) {
	st, _, s, rec := newFixture(t, FixedPolicy{WillRead: true})
	appendSent(t, st, "m1")

	s.Track("conv-ava", "m1")

	require.Eventually(t, func() bool {
		m, err := st.Message("conv-ava", "m1")
		return err == nil && m.Status == message.StatusRead
	}, 2*time.Second, 10*time.Millisecond)

	events := rec.statuses()
	require.Len(t, events, 2)
	assert.Equal(t, message.StatusDelivered, events[0].Status)
	assert.Equal(t, message.StatusRead, events[1].Status)
	assert.Equal(t, "m1", events[0].MessageID)
}

func TestTrackStopsAtDeliveredWithoutReadDecision(t *testing.T) {
	st, _, s, rec := newFixture(t, FixedPolicy{WillRead: false})
	appendSent(t, st, "m1")

	s.Track("conv-ava", "m1")

	require.Eventually(t, func() bool {
		m, err := st.Message("conv-ava", "m1")
		return err == nil && m.Status == message.StatusDelivered
	}, 2*time.Second, 10*time.Millisecond)
	s.Stop()

	m, err := st.Message("conv-ava", "m1")
	require.NoError(t, err)
	assert.Equal(t, message.StatusDelivered, m.Status, "without a read decision the message stays delivered")
	require.Len(t, rec.statuses(), 1)
}

// TestDeliveredThenExplicitRead covers the scheduler reaching
// delivered and an explicit read action finishing the lifecycle with
// exactly one more event.
func TestDeliveredThenExplicitRead(t *testing.T) {
	st, _, s, rec := newFixture(t, FixedPolicy{WillRead: false})
	appendSent(t, st, "m1")
	s.Track("conv-ava", "m1")

	require.Eventually(t, func() bool {
		m, _ := st.Message("conv-ava", "m1")
		return m.Status == message.StatusDelivered
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, s.MarkConversationRead("conv-ava"))

	m, _ := st.Message("conv-ava", "m1")
	assert.Equal(t, message.StatusRead, m.Status)

	var readEvents int
	for _, ev := range rec.statuses() {
		if ev.MessageID == "m1" && ev.Status == message.StatusRead {
			readEvents++
		}
	}
	assert.Equal(t, 1, readEvents, "exactly one status-changed event for the read transition")
}

func TestMarkConversationReadIsIdempotent(t *testing.T) {
	st, b, s, rec := newFixture(t, FixedPolicy{WillRead: false})
	appendSent(t, st, "m1")
	appendSent(t, st, "m2")
	_, err := st.Append("conv-ava", message.Message{
		ID: "m3", ConversationID: "conv-ava", SenderID: "u-ava",
		Text: "incoming", CreatedAt: time.Now(), Status: message.StatusDelivered,
	})
	require.NoError(t, err)

	var presence int
	b.Subscribe(bus.KindPresenceChanged, func(any) { presence++ })

	require.NoError(t, s.MarkConversationRead("conv-ava"))

	msgs, _ := st.Messages("conv-ava")
	for _, m := range msgs {
		assert.Equal(t, message.StatusRead, m.Status)
	}
	unread, _ := st.Unread("conv-ava")
	assert.Zero(t, unread)
	assert.Len(t, rec.statuses(), 3)
	assert.Equal(t, 1, presence)

	// Second call: every transition is a no-op, no further status
	// events.
	require.NoError(t, s.MarkConversationRead("conv-ava"))
	assert.Len(t, rec.statuses(), 3)
	unread, _ = st.Unread("conv-ava")
	assert.Zero(t, unread)
}

func TestMarkConversationReadSkipsFailed(t *testing.T) {
	st, _, s, rec := newFixture(t, FixedPolicy{WillRead: false})
	_, err := st.Append("conv-ava", message.Message{
		ID: "m1", ConversationID: "conv-ava", SenderID: selfID,
		Text: "x", CreatedAt: time.Now(), Status: message.StatusFailed,
	})
	require.NoError(t, err)

	require.NoError(t, s.MarkConversationRead("conv-ava"))

	m, _ := st.Message("conv-ava", "m1")
	assert.Equal(t, message.StatusFailed, m.Status, "failed is terminal; read must not resurrect it")
	assert.Empty(t, rec.statuses())
}

func TestMarkConversationReadUnknownConversation(t *testing.T) {
	_, _, s, _ := newFixture(t, FixedPolicy{WillRead: false})
	require.ErrorIs(t, s.MarkConversationRead("conv-nope"), store.ErrUnknownConversation)
}

func TestStopHaltsPendingTimers(t *testing.T) {
	st, _, s, _ := newFixture(t, FixedPolicy{Deliver: time.Hour, WillRead: false})
	appendSent(t, st, "m1")
	s.Track("conv-ava", "m1")

	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not cancel the pending delivery timer")
	}

	m, _ := st.Message("conv-ava", "m1")
	assert.Equal(t, message.StatusSent, m.Status)
}

// TestStatusEventsKeepLifecycleOrder races timer-driven delivery
// against explicit read actions: no matter which side wins a message,
// its status-changed events must come out in increasing lifecycle
// order — a delivered event after the read event would walk the
// observer's view backwards.
func TestStatusEventsKeepLifecycleOrder(t *testing.T) {
	st, _, s, rec := newFixture(t, FixedPolicy{WillRead: false})

	for i := 0; i < 50; i++ {
		id := fmt.Sprintf("m%d", i)
		appendSent(t, st, id)
		s.Track("conv-ava", id)
		require.NoError(t, s.MarkConversationRead("conv-ava"))
	}
	s.Stop()

	rank := map[message.Status]int{
		message.StatusSent:      1,
		message.StatusDelivered: 2,
		message.StatusRead:      3,
	}
	last := make(map[string]int)
	for _, ev := range rec.statuses() {
		r := rank[ev.Status]
		require.Greater(t, r, last[ev.MessageID],
			"message %s published %s after a later status", ev.MessageID, ev.Status)
		last[ev.MessageID] = r
	}
	for i := 0; i < 50; i++ {
		m, err := st.Message("conv-ava", fmt.Sprintf("m%d", i))
		require.NoError(t, err)
		assert.Equal(t, message.StatusRead, m.Status)
	}
}

func TestRandomPolicyBounds(t *testing.T) {
	p := NewRandomPolicy()
	for i := 0; i < 100; i++ {
		d := p.DeliverDelay()
		assert.GreaterOrEqual(t, d, DefaultDeliverBase)
		assert.Less(t, d, DefaultDeliverBase+DefaultDeliverJitter)

		if delay, ok := p.ReadDecision(); ok {
			assert.GreaterOrEqual(t, delay, DefaultReadBase)
			assert.Less(t, delay, DefaultReadBase+DefaultReadJitter)
		}
	}
}
