package transport_test

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/chatsync/message"
	"github.com/opd-ai/chatsync/mockremote"
	"github.com/opd-ai/chatsync/scheduler"
	"github.com/opd-ai/chatsync/transport"
)

// recordingSink captures dispatched push events.
type recordingSink struct {
	mu       sync.Mutex
	messages []message.Message
	statuses []message.Status
}

func (r *recordingSink) RemoteMessage(_ string, m message.Message) {
	r.mu.Lock()
	r.messages = append(r.messages, m)
	r.mu.Unlock()
}

func (r *recordingSink) RemoteStatus(_, _ string, st message.Status) {
	r.mu.Lock()
	r.statuses = append(r.statuses, st)
	r.mu.Unlock()
}

func (r *recordingSink) RemotePresence(string, string, bool) {}
func (r *recordingSink) RemoteTyping(string, string, bool) {}

func (r *recordingSink) messageCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.messages)
}

func (r *recordingSink) statusCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.statuses)
}

func TestPushListenerReceivesEvents(t *testing.T) {
	opts := mockremote.NewOptions()
	opts.Latency = 0
	opts.Policy = scheduler.FixedPolicy{WillRead: false}
	remote := mockremote.NewDemo(opts)
	t.Cleanup(remote.Close)

	srv := httptest.NewServer(remote.Handler())
	t.Cleanup(srv.Close)

	sink := &recordingSink{}
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	listener, err := transport.DialPush(wsURL, sink)
	require.NoError(t, err)
	t.Cleanup(func() { listener.Close() })

	sent, err := remote.Send(context.Background(), "conv-ava", message.Content{Text: "hello"})
	require.NoError(t, err)

	// The accepted message arrives as a push event, followed by its
	// delivered transition.
	require.Eventually(t, func() bool {
		return sink.messageCount() == 1 && sink.statusCount() >= 1
	}, 2*time.Second, 10*time.Millisecond)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Equal(t, sent.ID, sink.messages[0].ID)
	assert.Equal(t, message.StatusDelivered, sink.statuses[0])
}

func TestPushListenerCloseStopsDispatch(t *testing.T) {
	opts := mockremote.NewOptions()
	opts.Latency = 0
	remote := mockremote.NewDemo(opts)
	t.Cleanup(remote.Close)

	srv := httptest.NewServer(remote.Handler())
	t.Cleanup(srv.Close)

	sink := &recordingSink{}
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	listener, err := transport.DialPush(wsURL, sink)
	require.NoError(t, err)

	require.NoError(t, listener.Close())
	// Close returned, so the dispatch loop has exited; later sends
	// cannot reach the sink.
	before := sink.messageCount()
	_, err = remote.Send(context.Background(), "conv-ava", message.Content{Text: "after close"})
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, before, sink.messageCount())
}
