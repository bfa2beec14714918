// Package chatsync implements the client-facing message
// synchronization core for a chat application.
//
// It accepts locally authored messages, shows them optimistically
// under a provisional identity, submits them to a remote store,
// reconciles the provisional record with the canonical server record,
// and tracks each message's delivery lifecycle (sending -> sent ->
// delivered -> read) while broadcasting status changes to interested
// observers. Poll-driven consumers merge fetched snapshots through the
// same store so messages arriving by push and by poll are never shown
// twice.
//
// Example:
//
//	remote := mockremote.NewDemo(nil)
//	client, err := chatsync.New(chatsync.Remote{
//	    Send:      remote,
//	    Fetch:     remote,
//	    Upload:    remote,
//	    Directory: remote,
//	}, nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	client.OnStatusChanged(func(ev bus.StatusChanged) {
//	    fmt.Printf("%s is now %s\n", ev.MessageID, ev.Status)
//	})
//
//	msg, err := client.SendMessage(ctx, "conv-ava", "hello")
package chatsync

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/chatsync/bus"
	"github.com/opd-ai/chatsync/message"
	"github.com/opd-ai/chatsync/reconcile"
	"github.com/opd-ai/chatsync/scheduler"
	"github.com/opd-ai/chatsync/store"
	"github.com/opd-ai/chatsync/transport"
)

// Remote bundles the collaborator contracts the client consumes. Send
// and Fetch are required; Upload is required only for image messages;
// Directory is optional.
type Remote struct {
	Send      transport.RemoteSend
	Fetch     transport.RemoteFetch
	Upload    transport.RemoteUpload
	Directory transport.RemoteDirectory
}

// Client is the synchronization core. All mutations flow through its
// message store; observers subscribe to the event bus. Safe for
// concurrent use.
type Client struct {
	opts   *Options
	store  *store.Store
	bus    *bus.Bus
	sched  *scheduler.Scheduler
	merger *reconcile.Merger
	remote Remote

	// inflight maps provisional IDs to their conversation so the
	// coordinator can match its own optimistic entry on completion
	// without relying on content.
	inflightMu sync.Mutex
	inflight   map[string]string
}

// New creates a client over the given remote collaborators. A nil
// opts uses NewOptions defaults.
func New(remote Remote, opts *Options) (*Client, error) {
	if opts == nil {
		opts = NewOptions()
	}
	if remote.Send == nil || remote.Fetch == nil {
		return nil, errors.New("remote send and fetch are required")
	}
	if opts.LogLevel != "" {
		level, err := logrus.ParseLevel(opts.LogLevel)
		if err != nil {
			return nil, fmt.Errorf("parse log level: %w", err)
		}
		logrus.SetLevel(level)
	}

	st := store.New(opts.SelfID)
	b := bus.New()
	sched := scheduler.New(st, b, opts.SelfID)
	if opts.Clock != nil {
		sched.SetClock(opts.Clock)
	}
	if opts.Policy != nil {
		sched.SetPolicy(opts.Policy)
	}

	return &Client{
		opts:     opts,
		store:    st,
		bus:      b,
		sched:    sched,
		merger:   reconcile.New(st),
		remote:   remote,
		inflight: make(map[string]string),
	}, nil
}

// SendMessage submits authored text to a conversation. The returned
// message is the canonical record; on failure the optimistic entry is
// left in the store with status failed and the transport error is
// returned — resubmission is the caller's decision.
func (c *Client) SendMessage(ctx context.Context, conversationID, text string) (message.Message, error) {
	return c.submit(ctx, conversationID, message.Content{Text: text})
}

// SendImage uploads a local image reference and submits the resulting
// remote reference as an image message. The optimistic entry shows the
// local reference until the canonical record replaces it.
func (c *Client) SendImage(ctx context.Context, conversationID, localRef string) (message.Message, error) {
	if c.remote.Upload == nil {
		return message.Message{}, errors.New("no upload transport configured")
	}
	content := message.Content{ImageURL: localRef}
	if err := content.Validate(); err != nil {
		return message.Message{}, err
	}
	if !c.store.Has(conversationID) {
		return message.Message{}, store.ErrUnknownConversation
	}

	prov := c.placeProvisional(conversationID, content)
	remoteRef, err := c.remote.Upload.Upload(ctx, localRef)
	if err != nil {
		c.failProvisional(conversationID, prov.ID)
		return message.Message{}, fmt.Errorf("remote upload: %w", err)
	}
	return c.complete(ctx, conversationID, prov, message.Content{ImageURL: remoteRef})
}

// submit runs the optimistic-local/canonical-remote flow for validated
// content.
func (c *Client) submit(ctx context.Context, conversationID string, content message.Content) (message.Message, error) {
	if err := content.Validate(); err != nil {
		return message.Message{}, err
	}
	if !c.store.Has(conversationID) {
		return message.Message{}, store.ErrUnknownConversation
	}
	prov := c.placeProvisional(conversationID, content)
	return c.complete(ctx, conversationID, prov, content)
}

// placeProvisional makes the authored content visible immediately as
// an optimistic entry. Deliberately emits no event: the entry is
// local-only until the remote acknowledges it.
func (c *Client) placeProvisional(conversationID string, content message.Content) message.Message {
	prov := message.NewProvisional(conversationID, c.opts.SelfID, content, c.sched.Clock().Now())
	c.inflightMu.Lock()
	c.inflight[prov.ID] = conversationID
	c.inflightMu.Unlock()
	if _, err := c.store.Append(conversationID, prov); err != nil {
		// Unreachable: existence was checked and provisional IDs are
		// fresh UUIDs.
		logrus.WithFields(logrus.Fields{
			"function":        "placeProvisional",
			"conversation_id": conversationID,
		}).WithError(err).Error("optimistic append failed")
	}
	return prov
}

// complete performs the remote send and reconciles provisional to
// canonical identity.
func (c *Client) complete(ctx context.Context, conversationID string, prov message.Message, content message.Content) (message.Message, error) {
	canonical, err := c.remote.Send.Send(ctx, conversationID, content)
	if err != nil {
		c.failProvisional(conversationID, prov.ID)
		return message.Message{}, fmt.Errorf("remote send: %w", err)
	}
	canonical.ConversationID = conversationID
	canonical.Provisional = false

	added, appendErr := c.store.Append(conversationID, canonical)
	c.clearInflight(prov.ID)
	c.store.RemoveProvisional(conversationID, prov.ID)
	if appendErr != nil {
		return message.Message{}, appendErr
	}
	if added {
		if canonical.Status == message.StatusSent {
			c.sched.Track(conversationID, canonical.ID)
		}
		c.bus.Publish(bus.KindMessageReceived, bus.MessageReceived{
			ConversationID: conversationID,
			Message:        canonical,
		})
	}

	logrus.WithFields(logrus.Fields{
		"function":        "complete",
		"conversation_id": conversationID,
		"provisional_id":  prov.ID,
		"canonical_id":    canonical.ID,
	}).Debug("provisional reconciled to canonical")
	return canonical, nil
}

// failProvisional marks the optimistic entry as terminally failed.
func (c *Client) failProvisional(conversationID, provisionalID string) {
	c.clearInflight(provisionalID)
	if _, err := c.sched.Apply(conversationID, provisionalID, message.StatusFailed); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":        "failProvisional",
			"conversation_id": conversationID,
			"provisional_id":  provisionalID,
		}).WithError(err).Warn("could not mark provisional failed")
	}
}

func (c *Client) clearInflight(provisionalID string) {
	c.inflightMu.Lock()
	delete(c.inflight, provisionalID)
	c.inflightMu.Unlock()
}

// MarkConversationRead transitions every message in the conversation
// to read, resets the unread count, and emits the corresponding
// events. Idempotent.
func (c *Client) MarkConversationRead(conversationID string) error {
	return c.sched.MarkConversationRead(conversationID)
}

// Messages returns the conversation's newest-first sequence.
func (c *Client) Messages(conversationID string) ([]message.Message, error) {
	return c.store.Messages(conversationID)
}

// Conversations returns the conversation-list projection.
func (c *Client) Conversations() []store.Summary {
	return c.store.Summaries()
}

// AddConversation registers a conversation the caller already knows
// about, for example from application state.
func (c *Client) AddConversation(conv store.Conversation) {
	c.store.AddConversation(conv)
}

// SyncDirectory loads the remote's conversation list into the store.
// No-op without a Directory transport.
func (c *Client) SyncDirectory(ctx context.Context) error {
	if c.remote.Directory == nil {
		return nil
	}
	convs, err := c.remote.Directory.Conversations(ctx)
	if err != nil {
		return fmt.Errorf("remote directory: %w", err)
	}
	for _, conv := range convs {
		c.store.AddConversation(conv)
	}
	return nil
}

// PollConversation fetches the newest page for a conversation and
// merges it into local state, returning the resulting sequence. This
// is the entry point for poll-driven consumers.
func (c *Client) PollConversation(ctx context.Context, conversationID string) ([]message.Message, error) {
	page, err := c.remote.Fetch.Fetch(ctx, conversationID, "", c.opts.FetchLimit)
	if err != nil {
		return nil, fmt.Errorf("remote fetch: %w", err)
	}
	return c.merger.Merge(conversationID, page.Messages)
}

// Subscribe registers a handler on the event bus. The caller owns the
// returned subscription and must Cancel it on teardown.
func (c *Client) Subscribe(kind bus.Kind, handler bus.Handler) *bus.Subscription {
	return c.bus.Subscribe(kind, handler)
}

// OnMessageReceived subscribes a typed handler for canonical messages
// landing in the store.
func (c *Client) OnMessageReceived(fn func(bus.MessageReceived)) *bus.Subscription {
	return c.bus.Subscribe(bus.KindMessageReceived, func(payload any) {
		if ev, ok := payload.(bus.MessageReceived); ok {
			fn(ev)
		}
	})
}

// OnStatusChanged subscribes a typed handler for status transitions.
func (c *Client) OnStatusChanged(fn func(bus.StatusChanged)) *bus.Subscription {
	return c.bus.Subscribe(bus.KindStatusChanged, func(payload any) {
		if ev, ok := payload.(bus.StatusChanged); ok {
			fn(ev)
		}
	})
}

// OnPresenceChanged subscribes a typed handler for presence updates.
func (c *Client) OnPresenceChanged(fn func(bus.PresenceChanged)) *bus.Subscription {
	return c.bus.Subscribe(bus.KindPresenceChanged, func(payload any) {
		if ev, ok := payload.(bus.PresenceChanged); ok {
			fn(ev)
		}
	})
}

// OnTyping subscribes a typed handler for typing indicators.
func (c *Client) OnTyping(fn func(bus.Typing)) *bus.Subscription {
	return c.bus.Subscribe(bus.KindTyping, func(payload any) {
		if ev, ok := payload.(bus.Typing); ok {
			fn(ev)
		}
	})
}

// RemoteMessage implements transport.EventSink: a canonical message
// pushed by the remote enters through the same dedup path as
// send-completion and polling.
func (c *Client) RemoteMessage(conversationID string, m message.Message) {
	c.store.Ensure(conversationID)
	m.ConversationID = conversationID
	m.Provisional = false
	added, err := c.store.Append(conversationID, m)
	if err != nil || !added {
		return
	}
	if m.Status == message.StatusSent {
		c.sched.Track(conversationID, m.ID)
	}
	c.bus.Publish(bus.KindMessageReceived, bus.MessageReceived{
		ConversationID: conversationID,
		Message:        m,
	})
}

// RemoteStatus implements transport.EventSink. Regressions (the remote
// lagging behind local progression) are absorbed. The transition goes
// through the scheduler's ordering lock so a pushed update cannot
// publish out of order against a concurrent local one.
func (c *Client) RemoteStatus(conversationID, messageID string, status message.Status) {
	if _, err := c.sched.Apply(conversationID, messageID, status); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":        "RemoteStatus",
			"conversation_id": conversationID,
			"message_id":      messageID,
			"status":          status,
		}).WithError(err).Debug("remote status dropped")
	}
}

// RemotePresence implements transport.EventSink.
func (c *Client) RemotePresence(conversationID, userID string, online bool) {
	c.store.Ensure(conversationID)
	if err := c.store.SetPresence(conversationID, online); err != nil {
		return
	}
	c.bus.Publish(bus.KindPresenceChanged, bus.PresenceChanged{
		ConversationID: conversationID,
		UserID:         userID,
		Online:         online,
	})
}

// RemoteTyping implements transport.EventSink. The core only relays
// typing indicators; they carry no stored state.
func (c *Client) RemoteTyping(conversationID, userID string, active bool) {
	c.bus.Publish(bus.KindTyping, bus.Typing{
		ConversationID: conversationID,
		UserID:         userID,
		Active:         active,
	})
}

// Close stops pending status timers. Pending timers that already fired
// keep their store mutations; observers must cancel their own
// subscriptions.
func (c *Client) Close() {
	c.sched.Stop()
}
