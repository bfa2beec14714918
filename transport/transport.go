// Package transport defines the collaborator contracts the sync core
// consumes — remote send, fetch, and upload — and provides a REST/JSON
// client plus a websocket push listener implementing them against the
// simulated remote's HTTP surface.
//
// Any transport satisfying these signatures is acceptable to the core;
// no wire format beyond the operation shapes is prescribed.
package transport

import (
	"context"
	"errors"

	"github.com/opd-ai/chatsync/message"
	"github.com/opd-ai/chatsync/store"
)

// ErrRemoteUnavailable indicates the remote system could not be
// reached or answered with a server failure. Surfaced to the caller as
// a failed message status; never retried automatically.
var ErrRemoteUnavailable = errors.New("remote unavailable")

// ErrConversationNotFound indicates the remote system does not know
// the targeted conversation.
var ErrConversationNotFound = errors.New("conversation not found")

// Page is one fetch result: newest-first messages and the cursor for
// the next (older) page. An empty cursor means no further pages.
type Page struct {
	Messages   []message.Message `json:"messages"`
	NextCursor string            `json:"next_cursor,omitempty"`
}

// RemoteSend submits authored content and returns the canonical
// message: server-assigned ID, status sent, normalized timestamp.
type RemoteSend interface {
	Send(ctx context.Context, conversationID string, content message.Content) (message.Message, error)
}

// RemoteFetch retrieves a page of messages, newest first. cursor is
// the ID of the message to page back from; empty fetches the head.
type RemoteFetch interface {
	Fetch(ctx context.Context, conversationID, cursor string, limit int) (Page, error)
}

// RemoteUpload stores an image and returns its remote reference.
type RemoteUpload interface {
	Upload(ctx context.Context, localRef string) (string, error)
}

// RemoteDirectory lists the conversations known to the remote system.
// Optional; clients without it learn conversations from polls and
// pushes alone.
type RemoteDirectory interface {
	Conversations(ctx context.Context) ([]store.Conversation, error)
}
