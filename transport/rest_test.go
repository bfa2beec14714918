package transport_test

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/chatsync/message"
	"github.com/opd-ai/chatsync/mockremote"
	"github.com/opd-ai/chatsync/scheduler"
	"github.com/opd-ai/chatsync/transport"
)

func newTestServer(t *testing.T) (*mockremote.Server, *transport.RESTClient) {
	t.Helper()
	opts := mockremote.NewOptions()
	opts.Latency = 0
	// Keep background progression out of the way of request/response
	// assertions.
	opts.Policy = scheduler.FixedPolicy{Deliver: time.Hour}
	remote := mockremote.NewDemo(opts)
	t.Cleanup(remote.Close)

	srv := httptest.NewServer(remote.Handler())
	t.Cleanup(srv.Close)
	return remote, transport.NewRESTClient(srv.URL)
}

func TestRESTSend(t *testing.T) {
	_, client := newTestServer(t)

	sent, err := client.Send(context.Background(), "conv-ava", message.Content{Text: "hello"})
	require.NoError(t, err)
	assert.NotEmpty(t, sent.ID)
	assert.Equal(t, message.StatusSent, sent.Status)
	assert.Equal(t, "hello", sent.Text)
	assert.False(t, sent.CreatedAt.IsZero(), "server normalizes the timestamp")

	t.Run("unknown conversation maps to 404", func(t *testing.T) {
		_, err := client.Send(context.Background(), "conv-nope", message.Content{Text: "x"})
		require.ErrorIs(t, err, transport.ErrConversationNotFound)
	})

	t.Run("invalid content maps to remote unavailable", func(t *testing.T) {
		_, err := client.Send(context.Background(), "conv-ava", message.Content{})
		require.Error(t, err)
	})
}

func TestRESTFetchPagination(t *testing.T) {
	_, client := newTestServer(t)

	page, err := client.Fetch(context.Background(), "conv-ava", "", 1)
	require.NoError(t, err)
	require.Len(t, page.Messages, 1)
	assert.Equal(t, "a2", page.Messages[0].ID)
	require.Equal(t, "a2", page.NextCursor)

	older, err := client.Fetch(context.Background(), "conv-ava", page.NextCursor, 1)
	require.NoError(t, err)
	require.Len(t, older.Messages, 1)
	assert.Equal(t, "a1", older.Messages[0].ID)

	t.Run("unknown conversation", func(t *testing.T) {
		_, err := client.Fetch(context.Background(), "conv-nope", "", 10)
		require.ErrorIs(t, err, transport.ErrConversationNotFound)
	})
}

func TestRESTUpload(t *testing.T) {
	_, client := newTestServer(t)

	url, err := client.Upload(context.Background(), "file:///tmp/pic.jpg")
	require.NoError(t, err)
	assert.NotEmpty(t, url)
	assert.NotEqual(t, "file:///tmp/pic.jpg", url)
}

func TestRESTConversations(t *testing.T) {
	_, client := newTestServer(t)

	convs, err := client.Conversations(context.Background())
	require.NoError(t, err)
	require.Len(t, convs, 3)
	assert.Equal(t, "conv-ava", convs[0].ID)
	assert.Equal(t, "Ava (Demo)", convs[0].Title)
	assert.True(t, convs[0].Online)
}

func TestRESTServerDown(t *testing.T) {
	srv := httptest.NewServer(nil)
	url := srv.URL
	srv.Close()

	client := transport.NewRESTClient(url)
	_, err := client.Send(context.Background(), "conv-ava", message.Content{Text: "x"})
	require.ErrorIs(t, err, transport.ErrRemoteUnavailable)
}
