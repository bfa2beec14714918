package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/opd-ai/chatsync/message"
	"github.com/opd-ai/chatsync/store"
)

// RESTClient implements RemoteSend, RemoteFetch, RemoteUpload, and
// RemoteDirectory over a REST/JSON API:
//
//	GET  {base}/conversations
//	GET  {base}/conversations/{id}/messages?before=&limit=
//	POST {base}/conversations/{id}/messages
//	POST {base}/uploads
type RESTClient struct {
	base string
	http *http.Client
}

// NewRESTClient creates a client for the API rooted at baseURL.
func NewRESTClient(baseURL string) *RESTClient {
	return &RESTClient{
		base: baseURL,
		http: &http.Client{Timeout: 10 * time.Second},
	}
}

// Send posts authored content and decodes the canonical message.
func (c *RESTClient) Send(ctx context.Context, conversationID string, content message.Content) (message.Message, error) {
	var out message.Message
	err := c.do(ctx, http.MethodPost,
		fmt.Sprintf("%s/conversations/%s/messages", c.base, url.PathEscape(conversationID)),
		content, &out)
	return out, err
}

// Fetch retrieves one newest-first page.
func (c *RESTClient) Fetch(ctx context.Context, conversationID, cursor string, limit int) (Page, error) {
	u := fmt.Sprintf("%s/conversations/%s/messages", c.base, url.PathEscape(conversationID))
	q := url.Values{}
	if cursor != "" {
		q.Set("before", cursor)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	var out Page
	err := c.do(ctx, http.MethodGet, u, nil, &out)
	return out, err
}

// Upload posts a local reference and returns the remote one.
func (c *RESTClient) Upload(ctx context.Context, localRef string) (string, error) {
	var out struct {
		URL string `json:"url"`
	}
	body := struct {
		LocalRef string `json:"local_ref"`
	}{LocalRef: localRef}
	if err := c.do(ctx, http.MethodPost, c.base+"/uploads", body, &out); err != nil {
		return "", err
	}
	return out.URL, nil
}

// Conversations lists the remote directory.
func (c *RESTClient) Conversations(ctx context.Context) ([]store.Conversation, error) {
	var out []store.Conversation
	err := c.do(ctx, http.MethodGet, c.base+"/conversations", nil, &out)
	return out, err
}

func (c *RESTClient) do(ctx context.Context, method, u string, in, out any) error {
	var body *bytes.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	} else {
		body = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRemoteUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrConversationNotFound
	case resp.StatusCode >= 400:
		return fmt.Errorf("%w: remote answered %d", ErrRemoteUnavailable, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode response: %v", ErrRemoteUnavailable, err)
	}
	return nil
}
