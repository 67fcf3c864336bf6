// Package repo fetches conversations and messages from the backend
// REST API. The realtime socket only pushes deltas; history comes from
// here.
package repo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/kristikumria/komuniteti-chatd/internal/kv"
	"github.com/kristikumria/komuniteti-chatd/internal/model"
)

// ConversationRepository lists the conversations of the current user.
type ConversationRepository interface {
	List(ctx context.Context) ([]model.Conversation, error)
}

// MessageRepository reads and deletes messages of a conversation.
type MessageRepository interface {
	List(ctx context.Context, conversationID string, limit int) ([]model.Message, error)
	Delete(ctx context.Context, messageID string) error
}

// Client talks JSON over HTTP with a bearer token read from the
// key-value store on every call, so a token refresh needs no restart.
type Client struct {
	baseURL string
	kvs     kv.Store
	http    *http.Client
}

// NewClient creates a client for the API at baseURL.
func NewClient(baseURL string, kvs kv.Store) *Client {
	return &Client{
		baseURL: baseURL,
		kvs:     kvs,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

var (
	_ ConversationRepository = (*conversationRepo)(nil)
	_ MessageRepository      = (*messageRepo)(nil)
)

// Conversations returns the conversation repository view of the client.
func (c *Client) Conversations() ConversationRepository {
	return &conversationRepo{c}
}

// Messages returns the message repository view of the client.
func (c *Client) Messages() MessageRepository {
	return &messageRepo{c}
}

type conversationRepo struct{ c *Client }

func (r *conversationRepo) List(ctx context.Context) ([]model.Conversation, error) {
	var out []model.Conversation
	if err := r.c.do(ctx, http.MethodGet, "/api/chat/conversations", nil, &out); err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	return out, nil
}

type messageRepo struct{ c *Client }

func (r *messageRepo) List(ctx context.Context, conversationID string, limit int) ([]model.Message, error) {
	path := "/api/chat/conversations/" + url.PathEscape(conversationID) + "/messages"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out []model.Message
	if err := r.c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return out, nil
}

func (r *messageRepo) Delete(ctx context.Context, messageID string) error {
	path := "/api/chat/messages/" + url.PathEscape(messageID)
	if err := r.c.do(ctx, http.MethodDelete, path, nil, nil); err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	token, found, err := c.kvs.GetItem(ctx, kv.KeyAuthToken)
	if err != nil {
		return fmt.Errorf("read auth token: %w", err)
	}
	if !found || token == "" {
		return fmt.Errorf("not authenticated")
	}

	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, bytes.TrimSpace(msg))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
