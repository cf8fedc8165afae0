// Package origin is the REST client for the backend's request/response
// surface: direct send fallback, catch-up polling, and delivery
// acknowledgment. The live path lives in internal/transport; everything
// here is the slow path, so requests carry a short timeout and callers
// retry on their own timers.
package origin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/pcastanho/cardchat/internal/store"
	"go.uber.org/zap"
)

// Client talks to the origin API.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *zap.Logger
}

// NewClient creates an origin API client. timeout bounds every request; the
// chat engine never blocks longer than this on the network.
func NewClient(baseURL string, timeout time.Duration, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

type wireMessage struct {
	ID               string `json:"id"`
	ConversationID   string `json:"conversationId"`
	ConversationKind string `json:"conversationKind"`
	SenderID         string `json:"senderId"`
	SenderName       string `json:"senderName"`
	Body             string `json:"body"`
	Kind             string `json:"kind"`
	SentAt           string `json:"sentAt"`
}

func (w wireMessage) toMessage() store.Message {
	sentAt, err := time.Parse(time.RFC3339Nano, w.SentAt)
	if err != nil {
		// Malformed sender timestamp: order by arrival instead of
		// pinning the message to the epoch end of the log.
		sentAt = time.Now().UTC()
	}
	return store.Message{
		ID: w.ID,
		Conversation: store.Conversation{
			ID:   w.ConversationID,
			Kind: store.ConversationKind(w.ConversationKind),
		},
		SenderID:   w.SenderID,
		SenderName: w.SenderName,
		Body:       w.Body,
		Kind:       store.MessageKind(w.Kind),
		SentAt:     sentAt,
	}
}

type sendRequest struct {
	ClientMessageID  string `json:"clientMessageId"`
	ConversationID   string `json:"conversationId"`
	ConversationKind string `json:"conversationKind"`
	SenderID         string `json:"senderId"`
	SenderName       string `json:"senderName"`
	Body             string `json:"body"`
	Kind             string `json:"kind"`
	SentAt           string `json:"sentAt"`
}

type pollResponse struct {
	Messages []wireMessage `json:"messages"`
}

type ackRequest struct {
	ConversationKind string   `json:"conversationKind"`
	MessageIDs       []string `json:"messageIds"`
}

// SendMessage submits a message through the request/response path. The
// client-generated message id makes resubmission idempotent on the origin.
func (c *Client) SendMessage(ctx context.Context, msg store.Message) error {
	body := sendRequest{
		ClientMessageID:  msg.ID,
		ConversationID:   msg.Conversation.ID,
		ConversationKind: string(msg.Conversation.Kind),
		SenderID:         msg.SenderID,
		SenderName:       msg.SenderName,
		Body:             msg.Body,
		Kind:             string(msg.Kind),
		SentAt:           msg.SentAt.UTC().Format(time.RFC3339Nano),
	}
	return c.post(ctx, "/api/chat/messages", body, nil)
}

// PollPending fetches messages queued for this client since the last
// acknowledged delivery.
func (c *Client) PollPending(ctx context.Context, conv store.Conversation) ([]store.Message, error) {
	path := fmt.Sprintf("/api/chat/conversations/%s/pending?kind=%s",
		url.PathEscape(conv.ID), url.QueryEscape(string(conv.Kind)))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("poll pending: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("poll pending: HTTP %d", resp.StatusCode)
	}

	var decoded pollResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("poll pending: decode: %w", err)
	}

	msgs := make([]store.Message, 0, len(decoded.Messages))
	for _, w := range decoded.Messages {
		msgs = append(msgs, w.toMessage())
	}
	return msgs, nil
}

// AcknowledgeDelivered confirms delivery of a batch of message ids. The
// origin treats repeats as idempotent, so at-least-once flushing is safe.
func (c *Client) AcknowledgeDelivered(ctx context.Context, conv store.Conversation, msgIDs []string) error {
	path := fmt.Sprintf("/api/chat/conversations/%s/ack", url.PathEscape(conv.ID))
	return c.post(ctx, path, ackRequest{
		ConversationKind: string(conv.Kind),
		MessageIDs:       msgIDs,
	}, nil)
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("POST %s: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("POST %s: HTTP %d", path, resp.StatusCode)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("POST %s: decode: %w", path, err)
		}
	}
	return nil
}
