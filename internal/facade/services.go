package facade

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/serenissima/engine/internal/model"
	"github.com/serenissima/engine/internal/store"
)

// Client talks to the web façade.
type Client struct {
	BaseURL    string
	httpClient *http.Client
}

// NewClient creates a façade client.
func NewClient(baseURL string) *Client {
	return &Client{BaseURL: baseURL, httpClient: &http.Client{Timeout: 90 * time.Second}}
}

// Ledger fetches GET /api/get-ledger for a citizen as an opaque snapshot.
func (c *Client) Ledger(ctx context.Context, username string) (json.RawMessage, error) {
	var raw json.RawMessage
	u := c.BaseURL + "/api/get-ledger?citizenUsername=" + url.QueryEscape(username)
	if err := DoJSON(ctx, c.httpClient, http.MethodGet, u, nil, &raw, RetryPolicy(ctx, 2, time.Second)); err != nil {
		return nil, fmt.Errorf("ledger %s: %w", username, err)
	}
	return raw, nil
}

// OutgoingMessage is a chat line to persist.
type OutgoingMessage struct {
	Sender   string `json:"sender" validate:"required"`
	Receiver string `json:"receiver" validate:"required"`
	Content  string `json:"content" validate:"required"`
	Type     string `json:"type"`
	Channel  string `json:"channel,omitempty"`
}

// Messenger persists messages.
type Messenger interface {
	Send(ctx context.Context, m OutgoingMessage) error
}

// Send posts to /api/messages/send.
func (c *Client) Send(ctx context.Context, m OutgoingMessage) error {
	var resp struct {
		Success bool   `json:"success"`
		Error   string `json:"error"`
	}
	if err := DoJSON(ctx, c.httpClient, http.MethodPost, c.BaseURL+"/api/messages/send", m, &resp, nil); err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	if !resp.Success {
		return fmt.Errorf("send message: %s", resp.Error)
	}
	return nil
}

// TryCreateRequest is the body of POST /api/activities/try-create.
type TryCreateRequest struct {
	CitizenUsername    string         `json:"citizenUsername" validate:"required"`
	ActivityType       string         `json:"activityType" validate:"required"`
	ActivityParameters map[string]any `json:"activityParameters"`
}

// TryCreateResponse is its reply.
type TryCreateResponse struct {
	Success    bool              `json:"success"`
	Message    string            `json:"message,omitempty"`
	Error      string            `json:"error,omitempty"`
	Activity   map[string]any    `json:"activity,omitempty"`
	Activities []json.RawMessage `json:"activities,omitempty"`
}

// TryCreate asks the façade to plan an activity for a citizen.
func (c *Client) TryCreate(ctx context.Context, req TryCreateRequest) (*TryCreateResponse, error) {
	var resp TryCreateResponse
	err := DoJSON(ctx, c.httpClient, http.MethodPost, c.BaseURL+"/api/activities/try-create", req, &resp, nil)
	if err != nil {
		return nil, fmt.Errorf("try-create %s for %s: %w", req.ActivityType, req.CitizenUsername, err)
	}
	return &resp, nil
}

// StoreMessenger writes messages straight into the Messages table.
type StoreMessenger struct {
	Store store.Store
	Now   func() time.Time
}

// Send appends the message.
func (m StoreMessenger) Send(ctx context.Context, msg OutgoingMessage) error {
	now := time.Now
	if m.Now != nil {
		now = m.Now
	}
	typ := msg.Type
	if typ == "" {
		typ = "message"
	}
	_, err := m.Store.Create(ctx, store.Messages, store.Fields{
		"MessageId": model.NewID("msg"),
		"Sender":    msg.Sender,
		"Receiver":  msg.Receiver,
		"Content":   msg.Content,
		"Type":      typ,
		"Channel":   msg.Channel,
		"CreatedAt": now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("store message: %w", err)
	}
	return nil
}
