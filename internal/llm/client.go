// Package llm provides the chat client used for citizen reflections and
// utterances. Calls are rate limited and retried with exponential backoff.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	DefaultURL = "https://api.anthropic.com/v1/messages"
	apiVersion = "2023-06-01"
	model      = "claude-haiku-4-5-20251001"

	maxAttempts = 3
)

var (
	// ErrDisabled is returned by a client without credentials.
	ErrDisabled = errors.New("LLM client not configured")
	// ErrBudget is returned once the per-minute call budget is spent.
	ErrBudget = errors.New("LLM call budget exhausted")
)

// Client wraps the Messages API.
type Client struct {
	apiKey     string
	url        string
	httpClient *http.Client
	initial    time.Duration

	mu        sync.Mutex
	spent     int
	window    time.Time
	maxPerMin int
}

// take spends one call from the budget of the minute starting at window.
func (c *Client) take(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if now.Sub(c.window) >= time.Minute {
		c.window, c.spent = now, 0
	}
	if c.spent >= c.maxPerMin {
		return false
	}
	c.spent++
	return true
}

// NewClient returns nil for an empty apiKey; a nil client reports
// Enabled() == false and every call returns ErrDisabled.
func NewClient(apiKey, url string) *Client {
	if apiKey == "" {
		return nil
	}
	if url == "" {
		url = DefaultURL
	}
	return &Client{
		apiKey: apiKey,
		url:    url,
		httpClient: &http.Client{
			Timeout: 300 * time.Second,
		},
		initial:   2 * time.Second,
		maxPerMin: 20,
	}
}

// Enabled reports whether calls will be attempted.
func (c *Client) Enabled() bool {
	return c != nil && c.apiKey != ""
}

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type request struct {
	Model     string    `json:"model"`
	MaxTokens int       `json:"max_tokens"`
	System    string    `json:"system,omitempty"`
	Messages  []Message `json:"messages"`
}

type response struct {
	Content []struct {
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// apiError is a non-2xx reply.
type apiError struct {
	code int
	body string
}

func (e *apiError) Error() string { return fmt.Sprintf("API error %d: %s", e.code, e.body) }

// Chat speaks as kin: the system prompt names the citizen and carries
// addSystem (typically a ledger snapshot) as opaque JSON context.
func (c *Client) Chat(ctx context.Context, kin, prompt string, addSystem json.RawMessage) (string, error) {
	system := fmt.Sprintf("You are %s, a citizen of Renaissance Venice. Stay in character and answer in a few sentences.", kin)
	if len(addSystem) > 0 {
		system += "\n\nWhat you know about your own situation:\n" + string(addSystem)
	}
	return c.Complete(ctx, system, prompt, 400)
}

// Complete sends a prompt and returns the response text. 5xx, 429 and
// network errors are retried up to three attempts; other 4xx are fatal.
func (c *Client) Complete(ctx context.Context, system, userPrompt string, maxTokens int) (string, error) {
	if !c.Enabled() {
		return "", ErrDisabled
	}

	if !c.take(time.Now()) {
		return "", fmt.Errorf("%w (%d calls/min)", ErrBudget, c.maxPerMin)
	}

	body, err := json.Marshal(request{
		Model:     model,
		MaxTokens: maxTokens,
		System:    system,
		Messages:  []Message{{Role: "user", Content: userPrompt}},
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	var text string
	op := func() error {
		t, err := c.send(ctx, body)
		if err != nil {
			var ae *apiError
			if errors.As(err, &ae) && ae.code < 500 && ae.code != http.StatusTooManyRequests {
				return backoff.Permanent(err)
			}
			slog.Debug("llm call failed, retrying", "error", err)
			return err
		}
		text = t
		return nil
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.initial
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, maxAttempts-1), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return "", err
	}
	return text, nil
}

func (c *Client) send(ctx context.Context, body []byte) (string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return "", backoff.Permanent(fmt.Errorf("create request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", apiVersion)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("API call: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", &apiError{code: resp.StatusCode, body: string(respBody)}
	}

	var apiResp response
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return "", backoff.Permanent(fmt.Errorf("unmarshal response: %w", err))
	}
	if len(apiResp.Content) == 0 {
		return "", backoff.Permanent(fmt.Errorf("empty response"))
	}

	slog.Debug("llm call",
		"input_tokens", apiResp.Usage.InputTokens,
		"output_tokens", apiResp.Usage.OutputTokens,
	)
	return apiResp.Content[0].Text, nil
}
