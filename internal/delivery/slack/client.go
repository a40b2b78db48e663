// Package slack implements the delivery messenger against the Slack Web API.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

// Sentinel errors for Slack client failures.
var (
	ErrSlackUnreachable = errors.New("slack unreachable")
	ErrSlackTimeout     = errors.New("slack request timeout")
	ErrSlackRejected    = errors.New("slack rejected request")
)

// HTTPClient talks to the Slack Web API with a bot token.
type HTTPClient struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewHTTPClient creates a new Slack HTTP client.
func NewHTTPClient(baseURL, token string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: timeout},
	}
}

// OpenDirectChannel opens (or reuses) the direct message channel with the
// given user and returns its channel ID.
func (c *HTTPClient) OpenDirectChannel(ctx context.Context, userRef string) (string, error) {
	var resp struct {
		apiResponse
		Channel struct {
			ID string `json:"id"`
		} `json:"channel"`
	}
	if err := c.post(ctx, "conversations.open", map[string]any{"users": userRef}, &resp); err != nil {
		return "", err
	}
	if resp.Channel.ID == "" {
		return "", fmt.Errorf("%w: conversations.open returned no channel", ErrSlackRejected)
	}
	return resp.Channel.ID, nil
}

// PostMessage posts text to a channel and returns the message timestamp,
// Slack's reference for the posted message.
func (c *HTTPClient) PostMessage(ctx context.Context, channel, text string) (string, error) {
	var resp struct {
		apiResponse
		TS string `json:"ts"`
	}
	body := map[string]any{
		"channel": channel,
		"text":    text,
	}
	if err := c.post(ctx, "chat.postMessage", body, &resp); err != nil {
		return "", err
	}
	return resp.TS, nil
}

func (c *HTTPClient) post(ctx context.Context, method string, body map[string]any, out interface{ apiError() string }) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}

	u := fmt.Sprintf("%s/%s", c.baseURL, method)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json; charset=utf-8")
	httpReq.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return classifyError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %s status %d", ErrSlackRejected, method, resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s response: %w", method, err)
	}
	if msg := out.apiError(); msg != "" {
		return fmt.Errorf("%w: %s: %s", ErrSlackRejected, method, msg)
	}
	return nil
}

// apiResponse is the envelope every Slack Web API method shares. Slack signals
// failure with ok=false and HTTP 200.
type apiResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
}

func (r apiResponse) apiError() string {
	if r.OK {
		return ""
	}
	if r.Error == "" {
		return "unknown error"
	}
	return r.Error
}

// classifyError maps transport-level errors to sentinel errors.
func classifyError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", ErrSlackTimeout, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrSlackTimeout, err)
	}

	return fmt.Errorf("%w: %v", ErrSlackUnreachable, err)
}
