// Package channel talks to the bot gateway that fronts the shared message
// channel. The gateway exposes:
//
//	POST {base}/messages            {"text": "..."} -> {"id": "...", "timestamp": "..."}
//	GET  {base}/messages?limit=N    -> [{"id", "text", "caption", "timestamp", "media"}]
//	GET  {base}/media/{id}?mode=M   -> raw bytes
package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"reply-correlator/internal/config"
	"reply-correlator/internal/correlate"
)

var (
	_ correlate.OutboundChannel = (*Client)(nil)
	_ correlate.InboundReader   = (*Client)(nil)
)

// Client is an HTTP client for the bot gateway.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// New builds a client from config.
func New(cfg config.Config) *Client {
	timeout := cfg.ChannelTimeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.ChannelBaseURL, "/"),
		token:      cfg.ChannelToken,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// BaseURL returns the gateway root without a trailing slash.
func (c *Client) BaseURL() string { return c.baseURL }

// Authorize adds gateway credentials to req.
func (c *Client) Authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

type sendRequest struct {
	Text string `json:"text"`
}

// Send posts content to the channel.
func (c *Client) Send(ctx context.Context, content string) (correlate.SentMessage, error) {
	body, err := json.Marshal(sendRequest{Text: content})
	if err != nil {
		return correlate.SentMessage{}, fmt.Errorf("marshal message: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return correlate.SentMessage{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	var sent correlate.SentMessage
	if err := c.do(req, &sent); err != nil {
		return correlate.SentMessage{}, fmt.Errorf("send message: %w", err)
	}
	return sent, nil
}

// FetchRecent reads up to limit of the newest inbound messages.
func (c *Client) FetchRecent(ctx context.Context, limit int) ([]correlate.InboundMessage, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/messages?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	var msgs []correlate.InboundMessage
	if err := c.do(req, &msgs); err != nil {
		return nil, fmt.Errorf("fetch messages: %w", err)
	}
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[:limit]
	}
	return msgs, nil
}

func (c *Client) do(req *http.Request, out any) error {
	c.Authorize(req)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
