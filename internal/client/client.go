package client

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"relaystack.local/relay-gateway/internal/syncengine"
)

const (
	defaultReconnectMin = time.Second
	defaultReconnectMax = 30 * time.Second
)

// Client keeps a Cache synchronized against one gateway by tailing its event
// stream and refetching over REST whenever the stream cannot be trusted.
type Client struct {
	logger       *log.Logger
	baseURL      string
	token        string
	httpClient   *http.Client
	reconnectMin time.Duration
	reconnectMax time.Duration

	cache *Cache
}

type Option func(*Client)

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) { c.httpClient = httpClient }
}

// WithReconnectBackoff overrides the stream reconnect delays.
func WithReconnectBackoff(min, max time.Duration) Option {
	return func(c *Client) {
		c.reconnectMin = min
		c.reconnectMax = max
	}
}

func New(logger *log.Logger, baseURL, token string, opts ...Option) *Client {
	c := &Client{
		logger:       logger,
		baseURL:      strings.TrimRight(baseURL, "/"),
		token:        token,
		httpClient:   &http.Client{},
		reconnectMin: defaultReconnectMin,
		reconnectMax: defaultReconnectMax,
		cache:        NewCache(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

func (c *Client) Cache() *Cache {
	return c.cache
}

// Run tails the gateway's event stream until ctx is cancelled, reconnecting
// with backoff. Each successful connect refetches the session list and marks
// everything stale, since events may have been missed while disconnected.
func (c *Client) Run(ctx context.Context) error {
	delay := c.reconnectMin
	for {
		connected, err := c.streamOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if connected {
			// The backoff punishes a gateway that refuses connections, not
			// one that drops an established stream.
			delay = c.reconnectMin
		}
		c.logger.Printf("event stream disconnected err=%v retry_in=%s", err, delay)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > c.reconnectMax {
			delay = c.reconnectMax
		}
	}
}

// streamOnce reports whether the stream was established, so Run can tell a
// dropped connection apart from one that never came up.
func (c *Client) streamOnce(ctx context.Context) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/v1/events?all=true&token=%s", c.baseURL, url.QueryEscape(c.token)), nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("event stream status %d", resp.StatusCode)
	}

	if err := c.resync(ctx); err != nil {
		return true, fmt.Errorf("resync: %w", err)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var event syncengine.Event
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &event); err != nil {
			c.logger.Printf("dropping malformed event err=%v", err)
			continue
		}
		c.cache.Apply(event)
		c.refetchStale(ctx)
	}
	if err := scanner.Err(); err != nil {
		return true, err
	}
	return true, fmt.Errorf("event stream closed")
}

// resync replaces the cached session list and refetches every message log.
func (c *Client) resync(ctx context.Context) error {
	sessions, err := c.fetchSessions(ctx)
	if err != nil {
		return err
	}
	c.cache.ReplaceSessions(sessions)
	c.cache.InvalidateAll()
	c.refetchStale(ctx)
	return nil
}

func (c *Client) refetchStale(ctx context.Context) {
	for _, sessionID := range c.cache.StaleSessions() {
		messages, err := c.fetchMessages(ctx, sessionID)
		if err != nil {
			c.logger.Printf("refetch failed session_id=%s err=%v", sessionID, err)
			continue
		}
		c.cache.ReplaceMessages(sessionID, messages)
	}
}

func (c *Client) fetchSessions(ctx context.Context) ([]syncengine.Session, error) {
	var body struct {
		Sessions []syncengine.Session `json:"sessions"`
	}
	if err := c.getJSON(ctx, "/v1/sessions", &body); err != nil {
		return nil, err
	}
	return body.Sessions, nil
}

func (c *Client) fetchMessages(ctx context.Context, sessionID string) ([]syncengine.Message, error) {
	var body struct {
		Messages []syncengine.Message `json:"messages"`
	}
	if err := c.getJSON(ctx, "/v1/sessions/"+url.PathEscape(sessionID)+"/messages", &body); err != nil {
		return nil, err
	}
	return body.Messages, nil
}

func (c *Client) getJSON(ctx context.Context, path string, dst any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: status %d", path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(dst)
}
