// Package gateway talks to the platform gateway service, which holds the
// platform credentials, enforces rate limits and hosts the account scoring
// and persona models.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/talos-agent/talos/internal/twitter"
)

// ErrNotFound is returned when the gateway answers 404.
var ErrNotFound = errors.New("not found")

// StatusError is a non-2xx gateway response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("status %d: %s", e.Code, e.Body)
}

func (e *StatusError) Is(target error) bool {
	return target == ErrNotFound && e.Code == http.StatusNotFound
}

// Client is an HTTP client for the gateway. It implements twitter.Client.
type Client struct {
	http    *http.Client
	baseURL string
	apiKey  string
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(g *Client) { g.http = c }
}

// WithAPIKey sets the bearer token sent with every request.
func WithAPIKey(key string) Option {
	return func(g *Client) { g.apiKey = key }
}

// New creates a gateway client rooted at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		http:    &http.Client{Timeout: 60 * time.Second},
		baseURL: strings.TrimRight(baseURL, "/"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type textBody struct {
	Text string `json:"text"`
}

// PostTweet publishes text.
func (c *Client) PostTweet(ctx context.Context, text string) error {
	if err := c.do(ctx, http.MethodPost, "/tweets", textBody{Text: text}, nil); err != nil {
		return fmt.Errorf("gateway: post tweet: %w", err)
	}
	return nil
}

// ReplyToTweet publishes text as a reply to tweetID.
func (c *Client) ReplyToTweet(ctx context.Context, tweetID, text string) error {
	path := "/tweets/" + url.PathEscape(tweetID) + "/replies"
	if err := c.do(ctx, http.MethodPost, path, textBody{Text: text}, nil); err != nil {
		return fmt.Errorf("gateway: reply to %s: %w", tweetID, err)
	}
	return nil
}

// GetUser looks up an account by username.
func (c *Client) GetUser(ctx context.Context, username string) (*twitter.User, error) {
	var u twitter.User
	if err := c.do(ctx, http.MethodGet, "/users/"+url.PathEscape(username), nil, &u); err != nil {
		return nil, fmt.Errorf("gateway: get user %s: %w", username, err)
	}
	return &u, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal: %w", err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}
	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}
	return nil
}
