// Package transport carries requests to the App Configuration service: an
// authenticated HTTP client, the push channel, and the URL layout.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/TimurManjosov/appconfig/internal/apperr"
)

// DefaultUserAgent identifies the SDK on every request.
const DefaultUserAgent = "appconfig-go-sdk/1.0"

// TokenSource supplies bearer tokens.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a TokenSource returning a fixed token.
type StaticToken string

func (t StaticToken) Token(context.Context) (string, error) { return string(t), nil }

// Response is a completed HTTP exchange.
type Response struct {
	StatusCode int
	Body       []byte
	Header     http.Header
}

// Client sends authenticated requests.
type Client struct {
	HTTPClient *http.Client
	Auth       TokenSource
	UserAgent  string
}

// NewClient creates a client. A zero timeout means 30s.
func NewClient(auth TokenSource, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		HTTPClient: &http.Client{Timeout: timeout},
		Auth:       auth,
		UserAgent:  DefaultUserAgent,
	}
}

// AuthHeader returns the headers needed to authenticate a request, including
// the push channel handshake.
func (c *Client) AuthHeader(ctx context.Context) (http.Header, error) {
	h := http.Header{}
	h.Set("User-Agent", c.UserAgent)
	if c.Auth == nil {
		return h, nil
	}
	token, err := c.Auth.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to obtain token: %w", err)
	}
	h.Set("Authorization", "Bearer "+token)
	return h, nil
}

// Get performs a GET. Non-2xx responses return both the response and a
// *apperr.StatusError.
func (c *Client) Get(ctx context.Context, url string) (*Response, error) {
	return c.do(ctx, http.MethodGet, url, nil)
}

// Post sends body as JSON.
func (c *Client) Post(ctx context.Context, url string, body any) (*Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	return c.do(ctx, http.MethodPost, url, payload)
}

func (c *Client) do(ctx context.Context, method, url string, payload []byte) (*Response, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create request: %v", apperr.ErrConfiguration, err)
	}

	header, err := c.AuthHeader(ctx)
	if err != nil {
		return nil, err
	}
	for k, v := range header {
		req.Header[k] = v
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-Request-ID", uuid.NewString())

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	out := &Response{StatusCode: resp.StatusCode, Body: data, Header: resp.Header}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return out, &apperr.StatusError{StatusCode: resp.StatusCode, Body: string(data)}
	}
	return out, nil
}
