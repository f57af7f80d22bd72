package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Version is reported in the User-Agent header.
var Version = "dev"

// maxErrorBody bounds how much of a failed response is kept in a StatusError.
const maxErrorBody = 512

// Client talks to the flag and ingestion endpoints of one base URL.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	timeout time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client. Its transport and
// timeout are used as is, without tracing instrumentation. A nil client
// keeps the default.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithAPIKey sends key in the X-Api-Key header on every request.
func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

// WithTimeout sets the per-request timeout of the default HTTP client. It
// has no effect on a client passed to WithHTTPClient.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// New creates a Client for baseURL with a 10-second timeout and an
// OpenTelemetry-instrumented transport.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		timeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.http == nil {
		c.http = &http.Client{
			Timeout:   c.timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	return c
}

// BaseURL returns the configured base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// EvaluateFlags fetches the complete flag map for userID.
func (c *Client) EvaluateFlags(ctx context.Context, userID string) (map[string]bool, error) {
	q := url.Values{"user_id": {userID}}
	var resp EvaluateResponse
	if err := c.getJSON(ctx, EvaluatePath, q, &resp); err != nil {
		return nil, err
	}
	if !resp.OK {
		return nil, ErrRejected
	}
	if resp.Flags == nil {
		return map[string]bool{}, nil
	}
	return resp.Flags, nil
}

// CheckFlag asks the server about a single flag for userID.
func (c *Client) CheckFlag(ctx context.Context, flag, userID string) (bool, error) {
	q := url.Values{"user_id": {userID}}
	var resp CheckResponse
	if err := c.getJSON(ctx, CheckPath+url.PathEscape(flag), q, &resp); err != nil {
		return false, err
	}
	if !resp.OK {
		return false, ErrRejected
	}
	return resp.Enabled, nil
}

// SendEvents posts one batch. Any 2xx counts as delivered unless the body
// explicitly carries "ok": false; a 2xx body that is not JSON is accepted.
func (c *Client) SendEvents(ctx context.Context, events []Event) error {
	payload, err := json.Marshal(EventBatch{Events: events})
	if err != nil {
		return fmt.Errorf("marshal events: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+EventsPath, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.decorate(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("POST %s: %w", EventsPath, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return statusError(http.MethodPost, EventsPath, resp.StatusCode, body)
	}
	// A truncated ack is a failure: resending is safe because events carry
	// ids the server dedupes on.
	if err != nil {
		return fmt.Errorf("reading %s response: %w", EventsPath, err)
	}

	var ack AckResponse
	if len(bytes.TrimSpace(body)) > 0 && json.Unmarshal(body, &ack) == nil {
		if ack.OK != nil && !*ack.OK {
			return ErrRejected
		}
	}
	return nil
}

func (c *Client) getJSON(ctx context.Context, path string, q url.Values, v any) error {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	c.decorate(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading %s response: %w", path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return statusError(http.MethodGet, path, resp.StatusCode, body)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformed, path, err)
	}
	return nil
}

func (c *Client) decorate(req *http.Request) {
	req.Header.Set("User-Agent", "beacon-go/"+Version)
	if c.apiKey != "" {
		req.Header.Set("X-Api-Key", c.apiKey)
	}
}

func statusError(method, path string, code int, body []byte) error {
	s := strings.TrimSpace(string(body))
	if len(s) > maxErrorBody {
		s = s[:maxErrorBody]
	}
	return &StatusError{Method: method, Path: path, StatusCode: code, Body: s}
}
