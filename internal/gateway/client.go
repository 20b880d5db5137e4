// Package gateway is the typed HTTP client for the chat server API.
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

	"github.com/go-playground/validator/v10"
	"github.com/matheus3301/chatsync/internal/bus"
	"go.uber.org/zap"
)

const (
	DefaultAPIPath = "/api/v1"
	DefaultTimeout = 150 * time.Second
)

// EventUnauthorized is published after a 401 cleared the stored credential.
const EventUnauthorized = "session.unauthorized"

// TokenStore supplies the credential for each request. It is read on every
// call so a token refreshed between calls takes effect immediately.
type TokenStore interface {
	Token() string
	Set(token string) error
	Clear() error
}

// Client calls the chat server's REST API.
type Client struct {
	serverURL  string
	apiPath    string
	httpClient *http.Client
	tokens     TokenStore
	bus        *bus.Bus
	logger     *zap.Logger
	validate   *validator.Validate
}

// Option configures a Client.
type Option func(*Client)

// WithAPIPath overrides the API prefix appended to the server URL.
func WithAPIPath(p string) Option {
	return func(c *Client) { c.apiPath = "/" + strings.Trim(p, "/") }
}

// WithTimeout sets the upper bound for a single call.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithBus publishes credential invalidation events on b.
func WithBus(b *bus.Bus) Option {
	return func(c *Client) { c.bus = b }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// New creates a client for the server at serverURL.
func New(serverURL string, tokens TokenStore, opts ...Option) *Client {
	c := &Client{
		serverURL:  strings.TrimRight(serverURL, "/"),
		apiPath:    DefaultAPIPath,
		httpClient: &http.Client{Timeout: DefaultTimeout},
		tokens:     tokens,
		logger:     zap.NewNop(),
		validate:   validator.New(validator.WithRequiredStructEnabled()),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the API root every path is resolved against.
func (c *Client) BaseURL() string {
	return c.serverURL + c.apiPath
}

type request struct {
	op          string
	method      string
	path        string
	query       url.Values
	body        any
	raw         io.Reader
	contentType string
}

func (c *Client) check(op string, v any) error {
	if err := c.validate.Struct(v); err != nil {
		return &Error{Kind: KindValidation, Op: op, Message: err.Error(), Err: err}
	}
	return nil
}

func (c *Client) checkID(op, field, id string) error {
	if strings.TrimSpace(id) == "" {
		return &Error{Kind: KindValidation, Op: op, Message: field + " is required"}
	}
	return nil
}

// do sends r and returns the response body of a 2xx reply.
func (c *Client) do(ctx context.Context, r request) ([]byte, error) {
	u := c.BaseURL() + r.path
	if len(r.query) > 0 {
		u += "?" + r.query.Encode()
	}

	body := r.raw
	contentType := r.contentType
	if r.body != nil {
		b, err := json.Marshal(r.body)
		if err != nil {
			return nil, &Error{Kind: KindValidation, Op: r.op, Err: fmt.Errorf("marshal request: %w", err)}
		}
		body = bytes.NewReader(b)
		contentType = "application/json"
	}

	req, err := http.NewRequestWithContext(ctx, r.method, u, body)
	if err != nil {
		return nil, &Error{Kind: KindValidation, Op: r.op, Err: fmt.Errorf("create request: %w", err)}
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &Error{Kind: KindNetwork, Op: r.op, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Kind: KindNetwork, Op: r.op, Status: resp.StatusCode, Err: fmt.Errorf("read response: %w", err)}
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return data, nil
	}
	return nil, c.fail(r.op, resp.StatusCode, data)
}

func (c *Client) authorize(req *http.Request) {
	if c.tokens == nil {
		return
	}
	if token := c.tokens.Token(); token != "" {
		req.Header.Set("Cookie", "token="+token)
	}
}

func (c *Client) fail(op string, status int, body []byte) error {
	var envelope struct {
		Message string `json:"message"`
	}
	_ = json.Unmarshal(body, &envelope)
	e := &Error{Kind: kindForStatus(status), Op: op, Status: status, Message: envelope.Message}

	if e.Kind == KindUnauthorized {
		c.invalidateCredential(op)
	}
	c.logger.Warn("request failed",
		zap.String("op", op),
		zap.Int("status", status),
		zap.String("kind", string(e.Kind)),
		zap.String("message", e.Message))
	return e
}

func (c *Client) invalidateCredential(op string) {
	if c.tokens != nil {
		if err := c.tokens.Clear(); err != nil {
			c.logger.Error("failed to clear credential", zap.Error(err))
		}
	}
	if c.bus != nil {
		c.bus.Publish(bus.NewEvent(EventUnauthorized, op))
	}
}

func decodeJSON[T any](op string, data []byte) (*T, error) {
	var result T
	if len(bytes.TrimSpace(data)) == 0 {
		return &result, nil
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, &Error{Kind: KindServer, Op: op, Err: fmt.Errorf("decode response: %w", err)}
	}
	return &result, nil
}

func call[T any](ctx context.Context, c *Client, r request) (*T, error) {
	data, err := c.do(ctx, r)
	if err != nil {
		return nil, err
	}
	return decodeJSON[T](r.op, data)
}

// IsUnauthorized reports whether err ended the session.
func IsUnauthorized(err error) bool {
	return errors.Is(err, ErrUnauthorized)
}
