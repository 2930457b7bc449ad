// Package client calls the auth provider API with signed requests.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"

	bridge "github.com/goliatone/go-auth-bridge"
	"github.com/goliatone/go-auth-bridge/middleware/signature"
)

// DefaultTimeout bounds every provider call
const DefaultTimeout = 10 * time.Second

// maxErrorBody caps how much of a failed response ends up in the error
const maxErrorBody = 4 << 10

// Client talks to the auth provider API
type Client struct {
	baseURL string
	secret  string
	http    *http.Client
	timeout time.Duration
	clock   bridge.Clock
	logger  bridge.Logger
}

var (
	_ bridge.ProviderUserLister = (*Client)(nil)
	_ bridge.RemoteProvider     = (*Client)(nil)
)

// Option configures a Client
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client. A timeout set with
// WithTimeout still applies.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		if c != nil {
			cl.http = c
		}
	}
}

// WithTimeout sets the request timeout
func WithTimeout(d time.Duration) Option {
	return func(cl *Client) {
		if d > 0 {
			cl.timeout = d
		}
	}
}

// WithClock injects the time source used to sign requests
func WithClock(clock bridge.Clock) Option {
	return func(cl *Client) {
		if clock != nil {
			cl.clock = clock
		}
	}
}

// WithLogger sets the logger
func WithLogger(logger bridge.Logger) Option {
	return func(cl *Client) {
		if logger != nil {
			cl.logger = logger
		}
	}
}

// New returns a client for the provider API at baseURL signing with secret
func New(baseURL, secret string, opts ...Option) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, bridge.ErrValidation.Clone().WithMetadata(map[string]any{
			"reason": "provider base url is required",
		})
	}
	if secret == "" {
		return nil, bridge.ErrValidation.Clone().WithMetadata(map[string]any{
			"reason": "shared secret is required",
		})
	}

	c := &Client{
		baseURL: baseURL,
		secret:  secret,
		http:    &http.Client{},
		timeout: DefaultTimeout,
		clock:   time.Now,
		logger:  noopLogger{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}

	httpClient := *c.http
	httpClient.Timeout = c.timeout
	c.http = &httpClient
	return c, nil
}

// CreateUser creates or links the provider identity described by data
func (c *Client) CreateUser(ctx context.Context, data bridge.ProviderUserData) (*bridge.RemoteUser, error) {
	if err := data.Validate(); err != nil {
		return nil, err
	}

	out := &bridge.RemoteUser{}
	if err := c.do(ctx, http.MethodPost, "/users", data, out); err != nil {
		return nil, err
	}
	return out, nil
}

// CreateSession asks the provider to open a session for providerUserID
func (c *Client) CreateSession(ctx context.Context, providerUserID string) (*bridge.RemoteSession, error) {
	providerUserID = strings.TrimSpace(providerUserID)
	if providerUserID == "" {
		return nil, bridge.ErrValidation.Clone().WithMetadata(map[string]any{
			"reason": "provider user id is required",
		})
	}

	out := &bridge.RemoteSession{}
	body := map[string]string{"user_id": providerUserID}
	if err := c.do(ctx, http.MethodPost, "/sessions", body, out); err != nil {
		return nil, err
	}
	return out, nil
}

type listUsersResponse struct {
	Users []bridge.ProviderUserData `json:"users"`
}

// ListUsers returns every provider identity
func (c *Client) ListUsers(ctx context.Context) ([]bridge.ProviderUserData, error) {
	out := &listUsersResponse{}
	if err := c.do(ctx, http.MethodGet, "/users", nil, out); err != nil {
		return nil, err
	}
	return out.Users, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	md := map[string]any{
		"method": method,
		"path":   path,
	}

	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return bridge.ErrValidation.Clone().WithMetadata(md)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return wrap(bridge.ErrConnection, err, md)
	}

	ts, sig := bridge.SignNow(c.secret, c.clock)
	req.Header.Set(signature.HeaderTimestamp, ts)
	req.Header.Set(signature.HeaderSignature, sig)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	res, err := c.http.Do(req)
	if err != nil {
		c.logger.Warn("provider request failed", "method", method, "path", path, "error", err)
		return wrap(bridge.ErrConnection, err, md)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, maxErrorBody))
		md["status"] = res.StatusCode
		cause := fmt.Errorf("provider responded %d: %s", res.StatusCode, strings.TrimSpace(string(msg)))
		if res.StatusCode == http.StatusServiceUnavailable || res.StatusCode == http.StatusGatewayTimeout {
			return wrap(bridge.ErrConnection, cause, md)
		}
		return wrap(bridge.ErrSyncFailed, cause, md)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil && err != io.EOF {
		return wrap(bridge.ErrSyncFailed, err, md)
	}
	return nil
}

func wrap(sentinel *goerrors.Error, cause error, md map[string]any) error {
	err := sentinel.Clone().WithMetadata(md)
	err.Source = cause
	return err
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}
