// Package api is the typed gateway to the remote ticket REST API.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/fixdesk/internal/errs"
)

const (
	// DefaultTimeout bounds every call unless overridden.
	DefaultTimeout = 10 * time.Second

	maxBody = 8 << 20
)

// Session is the contract between the gateway and its single owner of
// credentials. The gateway asks it for the bearer token on every
// authenticated call, reports every HTTP 401 received on a call that carried
// a token, and reports every successful authenticated call.
type Session interface {
	Token() string
	OnUnauthorized()
	OnActivity()
}

// Client executes REST calls and decodes the {success, data, error} envelope.
type Client struct {
	base              *url.URL
	hc                *http.Client
	timeout           time.Duration
	uploadConcurrency int
	log               *zap.Logger

	mu   sync.RWMutex
	sess Session
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option { return func(c *Client) { c.hc = hc } }

// WithTimeout sets the per-call bound.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithUploadConcurrency bounds parallel photo uploads.
func WithUploadConcurrency(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.uploadConcurrency = n
		}
	}
}

// New constructs a Client for baseURL.
func New(baseURL string, log *zap.Logger, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("base url %q: scheme must be http or https", baseURL)
	}
	if log == nil {
		log = zap.NewNop()
	}
	c := &Client{
		base:              u,
		hc:                &http.Client{},
		timeout:           DefaultTimeout,
		uploadConcurrency: 3,
		log:               log.Named("api"),
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Attach registers the session owner. There is exactly one; a later call replaces it.
func (c *Client) Attach(s Session) {
	c.mu.Lock()
	c.sess = s
	c.mu.Unlock()
}

func (c *Client) session() Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sess
}

// sessionToken returns the current bearer token or ErrUnauthorized when there is none.
func (c *Client) sessionToken() (string, error) {
	s := c.session()
	if s == nil {
		return "", errs.ErrUnauthorized
	}
	tok := s.Token()
	if tok == "" {
		return "", errs.ErrUnauthorized
	}
	return tok, nil
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   json.RawMessage `json:"error"`
	Message string          `json:"message"`
}

// errorText extracts a message from error fields shaped as a string or {message}.
func (e envelope) errorText() string {
	if len(e.Error) > 0 {
		var s string
		if json.Unmarshal(e.Error, &s) == nil && s != "" {
			return s
		}
		var obj struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(e.Error, &obj) == nil && obj.Message != "" {
			return obj.Message
		}
	}
	return e.Message
}

type request struct {
	method      string
	path        string
	query       url.Values
	body        io.Reader
	contentType string
	token       string
}

func jsonBody(v any) (io.Reader, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return bytes.NewReader(b), nil
}

// do executes r and decodes the envelope's data into out (if non-nil).
func (c *Client) do(ctx context.Context, r request, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	u := c.base.JoinPath(r.path)
	if len(r.query) > 0 {
		u.RawQuery = r.query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, r.method, u.String(), r.body)
	if err != nil {
		return fmt.Errorf("%s %s: %w", r.method, r.path, err)
	}
	req.Header.Set("Accept", "application/json")
	if r.contentType != "" {
		req.Header.Set("Content-Type", r.contentType)
	}
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}
	rid, _ := uuid.NewV4()
	req.Header.Set("X-Request-ID", rid.String())

	start := time.Now()
	resp, err := c.hc.Do(req)
	if err != nil {
		c.log.Info("http",
			zap.String("method", r.method),
			zap.String("path", r.path),
			zap.String("request_id", rid.String()),
			zap.Duration("dur", time.Since(start)),
			zap.Error(err),
		)
		return c.transportError(ctx, r, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	c.log.Info("http",
		zap.String("method", r.method),
		zap.String("path", r.path),
		zap.Int("status", resp.StatusCode),
		zap.String("request_id", rid.String()),
		zap.Duration("dur", time.Since(start)),
	)
	if err != nil {
		return c.transportError(ctx, r, err)
	}

	var env envelope
	decodeErr := json.Unmarshal(raw, &env)

	if resp.StatusCode == http.StatusUnauthorized {
		if r.token != "" {
			if s := c.session(); s != nil {
				s.OnUnauthorized()
			}
		}
		return &errs.ServerError{Status: resp.StatusCode, Message: env.errorText()}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := env.errorText()
		if decodeErr != nil || msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return &errs.ServerError{Status: resp.StatusCode, Message: msg}
	}
	if decodeErr != nil {
		return &errs.ServerError{Status: resp.StatusCode, Message: "malformed response: " + decodeErr.Error()}
	}
	if !env.Success {
		return &errs.ServerError{Status: resp.StatusCode, Message: env.errorText()}
	}

	if r.token != "" {
		if s := c.session(); s != nil {
			s.OnActivity()
		}
	}
	if out == nil || len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return &errs.ServerError{Status: resp.StatusCode, Message: "malformed data: " + err.Error()}
	}
	return nil
}

// transportError classifies a failed round trip. A deadline of our own is a
// timeout; a caller cancellation is passed through; anything else is network.
func (c *Client) transportError(ctx context.Context, r request, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s %s: %w", r.method, r.path, errs.ErrTimeout)
	}
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s %s: %w", r.method, r.path, err)
	}
	return fmt.Errorf("%s %s: %w: %v", r.method, r.path, errs.ErrNetwork, err)
}
