// Package api is the REST client for the messaging backend.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

const (
	DefaultBaseURL = "http://localhost:8080/api"
	DefaultTimeout = 10 * time.Second
)

// Session supplies the bearer token and is cleared on 401.
type Session interface {
	Token() string
	Clear() error
}

type Options struct {
	BaseURL string
	Timeout time.Duration
	Session Session
	// OnUnauthorized runs after the session is cleared on a 401.
	OnUnauthorized func()
	Logger         zerolog.Logger
	HTTPClient     *http.Client
}

type Client struct {
	base           string
	http           *http.Client
	session        Session
	onUnauthorized func()
	log            zerolog.Logger
}

func New(opts Options) *Client {
	base := strings.TrimRight(opts.BaseURL, "/")
	if base == "" {
		base = DefaultBaseURL
	}
	hc := opts.HTTPClient
	if hc == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		hc = &http.Client{Timeout: timeout}
	}
	return &Client{
		base:           base,
		http:           hc,
		session:        opts.Session,
		onUnauthorized: opts.OnUnauthorized,
		log:            opts.Logger.With().Str("component", "api").Logger(),
	}
}

// envelope is the backend's ApiResponse wrapper.
type envelope struct {
	Success *bool           `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

func (c *Client) do(ctx context.Context, op, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return errors.Wrapf(err, "%s: encode request", op)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return errors.Wrapf(err, "%s: build request", op)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.session != nil {
		if token := c.session.Token(); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	started := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Debug().Err(err).Str("op", op).Msg("request failed")
		return &NetworkError{Op: op, Err: err}
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return &NetworkError{Op: op, Err: err}
	}
	c.log.Debug().
		Str("op", op).
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("took", time.Since(started)).
		Msg("request")

	var env envelope
	wrapped := len(raw) > 0 && json.Unmarshal(raw, &env) == nil && env.Success != nil

	if resp.StatusCode == http.StatusUnauthorized {
		c.unauthorized()
		return &AuthError{Op: op, Message: errorMessage(env, resp.StatusCode)}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &RequestError{Op: op, Status: resp.StatusCode, Message: errorMessage(env, resp.StatusCode)}
	}
	if wrapped && !*env.Success {
		return &RequestError{Op: op, Status: resp.StatusCode, Message: errorMessage(env, resp.StatusCode)}
	}
	if out == nil {
		return nil
	}
	payload := json.RawMessage(raw)
	if wrapped {
		payload = env.Data
	}
	if len(payload) == 0 || string(payload) == "null" {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return &RequestError{Op: op, Status: resp.StatusCode, Message: "decode response: " + err.Error()}
	}
	return nil
}

func (c *Client) unauthorized() {
	if c.session != nil {
		if err := c.session.Clear(); err != nil {
			c.log.Warn().Err(err).Msg("clear session after 401")
		}
	}
	if c.onUnauthorized != nil {
		c.onUnauthorized()
	}
}

func errorMessage(env envelope, status int) string {
	switch {
	case env.Error != "":
		return env.Error
	case env.Message != "":
		return env.Message
	default:
		return http.StatusText(status)
	}
}
