// Package adapters holds HTTP clients for the external collaborators: the
// classification/generation service, the mail service and the messaging
// webhook. Failures are translated into the workflow error codes so the
// engine's retry policy can act on them.
package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sicko7947/triageflow"
	"golang.org/x/time/rate"
)

// ClientConfig configures one outbound service
type ClientConfig struct {
	BaseURL string
	Token   string

	// RateLimit is requests per second; zero disables client-side limiting
	RateLimit float64
	Burst     int

	Timeout time.Duration
}

// ClientOption configures a client
type ClientOption func(*client)

// WithHTTPClient replaces the underlying http.Client
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *client) { c.http = hc }
}

// WithLogger sets the logger
func WithLogger(logger zerolog.Logger) ClientOption {
	return func(c *client) { c.logger = logger }
}

type client struct {
	name    string
	baseURL string
	token   string
	http    *http.Client
	limiter *rate.Limiter
	logger  zerolog.Logger
}

func newClient(name string, cfg ClientConfig, opts ...ClientOption) *client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	c := &client{
		name:    name,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		http:    &http.Client{Timeout: timeout},
		logger: zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
			With().Timestamp().Logger().Level(zerolog.InfoLevel),
	}
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With().Str("service", name).Logger()
	return c
}

// StatusError is a non-2xx response
type StatusError struct {
	Service    string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s responded %d: %s", e.Service, e.StatusCode, e.Body)
}

// do sends in as JSON and decodes the response into out when out is non-nil
func (c *client) do(ctx context.Context, method, path string, in, out interface{}) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return classifyTransportError(ctx, fmt.Errorf("%s rate limiter: %w", c.name, err))
		}
	}

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return triageflow.WrapError(triageflow.ErrCodeInternalError, err, "failed to encode %s request", c.name)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return triageflow.WrapError(triageflow.ErrCodeInternalError, err, "failed to build %s request", c.name)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return classifyTransportError(ctx, err)
	}
	defer resp.Body.Close()

	c.logger.Debug().
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("duration", time.Since(start)).
		Msg("External call")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return classifyStatus(&StatusError{Service: c.name, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(snippet))})
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return triageflow.WrapError(triageflow.ErrCodeTransient, err, "failed to decode %s response", c.name)
	}
	return nil
}

// classifyStatus maps an HTTP status to a workflow error code:
// 429 is RATE_LIMITED, 408 and 504 are TIMEOUT, other 5xx are transient and
// the remaining 4xx are permanent.
func classifyStatus(se *StatusError) error {
	switch {
	case se.StatusCode == http.StatusTooManyRequests:
		return triageflow.NewTransientError(triageflow.ErrCodeRateLimited, se)
	case se.StatusCode == http.StatusRequestTimeout || se.StatusCode == http.StatusGatewayTimeout:
		return triageflow.NewTransientError(triageflow.ErrCodeTimeout, se)
	case se.StatusCode >= 500:
		return triageflow.NewTransientError(triageflow.ErrCodeTransient, se)
	case se.StatusCode == http.StatusUnauthorized || se.StatusCode == http.StatusForbidden:
		return triageflow.WrapError(triageflow.ErrCodeUnauthorized, se, "%s rejected credentials", se.Service)
	case se.StatusCode == http.StatusNotFound:
		return triageflow.WrapError(triageflow.ErrCodeNotFound, se, "%s resource not found", se.Service)
	}
	return triageflow.WrapError(triageflow.ErrCodeValidation, se, "%s rejected the request", se.Service)
}

func classifyTransportError(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
		return triageflow.NewTransientError(triageflow.ErrCodeTimeout, err)
	}
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return err
	}
	return triageflow.NewTransientError(triageflow.ErrCodeTransient, err)
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}
