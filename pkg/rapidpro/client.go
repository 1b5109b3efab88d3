// Package rapidpro is a client for the messaging platform's REST API (v2).
// It pages through resources, fetches flow definitions and performs batched writes.
package rapidpro

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

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	rferrors "github.com/wehubfusion/rapidflat/pkg/errors"
)

const (
	// DefaultBaseURL is the hosted platform's API root.
	DefaultBaseURL = "https://rapidpro.io/api/v2"

	defaultTimeout    = 60 * time.Second
	defaultMaxRetries = 5
	defaultRetryWait  = 5 * time.Second
)

// Client talks to the platform API.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *zap.Logger
	tracer     trace.Tracer
	maxRetries int
	retryWait  time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithLogger sets the client logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithRateLimitRetries sets how many times a throttled request is retried and
// how long to wait when the server sends no Retry-After.
func WithRateLimitRetries(retries int, wait time.Duration) Option {
	return func(c *Client) {
		c.maxRetries = retries
		c.retryWait = wait
	}
}

// NewClient creates a client for baseURL authenticated with token.
// The token may carry its "Token " prefix or not.
func NewClient(baseURL, token string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	token = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(token), "Token "))
	if token == "" {
		return nil, fmt.Errorf("API token is required")
	}

	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: defaultTimeout},
		logger:     zap.NewNop(),
		tracer:     otel.Tracer("rapidflat/rapidpro"),
		maxRetries: defaultMaxRetries,
		retryWait:  defaultRetryWait,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// endpoint resolves a resource path such as "runs.json" against the base URL.
func (c *Client) endpoint(path string, params url.Values) string {
	u := c.baseURL + "/" + strings.TrimLeft(path, "/")
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	return u
}

// do sends one request, retrying while the server throttles it, and decodes a
// JSON response into out when out is non-nil.
func (c *Client) do(ctx context.Context, method, rawURL string, body any, out any) error {
	ctx, span := c.tracer.Start(ctx, "rapidpro."+strings.ToLower(method),
		trace.WithAttributes(
			attribute.String("http.method", method),
			attribute.String("http.url", rawURL),
		))
	defer span.End()

	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
	}

	for attempt := 0; ; attempt++ {
		err := c.send(ctx, method, rawURL, payload, out)
		if err == nil {
			span.SetStatus(codes.Ok, "")
			return nil
		}

		delay, throttled := rferrors.RetryAfter(err)
		if !throttled || attempt >= c.maxRetries {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return err
		}
		if delay <= 0 {
			delay = c.retryWait
		}

		c.logger.Warn("Request throttled, waiting before retry",
			zap.String("url", rawURL),
			zap.Int("attempt", attempt+1),
			zap.Duration("retry_after", delay))

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (c *Client) send(ctx context.Context, method, rawURL string, payload []byte, out any) error {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Token "+c.token)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request to %s failed: %w", rawURL, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if err := statusError(resp, data); err != nil {
		return err
	}

	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response from %s: %w", rawURL, err)
	}
	return nil
}

// statusError maps non-2xx responses onto the error taxonomy.
func statusError(resp *http.Response, body []byte) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return rferrors.NewError("HTTP_429", "API request throttled",
			&rferrors.RateLimitError{RetryAfter: retryAfter(resp.Header.Get("Retry-After"))})
	case resp.StatusCode == http.StatusNotFound:
		return rferrors.NewError("HTTP_404", resp.Request.URL.Path, rferrors.ErrNotFound)
	default:
		return rferrors.NewError(
			"HTTP_"+strconv.Itoa(resp.StatusCode),
			truncate(strings.TrimSpace(string(body)), 200),
			rferrors.ErrUnexpectedStatus,
		)
	}
}

// retryAfter parses a Retry-After header given in seconds or as an HTTP date.
func retryAfter(value string) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
