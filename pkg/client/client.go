// Package client is the HTTP transport used to call ad platform APIs. It adds
// the user agent, classifies failures, retries retryable classes with jittered
// exponential backoff and records request metrics. Request building and
// response parsing for a concrete platform live with the caller.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/platform-orchestrator/pkg/metrics"
)

// maxErrorBody caps how much of an error response is read for the message.
const maxErrorBody = 64 << 10

// Doer is the subset of *http.Client the transport needs.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config holds the client configuration.
type Config struct {
	// Platform labels metrics, logs and errors.
	Platform string

	// BaseURL is prepended to relative paths passed to Get and GetJSON.
	BaseURL string

	// UserAgent is sent on every request.
	UserAgent string

	// Headers are added to every request (for example an Authorization
	// header supplied by the connection's token provider).
	Headers http.Header

	// Timeout applies to the default HTTP client only.
	Timeout time.Duration

	// HTTPClient replaces the default *http.Client.
	HTTPClient Doer

	// RetryPolicy selects the retry configuration by error class.
	// Defaults to RetryConfigForErrorClass.
	RetryPolicy func(ErrorClass) RetryConfig
}

// DefaultConfig returns a configuration for one platform.
func DefaultConfig(platform, baseURL, userAgent string) Config {
	return Config{
		Platform:  platform,
		BaseURL:   baseURL,
		UserAgent: userAgent,
		Timeout:   30 * time.Second,
	}
}

// Client calls one platform's HTTP API.
type Client struct {
	httpClient Doer
	config     Config
	retry      retrier
	metrics    *metrics.Collector
	logger     zerolog.Logger
}

// New creates a platform client. A nil collector gets an unregistered one.
func New(cfg Config, collector *metrics.Collector, logger zerolog.Logger) (*Client, error) {
	if cfg.Platform == "" {
		return nil, errors.New("platform is required")
	}
	if cfg.UserAgent == "" {
		return nil, errors.New("user-agent is required")
	}
	if cfg.BaseURL != "" {
		if _, err := url.Parse(cfg.BaseURL); err != nil {
			return nil, fmt.Errorf("parse base url: %w", err)
		}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RetryPolicy == nil {
		cfg.RetryPolicy = RetryConfigForErrorClass
	}
	if collector == nil {
		collector = metrics.NewCollector(nil)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	logger = logger.With().Str("platform", cfg.Platform).Logger()
	return &Client{
		httpClient: httpClient,
		config:     cfg,
		retry:      retrier{policy: cfg.RetryPolicy, metrics: collector, logger: logger},
		metrics:    collector,
		logger:     logger,
	}, nil
}

// Platform returns the platform this client talks to.
func (c *Client) Platform() string {
	return c.config.Platform
}

// Do executes req with retries. A response is returned only for status codes
// below 400; every failure is an *APIError (possibly wrapped in
// ErrRetryExhausted or ErrContextCancelled). The caller closes the body.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	endpoint := req.URL.Path

	start := time.Now()
	defer func() {
		c.metrics.APIRequestDuration.WithLabelValues(c.config.Platform).Observe(time.Since(start).Seconds())
	}()

	req.Header.Set("User-Agent", c.config.UserAgent)
	req.Header.Set("Accept", "application/json")
	for k, vs := range c.config.Headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	var resp *http.Response
	err := c.retry.do(ctx, func() (ErrorClass, time.Duration, error) {
		r, err := c.httpClient.Do(req.Clone(ctx))
		if err != nil {
			c.metrics.APIRequests.WithLabelValues(c.config.Platform, "network_error").Inc()
			c.logger.Warn().Err(err).Str("endpoint", endpoint).Msg("HTTP request failed")
			return ErrorClassNetwork, 0, &APIError{
				Platform:   c.config.Platform,
				ErrorClass: ErrorClassNetwork,
				Message:    "request failed",
				Err:        err,
			}
		}

		c.metrics.APIRequests.WithLabelValues(c.config.Platform, strconv.Itoa(r.StatusCode)).Inc()

		class := classifyStatus(r.StatusCode)
		if class == "" {
			resp = r
			return "", 0, nil
		}

		apiErr := &APIError{
			Platform:   c.config.Platform,
			StatusCode: r.StatusCode,
			ErrorClass: class,
			Message:    errorMessage(r),
		}
		wait := retryAfter(r.Header.Get("Retry-After"))
		r.Body.Close()

		c.logger.Warn().
			Str("endpoint", endpoint).
			Int("status_code", r.StatusCode).
			Str("error_class", string(class)).
			Msg("Platform request error")
		return class, wait, apiErr
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// Get performs a GET request. Relative paths are resolved against BaseURL.
func (c *Client) Get(ctx context.Context, path string, query url.Values) (*http.Response, error) {
	target := path
	if !strings.HasPrefix(path, "http://") && !strings.HasPrefix(path, "https://") {
		target = strings.TrimRight(c.config.BaseURL, "/") + "/" + strings.TrimLeft(path, "/")
	}
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	return c.Do(req)
}

// GetJSON performs a GET request and decodes the JSON body into dst.
func (c *Client) GetJSON(ctx context.Context, path string, query url.Values, dst any) error {
	resp, err := c.Get(ctx, path, query)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return fmt.Errorf("decode %s response: %w", c.config.Platform, err)
	}
	return nil
}

// errorMessage extracts a human readable message from an error response.
// Platforms nest it differently: {"error":{"message":..}}, {"error":".."},
// {"message":".."}. Falls back to the raw body, then the status line.
func errorMessage(resp *http.Response) string {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return resp.Status
	}

	var payload map[string]any
	if json.Unmarshal(body, &payload) == nil {
		switch e := payload["error"].(type) {
		case string:
			return e
		case map[string]any:
			if msg, ok := e["message"].(string); ok {
				return msg
			}
		}
		if msg, ok := payload["message"].(string); ok {
			return msg
		}
	}
	return trimmed
}

// retryAfter parses a Retry-After header given in seconds.
func retryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
