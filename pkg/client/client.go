// Package client provides the HTTP client for the email-marketing platform's
// REST API with throttling, retries, metadata caching and error classification.
package client

import (
	"bytes"
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

	"github.com/Sternrassler/mailchimp-audience-sync/pkg/cache"
	"github.com/Sternrassler/mailchimp-audience-sync/pkg/ratelimit"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for API client operations.
var (
	mcRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mc_requests_total",
		Help: "Total API requests by endpoint and status",
	}, []string{"endpoint", "status"})

	mcRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mc_request_duration_seconds",
		Help:    "API request duration in seconds by endpoint",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"endpoint"})

	mcErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mc_errors_total",
		Help: "Total API errors by class",
	}, []string{"class"})

	mcRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mc_retries_total",
		Help: "Total number of retry attempts by error class",
	}, []string{"error_class"})

	mcRetryBackoffSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mc_retry_backoff_seconds",
		Help:    "Backoff duration for retries by error class",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"error_class"})

	mcRetryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mc_retry_exhausted_total",
		Help: "Total number of times retry attempts were exhausted by error class",
	}, []string{"error_class"})
)

// Client is the marketing API client.
type Client struct {
	httpClient *http.Client
	tracker    *ratelimit.Tracker
	cache      *cache.Manager
	retry      RetryConfig
	config     Config
	logger     zerolog.Logger
}

// Config holds the client configuration.
type Config struct {
	// BaseURL is the API root, e.g. https://us6.api.mailchimp.com/3.0
	BaseURL string

	// APIKey is sent with HTTP basic auth.
	APIKey string

	// Account scopes cache keys; usually the data center.
	Account string

	// UserAgent header
	UserAgent string

	// Timeout per HTTP request
	Timeout time.Duration

	// Redis for throttle state and metadata caching (optional)
	Redis *redis.Client

	// Retry
	MaxRetries     int
	InitialBackoff time.Duration

	// HTTPClient overrides the default transport (optional)
	HTTPClient *http.Client
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig(baseURL, apiKey string) Config {
	return Config{
		BaseURL:        baseURL,
		APIKey:         apiKey,
		UserAgent:      "mailchimp-audience-sync/0.1.0",
		Timeout:        30 * time.Second,
		MaxRetries:     3,
		InitialBackoff: 1 * time.Second,
	}
}

// New creates a new API client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base url is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("api key is required")
	}
	if cfg.UserAgent == "" {
		return nil, fmt.Errorf("user-agent is required")
	}
	if cfg.MaxRetries < 1 {
		return nil, fmt.Errorf("max_retries must be >= 1 (got %d)", cfg.MaxRetries)
	}

	logger := log.With().Str("component", "api-client").Logger()

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	retry := DefaultRetryConfig()
	retry.MaxAttempts = cfg.MaxRetries
	if cfg.InitialBackoff > 0 {
		retry.InitialBackoff = cfg.InitialBackoff
	}

	c := &Client{
		httpClient: httpClient,
		tracker:    ratelimit.NewTracker(cfg.Redis, logger),
		retry:      retry,
		config:     cfg,
		logger:     logger,
	}
	if cfg.Redis != nil {
		c.cache = cache.NewManager(cfg.Redis)
	}

	return c, nil
}

type noRetryKey struct{}

// NoRetry returns a context under which requests are attempted exactly once.
// Used for non-idempotent calls such as batch submission.
func NoRetry(ctx context.Context) context.Context {
	return context.WithValue(ctx, noRetryKey{}, true)
}

// Do performs an HTTP request with throttle gating, authentication and retries.
// Responses with status >= 400 are returned as *APIError; the body is consumed.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	endpoint := NormalizeEndpoint(req.URL.Path)

	startTime := time.Now()
	defer func() {
		mcRequestDuration.WithLabelValues(endpoint).Observe(time.Since(startTime).Seconds())
	}()

	c.logger.Debug().
		Str("endpoint", endpoint).
		Str("method", req.Method).
		Msg("Executing API request")

	retry := c.retry
	if ctx.Value(noRetryKey{}) != nil {
		retry.MaxAttempts = 1
	}

	var resp *http.Response
	attempt := 0

	err := Retry(ctx, retry, func() error {
		attempt++

		if err := c.tracker.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Warn().Err(err).Msg("Throttle state unavailable - sending request anyway")
		}

		attemptReq, err := c.prepare(req, attempt)
		if err != nil {
			return err
		}

		r, err := c.httpClient.Do(attemptReq)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Warn().Err(err).Str("endpoint", endpoint).Msg("HTTP request failed")
			mcErrorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
			mcRequestsTotal.WithLabelValues(endpoint, "network_error").Inc()
			return NetworkError(err)
		}

		mcRequestsTotal.WithLabelValues(endpoint, strconv.Itoa(r.StatusCode)).Inc()

		if err := c.tracker.UpdateFromResponse(ctx, r); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to record throttle window")
		}

		if r.StatusCode >= 400 {
			apiErr := newResponseError(r)
			mcErrorsTotal.WithLabelValues(string(apiErr.ErrorClass)).Inc()
			c.logger.Warn().
				Str("endpoint", endpoint).
				Int("status", r.StatusCode).
				Str("error_class", string(apiErr.ErrorClass)).
				Str("detail", apiErr.Detail).
				Msg("API request error")
			return apiErr
		}

		resp = r
		return nil
	})
	if err != nil {
		return nil, err
	}

	return resp, nil
}

// prepare returns the request to send for the given attempt, rewinding the
// body on retries and setting auth and content headers.
func (c *Client) prepare(req *http.Request, attempt int) (*http.Request, error) {
	r := req
	if attempt > 1 {
		r = req.Clone(req.Context())
		if req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return nil, fmt.Errorf("rewind request body: %w", err)
			}
			r.Body = body
		}
	}

	r.SetBasicAuth("anystring", c.config.APIKey)
	r.Header.Set("User-Agent", c.config.UserAgent)
	r.Header.Set("Accept", "application/json")
	if r.Body != nil && r.Header.Get("Content-Type") == "" {
		r.Header.Set("Content-Type", "application/json")
	}
	return r, nil
}

// URL returns the absolute URL for an API path with optional query.
func (c *Client) URL(path string, query url.Values) string {
	u := strings.TrimRight(c.config.BaseURL, "/") + "/" + strings.TrimLeft(path, "/")
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

// GetJSON performs a GET and decodes the JSON response into out.
func (c *Client) GetJSON(ctx context.Context, path string, query url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL(path, query), nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := c.Do(req)
	if err != nil {
		return err
	}
	return decodeBody(resp, out)
}

// GetCachedJSON is GetJSON for slowly changing metadata. Responses are served
// from and stored in the Redis cache when one is configured.
func (c *Client) GetCachedJSON(ctx context.Context, path string, query url.Values, out any) error {
	if c.cache == nil {
		return c.GetJSON(ctx, path, query, out)
	}

	key := cache.Key{Account: c.config.Account, Endpoint: path, Query: query}

	entry, err := c.cache.Get(ctx, key)
	switch {
	case err == nil:
		c.logger.Debug().Str("key", key.String()).Msg("Cache hit")
		return decodeBody(entry.Response(), out)
	case !errors.Is(err, cache.ErrCacheMiss):
		c.logger.Warn().Err(err).Str("key", key.String()).Msg("Cache get error")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL(path, query), nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := c.Do(req)
	if err != nil {
		return err
	}

	entry, err = cache.FromResponse(resp)
	switch {
	case errors.Is(err, cache.ErrNotCacheable):
		c.logger.Debug().Err(err).Str("key", key.String()).Msg("Response not cached")
	case err != nil:
		resp.Body.Close()
		return err
	default:
		if err := c.cache.Set(ctx, key, entry); err != nil {
			c.logger.Warn().Err(err).Str("key", key.String()).Msg("Failed to cache response")
		} else {
			c.logger.Debug().Str("key", key.String()).Dur("ttl", entry.TTL()).Msg("Cached response")
		}
	}

	return decodeBody(resp, out)
}

// PostJSON encodes in as the request body, performs a POST and decodes the
// response into out (out may be nil).
func (c *Client) PostJSON(ctx context.Context, path string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL(path, nil), bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.Do(req)
	if err != nil {
		return err
	}
	c.invalidate(ctx, path)
	return decodeBody(resp, out)
}

// invalidate drops cached responses of an endpoint after a write to it.
func (c *Client) invalidate(ctx context.Context, path string) {
	if c.cache == nil {
		return
	}
	n, err := c.cache.Invalidate(ctx, cache.Key{Account: c.config.Account, Endpoint: path})
	if err != nil {
		c.logger.Warn().Err(err).Str("endpoint", path).Msg("Failed to invalidate cached responses")
		return
	}
	if n > 0 {
		c.logger.Debug().Str("endpoint", path).Int("entries", n).Msg("Invalidated cached responses")
	}
}

func decodeBody(resp *http.Response, out any) error {
	defer resp.Body.Close()

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// idSegments are path segments followed by a resource identifier.
var idSegments = map[string]bool{
	"lists":        true,
	"segments":     true,
	"members":      true,
	"batches":      true,
	"merge-fields": true,
}

// NormalizeEndpoint replaces resource identifiers in path with placeholders to
// keep metric label cardinality bounded.
//
//	/3.0/lists/8adf/segments/42/members -> /3.0/lists/{id}/segments/{id}/members
func NormalizeEndpoint(path string) string {
	parts := strings.Split(path, "/")
	for i := 1; i < len(parts); i++ {
		if idSegments[parts[i-1]] && parts[i] != "" {
			parts[i] = "{id}"
		}
	}
	return strings.Join(parts, "/")
}
