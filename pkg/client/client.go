// Package client provides the GraphQL client for the episodes API with
// shared throttling, caching, and retries.
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
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/episode-browser/pkg/cache"
	"github.com/Sternrassler/episode-browser/pkg/logging"
	"github.com/Sternrassler/episode-browser/pkg/pagination"
	"github.com/Sternrassler/episode-browser/pkg/ratelimit"
)

// DefaultEndpoint is the public Rick and Morty GraphQL API.
const DefaultEndpoint = "https://rickandmortyapi.com/graphql"

var (
	apiRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "episodes_api_requests_total",
		Help: "Total GraphQL requests by operation and status",
	}, []string{"operation", "status"})

	apiRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "episodes_api_request_duration_seconds",
		Help:    "GraphQL request duration in seconds by operation",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	}, []string{"operation"})

	apiErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "episodes_api_errors_total",
		Help: "Total GraphQL errors by class",
	}, []string{"class"})
)

// Config holds the client configuration.
type Config struct {
	// Endpoint is the absolute GraphQL endpoint URL.
	Endpoint string

	// UserAgent is sent with every request.
	UserAgent string

	// Redis enables the response cache and shared throttle state. Optional.
	Redis *redis.Client

	// CacheTTL applies when the upstream sends no caching headers.
	CacheTTL time.Duration

	// Retry
	MaxRetries     int
	InitialBackoff time.Duration

	// Timeout bounds a single HTTP attempt.
	Timeout time.Duration
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig(redis *redis.Client, userAgent string) Config {
	return Config{
		Endpoint:       DefaultEndpoint,
		UserAgent:      userAgent,
		Redis:          redis,
		CacheTTL:       cache.DefaultTTL,
		MaxRetries:     3,
		InitialBackoff: 500 * time.Millisecond,
		Timeout:        10 * time.Second,
	}
}

// Client queries the episodes API.
type Client struct {
	httpClient  *http.Client
	rateLimiter *ratelimit.Tracker
	cache       *cache.Manager
	config      Config
	retry       RetryConfig
	logger      zerolog.Logger
}

// New creates a new client.
func New(cfg Config) (*Client, error) {
	if cfg.UserAgent == "" {
		return nil, fmt.Errorf("user-agent is required")
	}

	u, err := url.Parse(cfg.Endpoint)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return nil, fmt.Errorf("endpoint must be an absolute URL (got %q)", cfg.Endpoint)
	}

	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = cache.DefaultTTL
	}

	logger := logging.NewLogger("episodes-client")

	retry := DefaultRetryConfig()
	if cfg.MaxRetries > 0 {
		retry.MaxAttempts = cfg.MaxRetries
	}
	if cfg.InitialBackoff > 0 {
		retry.InitialBackoff = cfg.InitialBackoff
	}

	c := &Client{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		config:     cfg,
		retry:      retry,
		logger:     logger,
	}

	if cfg.Redis != nil {
		c.rateLimiter = ratelimit.NewTracker(cfg.Redis, logger)
		c.cache = cache.NewManager(cfg.Redis)
	} else {
		logger.Info().Msg("No Redis configured - response cache and shared throttling disabled")
	}

	return c, nil
}

// Episodes fetches one page of episodes.
func (c *Client) Episodes(ctx context.Context, page int) (*EpisodesPage, error) {
	const op = OperationEpisodes

	start := time.Now()
	defer func() {
		apiRequestDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}()

	logger := c.logger.With().Int("page", page).Logger()

	// Step 1: shared throttle state
	if c.rateLimiter != nil {
		allowed, err := c.rateLimiter.ShouldAllowRequest(ctx)
		switch {
		case err != nil && ctx.Err() != nil:
			return nil, fmt.Errorf("%w: %v", ErrContextCancelled, ctx.Err())
		case err != nil:
			// redis trouble must not take the site down
			logger.Warn().Err(err).Msg("Throttle check failed - continuing")
		case !allowed:
			apiRequestsTotal.WithLabelValues(op, "throttled").Inc()
			return nil, fmt.Errorf("%w: try again shortly", ErrThrottled)
		}
	}

	// Step 2: cache
	key := cache.Key{Operation: op, Variables: map[string]string{"page": strconv.Itoa(page)}}
	if c.cache != nil {
		entry, err := c.cache.Get(ctx, key)
		switch {
		case err == nil:
			result, decErr := decodeEpisodes(entry.Data)
			if decErr == nil {
				apiRequestsTotal.WithLabelValues(op, "cache_hit").Inc()
				logger.Debug().Msg("Serving page from cache")
				return result, nil
			}
			logger.Warn().Err(decErr).Msg("Dropping undecodable cache entry")
			_ = c.cache.Delete(ctx, key)
		case !errors.Is(err, cache.ErrCacheMiss):
			logger.Warn().Err(err).Msg("Cache get error")
		}
	}

	body, err := json.Marshal(graphQLRequest{
		Query:         episodesQuery,
		OperationName: op,
		Variables:     map[string]any{"page": page},
	})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	// Step 3: request with retries
	var (
		result *EpisodesPage
		entry  *cache.Entry
	)
	err = retryWithBackoff(ctx, c.retry, logger, func() error {
		var attemptErr error
		result, entry, attemptErr = c.post(ctx, logger, body)
		if attemptErr != nil {
			class := classOf(attemptErr)
			if class == "" {
				class = "other"
			}
			apiErrorsTotal.WithLabelValues(string(class)).Inc()
			apiRequestsTotal.WithLabelValues(op, statusLabel(attemptErr)).Inc()
			return attemptErr
		}
		apiRequestsTotal.WithLabelValues(op, "200").Inc()
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Step 4: cache store
	if c.cache != nil && entry != nil && entry.TTL() > 0 {
		if err := c.cache.Set(ctx, key, entry); err != nil {
			logger.Warn().Err(err).Msg("Failed to cache response")
		} else {
			logger.Debug().Dur("ttl", entry.TTL()).Msg("Cached response")
		}
	}

	return result, nil
}

// post performs one HTTP attempt and decodes the result.
func (c *Client) post(ctx context.Context, logger zerolog.Logger, body []byte) (*EpisodesPage, *cache.Entry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.config.UserAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrContextCancelled, ctx.Err())
		}
		logger.Error().Err(err).Msg("HTTP request failed")
		return nil, nil, &APIError{ErrorClass: ErrorClassNetwork, Message: "request failed", Err: err}
	}
	defer resp.Body.Close()

	if c.rateLimiter != nil {
		if err := c.rateLimiter.UpdateFromHeaders(ctx, resp.StatusCode, resp.Header); err != nil {
			logger.Warn().Err(err).Msg("Failed to update throttle state from headers")
		}
	}

	if class := classifyStatus(resp.StatusCode); class != "" {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		msg := resp.Status
		if len(snippet) > 0 {
			msg = fmt.Sprintf("%s: %s", resp.Status, bytes.TrimSpace(snippet))
		}
		logger.Warn().
			Int("status_code", resp.StatusCode).
			Str("error_class", string(class)).
			Msg("GraphQL request error")
		return nil, nil, &APIError{StatusCode: resp.StatusCode, ErrorClass: class, Message: msg}
	}

	entry, err := cache.ResponseToEntry(resp, c.config.CacheTTL)
	if err != nil {
		return nil, nil, &APIError{
			StatusCode: resp.StatusCode,
			ErrorClass: ErrorClassNetwork,
			Message:    "read response body",
			Err:        err,
		}
	}

	result, err := decodeEpisodes(entry.Data)
	if err != nil {
		return nil, nil, err
	}
	return result, entry, nil
}

func statusLabel(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode > 0 {
			return strconv.Itoa(apiErr.StatusCode)
		}
		return string(apiErr.ErrorClass)
	}
	var gqlErr *GraphQLError
	if errors.As(err, &gqlErr) {
		return "graphql_error"
	}
	if errors.Is(err, ErrContextCancelled) {
		return "cancelled"
	}
	return "error"
}

// FetchPage implements pagination.Fetcher.
func (c *Client) FetchPage(ctx context.Context, page int) (pagination.Page[Episode], error) {
	res, err := c.Episodes(ctx, page)
	if err != nil {
		return pagination.Page[Episode]{}, err
	}
	return pagination.Page[Episode]{Items: res.Results, Info: res.Info}, nil
}

// PurgeCache drops every cached episodes page. Without Redis it is a no-op.
func (c *Client) PurgeCache(ctx context.Context) (int, error) {
	if c.cache == nil {
		return 0, nil
	}
	n, err := c.cache.Purge(ctx, OperationEpisodes)
	if err != nil {
		return n, fmt.Errorf("purge episodes cache: %w", err)
	}
	c.logger.Info().Int("keys", n).Msg("Episodes cache purged")
	return n, nil
}

// Close releases idle connections.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}

// SetRetryConfig overrides the retry policy.
func (c *Client) SetRetryConfig(rc RetryConfig) {
	c.retry = rc
}

// Tracker returns the throttle tracker, or nil without Redis.
func (c *Client) Tracker() *ratelimit.Tracker {
	return c.rateLimiter
}

var _ pagination.Fetcher[Episode] = (*Client)(nil)
