package search

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

const (
	DefaultUserAgent = "Mozilla/5.0 (compatible; TogatherHarvester/1.0)"
	DefaultTimeout   = 30 * time.Second
	DefaultRateLimit = rate.Limit(1.0)
	MaxRetries       = 2
	RetryBaseDelay   = 1 * time.Second
	maxBodyBytes     = 32 << 20
)

// Client fetches search pages. Transient failures (network, 429, 5xx) are
// retried here; the crawl itself never retries a page.
type Client struct {
	httpClient *http.Client
	endpoint   string
	queryHash  string
	userAgent  string
	maxRetries int
	retryDelay time.Duration
	limiter    *rate.Limiter
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default client, e.g. to change the timeout.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.httpClient = client
	}
}

// WithRateLimit sets requests per second. Zero or less disables pacing.
func WithRateLimit(rps float64) Option {
	return func(c *Client) {
		if rps <= 0 {
			c.limiter = rate.NewLimiter(rate.Inf, 1)
			return
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), 1)
	}
}

func WithUserAgent(ua string) Option {
	return func(c *Client) {
		if ua != "" {
			c.userAgent = ua
		}
	}
}

// WithRetry overrides the retry budget and base backoff.
func WithRetry(maxRetries int, baseDelay time.Duration) Option {
	return func(c *Client) {
		if maxRetries >= 0 {
			c.maxRetries = maxRetries
		}
		c.retryDelay = baseDelay
	}
}

func NewClient(endpoint, queryHash string, opts ...Option) *Client {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	if queryHash == "" {
		queryHash = DefaultQueryHash
	}
	c := &Client{
		httpClient: &http.Client{Timeout: DefaultTimeout},
		endpoint:   endpoint,
		queryHash:  queryHash,
		userAgent:  DefaultUserAgent,
		maxRetries: MaxRetries,
		retryDelay: RetryBaseDelay,
		limiter:    rate.NewLimiter(DefaultRateLimit, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Fetch performs the GET for one page request. A nil error with
// resp.HasPage() false means the body had no usable page structure.
func (c *Client) Fetch(ctx context.Context, req PageRequest) (*PageResponse, error) {
	requestURL, err := req.URL(c.endpoint, c.queryHash)
	if err != nil {
		return nil, err
	}

	status, body, err := c.doWithRetry(ctx, requestURL)
	if err != nil {
		return nil, fmt.Errorf("fetch page %d: %w", req.Page, err)
	}

	resp := DecodePage(body)
	resp.Status = status
	return resp, nil
}

func (c *Client) doWithRetry(ctx context.Context, requestURL string) (int, []byte, error) {
	var lastErr error

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			delay := c.retryDelay * time.Duration(1<<uint(attempt-1))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return 0, nil, ctx.Err()
			}
		}

		if err := c.limiter.Wait(ctx); err != nil {
			return 0, nil, fmt.Errorf("rate limiter: %w", err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
		if err != nil {
			return 0, nil, fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("User-Agent", c.userAgent)
		req.Header.Set("Accept", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return 0, nil, ctx.Err()
			}
			lastErr = fmt.Errorf("http request: %w", err)
			continue
		}

		body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
		_ = resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("read response: %w", err)
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			lastErr = fmt.Errorf("rate limited (429)")
			continue
		}
		if resp.StatusCode >= 500 {
			lastErr = fmt.Errorf("server error (%d): %s", resp.StatusCode, bodySnippet(body))
			continue
		}

		// Other statuses are handed to the decoder; a 4xx at the ceiling
		// simply has no page structure.
		return resp.StatusCode, body, nil
	}

	return 0, nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}

func bodySnippet(body []byte) string {
	const max = 200
	if len(body) > max {
		return string(body[:max]) + "..."
	}
	return string(body)
}
