// Package mapbox is a geocoding.Provider backed by the Mapbox Geocoding v5
// places endpoint.
package mapbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Togather-Foundation/harvester/internal/geocoding"
	"golang.org/x/time/rate"
)

const (
	DefaultBaseURL   = "https://api.mapbox.com"
	DefaultTimeout   = 5 * time.Second
	DefaultRateLimit = rate.Limit(10)
)

var ErrMissingToken = errors.New("mapbox access token is required")

type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
	country    string
	limiter    *rate.Limiter
}

type Option func(*Client)

func WithRateLimit(rps float64) Option {
	return func(c *Client) { c.limiter = rate.NewLimiter(rate.Limit(rps), 1) }
}

// WithCountry restricts results to ISO 3166-1 alpha-2 codes, e.g. "us".
func WithCountry(codes string) Option {
	return func(c *Client) { c.country = strings.ToLower(codes) }
}

func NewClient(baseURL, token string, opts ...Option) (*Client, error) {
	if token == "" {
		return nil, ErrMissingToken
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	c := &Client{
		httpClient: &http.Client{Timeout: DefaultTimeout},
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		limiter:    rate.NewLimiter(DefaultRateLimit, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) Name() string { return "mapbox" }

type placesResponse struct {
	Features []struct {
		PlaceName string    `json:"place_name"`
		Center    []float64 `json:"center"` // [lon, lat]
	} `json:"features"`
}

// Lookup returns the features of a forward geocode. Transient failures are
// returned as errors; the geocoding service owns the retry policy.
func (c *Client) Lookup(ctx context.Context, query string) ([]geocoding.Candidate, error) {
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("query cannot be empty")
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	params := url.Values{}
	params.Set("access_token", c.token)
	params.Set("limit", "1")
	if c.country != "" {
		params.Set("country", c.country)
	}
	requestURL := fmt.Sprintf("%s/geocoding/v5/mapbox.places/%s.json?%s", c.baseURL, url.PathEscape(query), params.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("mapbox status %d: %s", resp.StatusCode, truncate(string(body), 200))
	}

	var parsed placesResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("parse json: %w", err)
	}

	out := make([]geocoding.Candidate, 0, len(parsed.Features))
	for _, f := range parsed.Features {
		if len(f.Center) < 2 {
			continue
		}
		out = append(out, geocoding.Candidate{Longitude: f.Center[0], Latitude: f.Center[1], PlaceName: f.PlaceName})
	}
	return out, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
