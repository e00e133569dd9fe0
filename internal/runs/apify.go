package runs

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

	"github.com/Togather-Foundation/harvester/internal/search"
	"golang.org/x/time/rate"
)

const (
	DefaultApifyURL = "https://api.apify.com/v2"
	apifyTimeout    = 30 * time.Second
)

var ErrMissingApifyConfig = errors.New("apify token and actor id are required")

// ApifySource reads runs of a hosted actor through the Apify REST API.
type ApifySource struct {
	httpClient *http.Client
	baseURL    string
	token      string
	actorID    string
	limiter    *rate.Limiter
}

type ApifyOption func(*ApifySource)

// WithApifyRateLimit caps requests per second against the API.
func WithApifyRateLimit(perSecond float64) ApifyOption {
	return func(s *ApifySource) {
		if perSecond > 0 {
			s.limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
		}
	}
}

func NewApifySource(baseURL, token, actorID string, opts ...ApifyOption) (*ApifySource, error) {
	if token == "" || actorID == "" {
		return nil, ErrMissingApifyConfig
	}
	if baseURL == "" {
		baseURL = DefaultApifyURL
	}
	s := &ApifySource{
		httpClient: &http.Client{Timeout: apifyTimeout},
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		// Apify allows 30 req/s per resource; stay well below.
		limiter: rate.NewLimiter(rate.Limit(5), 1),
		actorID: actorID,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

type apifyRun struct {
	ID               string     `json:"id"`
	Status           string     `json:"status"`
	StartedAt        time.Time  `json:"startedAt"`
	FinishedAt       *time.Time `json:"finishedAt"`
	DefaultDatasetID string     `json:"defaultDatasetId"`
}

func (r apifyRun) toRun() Run {
	return Run{ID: r.ID, Source: "apify", Status: r.Status, StartedAt: r.StartedAt.UTC(), FinishedAt: r.FinishedAt}
}

// ListRuns returns the actor's most recent runs, newest first.
func (s *ApifySource) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	params := url.Values{}
	params.Set("desc", "1")
	params.Set("limit", strconv.Itoa(limit))

	var body struct {
		Data struct {
			Items []apifyRun `json:"items"`
		} `json:"data"`
	}
	if err := s.get(ctx, fmt.Sprintf("/acts/%s/runs?%s", url.PathEscape(s.actorID), params.Encode()), &body); err != nil {
		return nil, fmt.Errorf("list apify runs: %w", err)
	}

	out := make([]Run, 0, len(body.Data.Items))
	for _, r := range body.Data.Items {
		out = append(out, r.toRun())
	}
	return out, nil
}

// RunItems resolves the run's default dataset and returns its items.
func (s *ApifySource) RunItems(ctx context.Context, runID string) ([]search.Event, error) {
	var run struct {
		Data apifyRun `json:"data"`
	}
	if err := s.get(ctx, "/actor-runs/"+url.PathEscape(runID), &run); err != nil {
		return nil, fmt.Errorf("fetch run %s: %w", runID, err)
	}
	if run.Data.DefaultDatasetID == "" {
		return nil, fmt.Errorf("run %s has no dataset", runID)
	}

	var items []search.Event
	if err := s.get(ctx, "/datasets/"+url.PathEscape(run.Data.DefaultDatasetID)+"/items?format=json&clean=1", &items); err != nil {
		return nil, fmt.Errorf("fetch dataset %s: %w", run.Data.DefaultDatasetID, err)
	}
	return items, nil
}

func (s *ApifySource) get(ctx context.Context, path string, out any) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.token)
	req.Header.Set("Accept", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		snippet := string(body)
		if len(snippet) > 200 {
			snippet = snippet[:200]
		}
		return fmt.Errorf("status %d: %s", resp.StatusCode, snippet)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("parse json: %w", err)
	}
	return nil
}
