package search

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"
	"github.com/rs/zerolog"
	"github.com/temoto/robotstxt"
)

const robotsTimeout = 10 * time.Second

// Renderer returns the fully rendered HTML of a page. Used when the static
// fetch of a discover page is blocked.
type Renderer interface {
	Render(ctx context.Context, pageURL string) (string, error)
}

// Discoverer refreshes the segment table from the public discover pages.
type Discoverer struct {
	baseURL   string
	userAgent string
	delay     time.Duration
	renderer  Renderer
	client    *http.Client
	logger    zerolog.Logger
}

type DiscovererOption func(*Discoverer)

func WithRenderer(r Renderer) DiscovererOption {
	return func(d *Discoverer) { d.renderer = r }
}

func WithDiscoveryDelay(delay time.Duration) DiscovererOption {
	return func(d *Discoverer) { d.delay = delay }
}

// NewDiscoverer builds a Discoverer for baseURL (scheme and host, e.g.
// https://www.ticketmaster.com).
func NewDiscoverer(baseURL, userAgent string, logger zerolog.Logger, opts ...DiscovererOption) *Discoverer {
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}
	d := &Discoverer{
		baseURL:   strings.TrimRight(baseURL, "/"),
		userAgent: userAgent,
		delay:     time.Second,
		client:    &http.Client{Timeout: robotsTimeout},
		logger:    logger,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Discover visits /discover/<slug> for each default segment and reads the
// segment identifier from the page's Next.js payload. Segments that cannot
// be discovered keep their static identifier, so the result always has one
// entry per default segment.
func (d *Discoverer) Discover(ctx context.Context) ([]Segment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var (
		mu      sync.Mutex
		found   = make(map[string]string)
		blocked []string
	)

	c := colly.NewCollector(colly.UserAgent(d.userAgent))
	if err := c.Limit(&colly.LimitRule{DomainGlob: "*", Delay: d.delay}); err != nil {
		d.logger.Warn().Err(err).Msg("discovery: failed to set rate limit rule")
	}

	c.OnHTML("script#__NEXT_DATA__", func(h *colly.HTMLElement) {
		id := segmentIDFromNextData(h.Text)
		if id == "" {
			return
		}
		mu.Lock()
		found[slugFromURL(h.Request.URL)] = id
		mu.Unlock()
	})

	c.OnError(func(r *colly.Response, err error) {
		d.logger.Warn().Err(err).Int("status", r.StatusCode).Str("url", r.Request.URL.String()).
			Msg("discovery: static fetch failed")
		mu.Lock()
		blocked = append(blocked, r.Request.URL.String())
		mu.Unlock()
	})

	for _, seg := range DefaultSegments {
		if ctx.Err() != nil {
			break
		}
		pageURL := d.pageURL(seg.Slug)
		if err := c.Visit(pageURL); err != nil {
			d.logger.Debug().Err(err).Str("url", pageURL).Msg("discovery: visit skipped")
		}
	}
	c.Wait()

	if d.renderer != nil {
		for _, pageURL := range blocked {
			if ctx.Err() != nil {
				break
			}
			id, err := d.renderAndExtract(ctx, pageURL)
			if err != nil {
				d.logger.Warn().Err(err).Str("url", pageURL).Msg("discovery: render fallback failed")
				continue
			}
			if id != "" {
				u, _ := url.Parse(pageURL)
				found[slugFromURL(u)] = id
			}
		}
	}

	segments := make([]Segment, 0, len(DefaultSegments))
	for _, seg := range DefaultSegments {
		if id, ok := found[seg.Slug]; ok && id != seg.ID {
			d.logger.Info().Str("segment", seg.Slug).Str("static", seg.ID).Str("discovered", id).
				Msg("discovery: segment id changed")
			seg.ID = id
		}
		segments = append(segments, seg)
	}
	return segments, nil
}

func (d *Discoverer) pageURL(slug string) string {
	return d.baseURL + "/discover/" + slug
}

func (d *Discoverer) renderAndExtract(ctx context.Context, pageURL string) (string, error) {
	allowed, err := RobotsAllowed(ctx, d.client, pageURL, d.userAgent)
	if err != nil {
		d.logger.Warn().Err(err).Str("url", pageURL).Msg("discovery: robots.txt check failed, proceeding as allowed")
		allowed = true
	}
	if !allowed {
		return "", fmt.Errorf("rendering disallowed by robots.txt for %q", pageURL)
	}

	html, err := d.renderer.Render(ctx, pageURL)
	if err != nil {
		return "", err
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", fmt.Errorf("parse rendered html: %w", err)
	}
	return segmentIDFromNextData(doc.Find("script#__NEXT_DATA__").First().Text()), nil
}

func slugFromURL(u *url.URL) string {
	if u == nil {
		return ""
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	return parts[len(parts)-1]
}

// segmentIDFromNextData returns the shallowest segmentId (or
// classificationId) string in the page payload. Siblings are visited in key
// order so the same payload always yields the same id.
func segmentIDFromNextData(payload string) string {
	payload = strings.TrimSpace(payload)
	if payload == "" {
		return ""
	}
	var root any
	if err := json.Unmarshal([]byte(payload), &root); err != nil {
		return ""
	}
	return findSegmentID(root)
}

func findSegmentID(root any) string {
	level := []any{root}
	for len(level) > 0 {
		var next []any
		for _, node := range level {
			switch v := node.(type) {
			case map[string]any:
				for _, key := range []string{"segmentId", "classificationId"} {
					if s, ok := v[key].(string); ok && s != "" {
						return s
					}
				}
				keys := make([]string, 0, len(v))
				for k := range v {
					keys = append(keys, k)
				}
				sort.Strings(keys)
				for _, k := range keys {
					next = append(next, v[k])
				}
			case []any:
				next = append(next, v...)
			}
		}
		level = next
	}
	return ""
}

// RobotsAllowed fetches robots.txt for pageURL's host and reports whether
// userAgent may fetch the page path. Unreachable or malformed robots.txt
// files allow everything.
func RobotsAllowed(ctx context.Context, client *http.Client, pageURL, userAgent string) (bool, error) {
	parsed, err := url.Parse(pageURL)
	if err != nil {
		return false, fmt.Errorf("parse url: %w", err)
	}
	robotsURL := parsed.Scheme + "://" + parsed.Host + "/robots.txt"

	ctx, cancel := context.WithTimeout(ctx, robotsTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL, nil)
	if err != nil {
		return false, fmt.Errorf("create robots request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := client.Do(req)
	if err != nil {
		return false, fmt.Errorf("fetch robots.txt: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 512<<10))
	if err != nil {
		return false, fmt.Errorf("reading robots.txt body: %w", err)
	}

	data, err := robotstxt.FromStatusAndBytes(resp.StatusCode, body)
	if err != nil {
		return true, nil
	}
	return data.TestAgent(parsed.Path, userAgent), nil
}
