package crawl

import (
	"context"
	"fmt"
	"time"

	"github.com/Togather-Foundation/harvester/internal/domain/ids"
	"github.com/Togather-Foundation/harvester/internal/metrics"
	"github.com/Togather-Foundation/harvester/internal/search"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Fetcher fetches one page. *search.Client satisfies it.
type Fetcher interface {
	Fetch(ctx context.Context, req search.PageRequest) (*search.PageResponse, error)
}

// Store persists a run: its dataset items, its state after every page and
// the handoff written when the ceiling is hit.
type Store interface {
	CreateRun(ctx context.Context, st *State) error
	AppendItems(ctx context.Context, runID string, page int, events []search.Event) error
	SaveCheckpoint(ctx context.Context, st *State) error
	SaveHandoff(ctx context.Context, h Handoff) error
}

// NearLimit thresholds flag runs approaching the observed pagination
// ceiling. They only produce a warning and a metric.
type NearLimit struct {
	Page  int
	Items int
}

// DefaultNearLimit matches the ceiling observed at roughly 6-7 pages.
var DefaultNearLimit = NearLimit{Page: 5, Items: 1000}

func (n NearLimit) reached(page, scraped int) bool {
	return (n.Page > 0 && page >= n.Page) || (n.Items > 0 && scraped >= n.Items)
}

// Crawler walks the pages of one query. Pages are fetched strictly in order.
type Crawler struct {
	fetcher   Fetcher
	store     Store
	logger    zerolog.Logger
	segments  []search.Segment
	nearLimit NearLimit
	now       func() time.Time
	tracer    trace.Tracer
}

type CrawlerOption func(*Crawler)

// WithSegments replaces the static classification table, e.g. with
// discovered identifiers.
func WithSegments(segments []search.Segment) CrawlerOption {
	return func(c *Crawler) { c.segments = segments }
}

func WithNearLimit(n NearLimit) CrawlerOption {
	return func(c *Crawler) { c.nearLimit = n }
}

func WithClock(now func() time.Time) CrawlerOption {
	return func(c *Crawler) { c.now = now }
}

func NewCrawler(fetcher Fetcher, store Store, logger zerolog.Logger, opts ...CrawlerOption) *Crawler {
	c := &Crawler{
		fetcher:   fetcher,
		store:     store,
		logger:    logger.With().Str("component", "crawler").Logger(),
		nearLimit: DefaultNearLimit,
		now:       func() time.Time { return time.Now().UTC() },
		tracer:    otel.Tracer("github.com/Togather-Foundation/harvester/internal/crawl"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run crawls q until a terminal phase and returns the final state.
//
// Configuration errors (bad dates, bad filters, an unreadable resume mark)
// are returned before anything is persisted. A fetch error fails the run:
// the state is checkpointed as FAILED and returned along with the error.
// Hitting the ceiling is not an error; the run ends LIMITED and a handoff
// is saved for the next run.
func (c *Crawler) Run(ctx context.Context, q ResumableQuery, maxItems int) (*State, error) {
	started := c.now()
	filters, err := q.Effective(started)
	if err != nil {
		return nil, err
	}
	classes, dates, err := search.Prepare(filters, c.segments, started)
	if err != nil {
		return nil, err
	}

	if q.RunNumber < 1 {
		q.RunNumber = 1
	}
	runID, err := ids.NewRunID()
	if err != nil {
		return nil, fmt.Errorf("mint run id: %w", err)
	}
	st := &State{
		RunID:       runID,
		Fingerprint: q.Fingerprint(),
		RunNumber:   q.RunNumber,
		Query:       q,
		Filters:     filters,
		MaxItems:    maxItems,
		Phase:       PhaseFetching,
		Status:      StatusRunning,
		StartedAt:   started,
	}
	logger := c.logger.With().Str("run_id", st.RunID).Int("run_number", st.RunNumber).Logger()

	if q.Resuming() {
		if sort := search.SortOf(filters.Sort); sort.Field != "date" || !sort.Ascending {
			logger.Warn().Str("sort", sort.String()).Msg("resuming with a sort other than date,asc may skip or repeat events")
		}
		logger.Info().
			Str("resume_from", q.ResumeFrom).
			Str("date_from", filters.DateFrom).
			Int("scraped_so_far", q.ScrapedSoFar).
			Msg("resuming crawl")
	}

	ctx, span := c.tracer.Start(ctx, "crawl.run", trace.WithAttributes(
		attribute.String("run_id", st.RunID),
		attribute.Int("run_number", st.RunNumber),
		attribute.Int("max_items", maxItems),
	))
	defer span.End()

	if err := c.store.CreateRun(ctx, st); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "create run")
		return nil, fmt.Errorf("create crawl run: %w", err)
	}

	req := search.BuildPageRequest(filters, classes, dates, 0, 0)
	for !st.Phase.Terminal() {
		if err := c.step(ctx, logger, st, &req, filters); err != nil {
			st.Error = err.Error()
			st.finish(StatusFailed, c.now())
			if cerr := c.store.SaveCheckpoint(context.WithoutCancel(ctx), st); cerr != nil {
				logger.Error().Err(cerr).Msg("failed to checkpoint failed run")
			}
			metrics.CrawlRunsTotal.WithLabelValues("FAILED").Inc()
			span.RecordError(err)
			span.SetStatus(codes.Error, "crawl failed")
			return st, err
		}
	}

	st.finish(StatusSucceeded, c.now())
	if err := c.store.SaveCheckpoint(ctx, st); err != nil {
		return st, fmt.Errorf("checkpoint run %s: %w", st.RunID, err)
	}
	if st.Phase == PhaseLimited {
		if err := c.saveHandoff(ctx, logger, st); err != nil {
			return st, err
		}
	}

	metrics.CrawlRunsTotal.WithLabelValues(string(st.Phase)).Inc()
	span.SetAttributes(
		attribute.String("terminal", string(st.Phase)),
		attribute.Int("total_scraped", st.TotalScraped),
	)
	logger.Info().
		Str("terminal", string(st.Phase)).
		Int("pages_fetched", st.PagesFetched).
		Int("total_scraped", st.TotalScraped).
		Int("cumulative_scraped", st.CumulativeScraped()).
		Int("total_pages", st.TotalPages).
		Int("total_elements", st.TotalElements).
		Str("continuation_mark", st.ContinuationMark).
		Bool("hit_ceiling", st.HitCeiling).
		Msg("crawl finished")
	return st, nil
}

// step fetches and processes one page, advancing st.Phase and *req.
func (c *Crawler) step(ctx context.Context, logger zerolog.Logger, st *State, req *search.PageRequest, filters search.FilterOptions) error {
	st.Page = req.Page
	st.Phase = PhaseFetching

	resp, err := c.fetch(ctx, *req)
	if err != nil {
		metrics.CrawlPagesTotal.WithLabelValues("error").Inc()
		return err
	}
	st.PagesFetched++

	if !resp.HasPage() {
		metrics.CrawlPagesTotal.WithLabelValues("ceiling").Inc()
		logger.Warn().
			Int("page", req.Page).
			Int("status", resp.Status).
			Int("total_scraped", st.TotalScraped).
			Msg("no usable page returned, pagination ceiling reached")
		st.HitCeiling = true
		st.Phase = PhaseLimited
		return c.store.SaveCheckpoint(ctx, st)
	}

	st.Phase = PhaseProcessing
	st.TotalPages = resp.Page.TotalPages
	st.TotalElements = resp.Page.TotalElements
	morePages := resp.Page.TotalPages > req.Page+1

	if len(resp.Items) == 0 && morePages {
		metrics.CrawlPagesTotal.WithLabelValues("empty").Inc()
		logger.Info().Int("page", req.Page).Int("total_pages", resp.Page.TotalPages).Msg("empty page, advancing")
		*req = req.Next(filters, st.TotalScraped)
		return c.store.SaveCheckpoint(ctx, st)
	}

	events := search.Events(resp.Items)
	if remaining := st.remaining(); remaining >= 0 && len(events) > remaining {
		events = events[:remaining]
	}

	if len(events) > 0 {
		if err := c.store.AppendItems(ctx, st.RunID, req.Page, events); err != nil {
			return fmt.Errorf("append items for page %d: %w", req.Page, err)
		}
		st.TotalScraped += len(events)
		if mark := events[len(events)-1].ContinuationMark(); mark != "" {
			st.ContinuationMark = mark
		}
		metrics.CrawlItemsTotal.Add(float64(len(events)))
	}
	metrics.CrawlPagesTotal.WithLabelValues("ok").Inc()

	logger.Info().
		Int("page", req.Page).
		Int("items", len(events)).
		Int("total_scraped", st.TotalScraped).
		Int("total_pages", resp.Page.TotalPages).
		Int("total_elements", resp.Page.TotalElements).
		Msg("page processed")

	if c.nearLimit.reached(req.Page, st.TotalScraped) {
		metrics.CrawlNearLimitTotal.Inc()
		logger.Warn().
			Int("page", req.Page).
			Int("total_scraped", st.TotalScraped).
			Str("continuation_mark", st.ContinuationMark).
			Msg("approaching pagination ceiling")
	}

	switch {
	case st.capReached():
		st.Phase = PhaseMaxItemsReached
	case morePages:
		*req = req.Next(filters, st.TotalScraped)
	case resp.Page.ExpectedPages() > resp.Page.TotalPages:
		st.HitCeiling = true
		st.Phase = PhaseLimited
	default:
		st.Phase = PhaseExhausted
	}
	return c.store.SaveCheckpoint(ctx, st)
}

func (c *Crawler) fetch(ctx context.Context, req search.PageRequest) (*search.PageResponse, error) {
	ctx, span := c.tracer.Start(ctx, "crawl.page", trace.WithAttributes(attribute.Int("page", req.Page)))
	defer span.End()

	start := time.Now()
	resp, err := c.fetcher.Fetch(ctx, req)
	metrics.CrawlFetchLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "fetch failed")
		return nil, err
	}
	span.SetAttributes(attribute.Bool("has_page", resp.HasPage()), attribute.Int("items", len(resp.Items)))
	return resp, nil
}

func (c *Crawler) saveHandoff(ctx context.Context, logger zerolog.Logger, st *State) error {
	if st.ContinuationMark == "" {
		logger.Warn().Msg("ceiling reached without a continuation mark, no handoff written")
		return nil
	}
	h := handoffFrom(st, c.now())
	if err := c.store.SaveHandoff(ctx, h); err != nil {
		return fmt.Errorf("save handoff for run %s: %w", st.RunID, err)
	}
	logger.Info().
		Str("continuation_mark", h.ContinuationMark).
		Int("next_run_number", h.RunNumber).
		Int("total_scraped_so_far", h.TotalScrapedSoFar).
		Msg("continuation handoff saved")
	return nil
}
