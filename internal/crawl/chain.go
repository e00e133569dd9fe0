package crawl

import (
	"context"
	"fmt"

	"github.com/Togather-Foundation/harvester/internal/search"
)

// HandoffSource reads the latest continuation for a filter fingerprint.
type HandoffSource interface {
	LatestHandoff(ctx context.Context, fingerprint string) (*Handoff, error)
}

// Resume builds the query that continues the latest chain for filters. With
// no recorded handoff it starts a fresh chain.
func Resume(ctx context.Context, src HandoffSource, filters search.FilterOptions) (ResumableQuery, bool, error) {
	h, err := src.LatestHandoff(ctx, filters.Fingerprint())
	if err != nil {
		return ResumableQuery{}, false, fmt.Errorf("load handoff: %w", err)
	}
	if h == nil {
		return NewQuery(filters), false, nil
	}
	q, err := FromHandoff(filters, *h)
	if err != nil {
		return ResumableQuery{}, false, err
	}
	return q, true, nil
}

// Chain runs q and keeps launching follow-up runs from each LIMITED run's
// continuation, up to limit runs in total. It stops early when a run ends
// any other way, when there is no mark to resume from, or when the resume
// point would not advance (more events on one day than the ceiling allows).
func (c *Crawler) Chain(ctx context.Context, q ResumableQuery, maxItems, limit int) ([]*State, error) {
	if limit < 1 {
		limit = 1
	}
	var states []*State
	for i := 0; i < limit; i++ {
		st, err := c.Run(ctx, q, maxItems)
		if st != nil {
			states = append(states, st)
		}
		if err != nil {
			return states, err
		}
		if st.Phase != PhaseLimited || st.ContinuationMark == "" {
			return states, nil
		}

		next, err := FromHandoff(q.Filters, handoffFrom(st, c.now()))
		if err != nil {
			return states, err
		}
		eff, err := next.Effective(c.now())
		if err != nil {
			return states, err
		}
		if eff.DateFrom == st.Filters.DateFrom {
			c.logger.Warn().
				Str("run_id", st.RunID).
				Str("date_from", eff.DateFrom).
				Msg("continuation does not advance the start date, stopping chain")
			return states, nil
		}
		q = next
	}
	c.logger.Info().Int("runs", len(states)).Int("limit", limit).Msg("chain limit reached")
	return states, nil
}
