package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/Togather-Foundation/harvester/internal/config"
	"github.com/Togather-Foundation/harvester/internal/crawl"
	"github.com/Togather-Foundation/harvester/internal/ingest"
	"github.com/Togather-Foundation/harvester/internal/jobs"
	"github.com/Togather-Foundation/harvester/internal/search"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// crawlFlags holds the flags of "crawl run". Filter flags only override the
// profile when they were set explicitly.
type crawlFlags struct {
	profile  string
	maxItems int
	resume   bool
	chain    bool
	limit    int
	discover bool
	render   bool
	doImport bool
	async    bool

	sort              string
	country           string
	geoHash           string
	radius            int
	concerts          bool
	sports            bool
	artsTheater       bool
	family            bool
	classificationIDs []string
	dateFrom          string
	dateTo            string
	weekend           bool
	includeTBA        string
	includeTBD        string
}

func newCrawlCommand() *cobra.Command {
	crawlCmd := &cobra.Command{
		Use:   "crawl",
		Short: "Crawl Ticketmaster search results",
	}
	crawlCmd.AddCommand(newCrawlRunCommand(), newCrawlCategoriesCommand())
	return crawlCmd
}

func newCrawlRunCommand() *cobra.Command {
	f := &crawlFlags{}
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run one crawl, or a chain of crawls across the pagination ceiling",
		Long: `Run a crawl for a profile or for filters given on the command line.

Pages are fetched in order until the results are exhausted, --max-items is
reached, or the endpoint stops serving pages. In the last case the run ends
LIMITED and records the date of its last event so a later run can continue.

Examples:
  # Crawl a saved profile
  harvester crawl run --profile nyc-music

  # Continue where the last LIMITED run of the same filters stopped
  harvester crawl run --profile nyc-music --resume

  # Keep chaining runs until the results are exhausted
  harvester crawl run --geohash dr5r --radius 25 --concerts --chain --import

  # Weekend events, at most 500
  harvester crawl run --weekend --max-items 500`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCrawl(cmd, f)
		},
	}

	fl := runCmd.Flags()
	fl.StringVar(&f.profile, "profile", "", "profile name from CRAWL_PROFILES_DIR")
	fl.IntVar(&f.maxItems, "max-items", 0, "stop after this many events (0: profile or CRAWL_MAX_ITEMS)")
	fl.BoolVar(&f.resume, "resume", false, "continue from the latest handoff of the same filters")
	fl.BoolVar(&f.chain, "chain", false, "launch follow-up runs while runs end LIMITED")
	fl.IntVar(&f.limit, "chain-limit", 0, "maximum runs in a chain (default: CRAWL_CHAIN_LIMIT)")
	fl.BoolVar(&f.discover, "discover", false, "discover segment ids from the site before crawling")
	fl.BoolVar(&f.render, "render", false, "render discovery pages in a headless browser when plain fetches fail")
	fl.BoolVar(&f.doImport, "import", false, "import the finished runs")
	fl.BoolVar(&f.async, "import-async", false, "enqueue import jobs instead of importing inline")

	fl.StringVar(&f.sort, "sort", "", "sort order (date, relevance, name; ,asc or ,desc)")
	fl.StringVar(&f.country, "country", "", "ISO 3166 country code")
	fl.StringVar(&f.geoHash, "geohash", "", "geohash of the search centre")
	fl.IntVar(&f.radius, "radius", 0, "search radius in miles")
	fl.BoolVar(&f.concerts, "concerts", false, "include the concerts segment")
	fl.BoolVar(&f.sports, "sports", false, "include the sports segment")
	fl.BoolVar(&f.artsTheater, "arts-theater", false, "include the arts and theatre segment")
	fl.BoolVar(&f.family, "family", false, "include the family segment")
	fl.StringSliceVar(&f.classificationIDs, "classification", nil, "extra classification ids")
	fl.StringVar(&f.dateFrom, "from", "", "first event date (YYYY-MM-DD)")
	fl.StringVar(&f.dateTo, "to", "", "last event date (YYYY-MM-DD)")
	fl.BoolVar(&f.weekend, "weekend", false, "this weekend only")
	fl.StringVar(&f.includeTBA, "tba", "", "events with a TBA date (yes, no, only)")
	fl.StringVar(&f.includeTBD, "tbd", "", "events with a TBD date (yes, no, only)")

	// a handoff is matched on filters only, so its classification ids must
	// come from the static table
	runCmd.MarkFlagsMutuallyExclusive("discover", "resume")

	return runCmd
}

// applyFilterFlags overlays the explicitly set flags on base.
func applyFilterFlags(fs *pflag.FlagSet, f *crawlFlags, base search.FilterOptions) search.FilterOptions {
	out := base
	set := fs.Changed
	if set("sort") {
		out.Sort = f.sort
	}
	if set("country") {
		out.CountryCode = f.country
	}
	if set("geohash") {
		out.GeoHash = f.geoHash
	}
	if set("radius") {
		out.Radius = f.radius
	}
	if set("concerts") {
		out.Concerts = f.concerts
	}
	if set("sports") {
		out.Sports = f.sports
	}
	if set("arts-theater") {
		out.ArtsTheater = f.artsTheater
	}
	if set("family") {
		out.Family = f.family
	}
	if set("classification") {
		out.ClassificationIDs = f.classificationIDs
	}
	if set("from") {
		out.DateFrom = f.dateFrom
	}
	if set("to") {
		out.DateTo = f.dateTo
	}
	if set("weekend") {
		out.ThisWeekend = f.weekend
	}
	if set("tba") {
		out.IncludeTBA = f.includeTBA
	}
	if set("tbd") {
		out.IncludeTBD = f.includeTBD
	}
	return out
}

// resolveMaxItems picks the flag, then the profile, then the configured default.
func resolveMaxItems(flag int, profile search.Profile, cfg config.CrawlConfig) int {
	switch {
	case flag > 0:
		return flag
	case profile.MaxItems > 0:
		return profile.MaxItems
	default:
		return cfg.DefaultMaxItems
	}
}

func runCrawl(cmd *cobra.Command, f *crawlFlags) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	profile := search.DefaultProfile()
	if f.profile != "" {
		profile, err = search.FindProfile(a.cfg.Crawl.ProfilesDir, f.profile)
		if err != nil {
			return err
		}
	}
	filters := applyFilterFlags(cmd.Flags(), f, profile.Filters)
	maxItems := resolveMaxItems(f.maxItems, profile, a.cfg.Crawl)

	var segments []search.Segment
	if f.discover {
		segments, err = discoverSegments(ctx, a.cfg, a.logger, f.render)
		if err != nil {
			return err
		}
	}

	q := crawl.NewQuery(filters)
	if f.resume {
		var resumed bool
		q, resumed, err = crawl.Resume(ctx, a.repo.Crawl(), filters)
		if err != nil {
			return err
		}
		if resumed {
			a.logger.Info().Str("from", q.ResumeFrom).Int("run_number", q.RunNumber).Msg("resuming crawl")
		}
	}

	crawler := a.crawler(segments)
	var states []*crawl.State
	if f.chain {
		limit := f.limit
		if limit <= 0 {
			limit = a.cfg.Crawl.ChainLimit
		}
		states, err = crawler.Chain(ctx, q, maxItems, limit)
	} else {
		var st *crawl.State
		st, err = crawler.Run(ctx, q, maxItems)
		if st != nil {
			states = append(states, st)
		}
	}
	printStates(cmd.OutOrStdout(), states)
	if err != nil {
		return err
	}

	if !f.doImport && !f.async {
		return nil
	}
	ids := succeededRunIDs(states)
	if len(ids) == 0 {
		return nil
	}
	req := ingest.Request{Action: ingest.ActionRuns, RunIDs: ids}

	if f.async {
		client, err := jobs.NewInsertOnlyClient(a.pool)
		if err != nil {
			return fmt.Errorf("river client: %w", err)
		}
		n, err := jobs.Enqueuer{Client: client}.Enqueue(ctx, req)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "enqueued %d import job(s)\n", n)
		return nil
	}

	// runs crawled here live in postgres whatever RUN_SOURCE says
	importer, err := a.importerFor(a.repo.Crawl())
	if err != nil {
		return err
	}
	res, err := importer.Import(ctx, req)
	if err != nil {
		return err
	}
	printBatch(cmd.OutOrStdout(), res)
	if res.Failed() > 0 {
		return fmt.Errorf("%d run(s) failed to import", res.Failed())
	}
	return nil
}

func succeededRunIDs(states []*crawl.State) []string {
	var ids []string
	for _, st := range states {
		if st != nil && st.Status == crawl.StatusSucceeded {
			ids = append(ids, st.RunID)
		}
	}
	return ids
}

func printStates(w io.Writer, states []*crawl.State) {
	for _, st := range states {
		fmt.Fprintf(w, "run %s  #%d  %s/%s  pages=%d  items=%d  cumulative=%d",
			st.RunID, st.RunNumber, st.Phase, st.Status, st.PagesFetched, st.TotalScraped, st.CumulativeScraped())
		if st.HitCeiling {
			fmt.Fprintf(w, "  continue_from=%s", st.ContinuationMark)
		}
		fmt.Fprintln(w)
	}
}

func discoverSegments(ctx context.Context, cfg config.Config, logger zerolog.Logger, render bool) ([]search.Segment, error) {
	var opts []search.DiscovererOption
	if render {
		opts = append(opts, search.WithRenderer(&search.RodRenderer{}))
	}
	return search.NewDiscoverer(cfg.Crawl.DiscoveryURL, cfg.Crawl.UserAgent, logger, opts...).Discover(ctx)
}

func newCrawlCategoriesCommand() *cobra.Command {
	var render bool
	categoriesCmd := &cobra.Command{
		Use:   "categories",
		Short: "Discover the current segment classification ids",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("config error: %w", err)
			}
			logger := config.NewLogger(cfg.Logging, os.Stderr)

			segments, err := discoverSegments(cmd.Context(), cfg, logger, render)
			if err != nil {
				return err
			}
			for _, s := range segments {
				fmt.Fprintf(cmd.OutOrStdout(), "%-14s %-16s %s\n", s.Slug, s.Name, s.ID)
			}
			return nil
		},
	}
	categoriesCmd.Flags().BoolVar(&render, "render", false, "render pages in a headless browser when plain fetches fail")
	return categoriesCmd
}
