package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "harvester"

// Registry is the process-wide registry every harvester metric lives in.
var Registry = prometheus.NewRegistry()

// AppInfo exposes the build as labels; the value is always 1.
var AppInfo = promauto.With(Registry).NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "app_info",
		Help:      "Application version information (always set to 1, version info in labels)",
	},
	[]string{"version", "commit"},
)

// Crawl metrics
var (
	CrawlPagesTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "crawl_pages_total",
			Help:      "Search pages fetched, by outcome",
		},
		[]string{"outcome"}, // ok, empty, ceiling, error
	)

	CrawlItemsTotal = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "crawl_items_total",
			Help:      "Event items written to run datasets",
		},
	)

	CrawlRunsTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "crawl_runs_total",
			Help:      "Finished crawl runs by terminal state",
		},
		[]string{"terminal"}, // EXHAUSTED, LIMITED, MAXITEMS_REACHED, FAILED
	)

	CrawlNearLimitTotal = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "crawl_near_limit_total",
			Help:      "Pages processed after the near-limit heuristic fired",
		},
	)

	CrawlFetchLatency = promauto.With(Registry).NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "crawl_fetch_latency_seconds",
			Help:      "Search page fetch latency including client retries",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
	)
)

// Pipeline metrics
var (
	CapturedTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipeline_captured_total",
			Help:      "Captured records by result",
		},
		[]string{"result"}, // inserted, updated, skipped
	)

	PromotedTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipeline_promoted_total",
			Help:      "Promotion outcomes",
		},
		[]string{"result"}, // inserted, already_promoted
	)

	PipelineRunsTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipeline_runs_total",
			Help:      "Pipeline invocations by result",
		},
		[]string{"result"}, // success, error, skipped, deferred
	)

	PipelinePhaseDuration = promauto.With(Registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pipeline_phase_duration_seconds",
			Help:      "Duration of each pipeline phase",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 5, 15, 60, 300},
		},
		[]string{"phase"}, // capture, geocode, promote
	)
)

// Geocoding metrics
var (
	GeocodingRequestsTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "geocoding_requests_total",
			Help:      "Total number of geocoding requests",
		},
		[]string{"source"}, // cache, provider
	)

	GeocodingCacheHitsTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "geocoding_cache_hits_total",
			Help:      "Total number of location cache hits",
		},
		[]string{"status"}, // resolved, failed
	)

	GeocodingCacheMissesTotal = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "geocoding_cache_misses_total",
			Help:      "Total number of location cache misses",
		},
	)

	GeocodingProviderRequestsTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "geocoding_provider_requests_total",
			Help:      "Geocoder API calls by provider and status",
		},
		[]string{"provider", "status"}, // status: success, empty, error
	)

	GeocodingProviderLatency = promauto.With(Registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "geocoding_provider_latency_seconds",
			Help:      "Geocoder API latency in seconds",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"provider"},
	)

	GeocodingFailuresTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "geocoding_failures_total",
			Help:      "Queries that exhausted every attempt",
		},
		[]string{"reason"}, // not_found, error
	)
)

// Init registers runtime collectors and records build info.
func Init(version, commit string) {
	Registry.MustRegister(collectors.NewGoCollector())
	Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	AppInfo.WithLabelValues(version, commit).Set(1)
}

// Handler serves the registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{Registry: Registry})
}
