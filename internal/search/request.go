package search

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// PageSize is fixed by the upstream wire contract.
const PageSize = 200

const (
	DefaultEndpoint  = "https://www.ticketmaster.com/api/next/graphql"
	DefaultQueryHash = "5664b981ff921ec078e3df377fd4623faaa6cd0aa2178e8bdfcba9b41303848b"
	operationName    = "CategorySearch"
)

// FilterOptions is the complete, caller-facing description of a search.
type FilterOptions struct {
	Sort        string `json:"sort,omitempty" yaml:"sort"`
	CountryCode string `json:"countryCode,omitempty" yaml:"country_code" validate:"omitempty,len=2,alpha"`
	GeoHash     string `json:"geoHash,omitempty" yaml:"geo_hash" validate:"omitempty,max=12,alphanum"`
	Radius      int    `json:"radius,omitempty" yaml:"radius" validate:"gte=0,lte=10000"`

	Concerts          bool     `json:"concerts,omitempty" yaml:"concerts"`
	Sports            bool     `json:"sports,omitempty" yaml:"sports"`
	ArtsTheater       bool     `json:"artsTheater,omitempty" yaml:"arts_theater"`
	Family            bool     `json:"family,omitempty" yaml:"family"`
	ClassificationIDs []string `json:"classificationIds,omitempty" yaml:"classification_ids" validate:"dive,required"`

	DateFrom    string `json:"dateFrom,omitempty" yaml:"date_from"`
	DateTo      string `json:"dateTo,omitempty" yaml:"date_to"`
	ThisWeekend bool   `json:"thisWeekend,omitempty" yaml:"this_weekend"`

	IncludeTBA string `json:"includeTBA,omitempty" yaml:"include_tba" validate:"omitempty,oneof=yes no only"`
	IncludeTBD string `json:"includeTBD,omitempty" yaml:"include_tbd" validate:"omitempty,oneof=yes no only"`
}

var validate = validator.New()

// Validate checks the non-date options. Dates are checked by
// CompileDateFilter so their errors carry the offending value.
func (o FilterOptions) Validate() error {
	if err := validate.Struct(o); err != nil {
		return fmt.Errorf("invalid filter options: %w", err)
	}
	return nil
}

// DateOptions extracts the date controls.
func (o FilterOptions) DateOptions() DateOptions {
	return DateOptions{ThisWeekend: o.ThisWeekend, DateFrom: o.DateFrom, DateTo: o.DateTo}
}

// Fingerprint identifies a filter set across runs. Two runs can only share
// a continuation when their fingerprints match.
func (o FilterOptions) Fingerprint() string {
	canonical := o
	canonical.Sort = SortOf(o.Sort).String()
	canonical.CountryCode = strings.ToUpper(o.CountryCode)
	b, _ := json.Marshal(canonical)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Sort is a normalized sort order.
type Sort struct {
	Field     string
	Ascending bool
}

func (s Sort) String() string {
	dir := "desc"
	if s.Ascending {
		dir = "asc"
	}
	return s.Field + "," + dir
}

// SortOf normalizes a free-form sort key. "date" and "relevance" are taken
// literally, "<field>Asc" and "<field>Desc" select a direction, anything else
// means ascending date.
func SortOf(raw string) Sort {
	def := Sort{Field: "date", Ascending: true}
	raw = strings.TrimSpace(raw)
	if raw == "date" || raw == "relevance" {
		return Sort{Field: raw, Ascending: true}
	}

	lower := strings.ToLower(raw)
	switch {
	case strings.HasSuffix(lower, "asc") && len(lower) > len("asc"):
		return Sort{Field: strings.TrimSuffix(lower, "asc"), Ascending: true}
	case strings.HasSuffix(lower, "desc") && len(lower) > len("desc"):
		return Sort{Field: strings.TrimSuffix(lower, "desc"), Ascending: false}
	}
	return def
}

// PageRequest describes exactly one page fetch. Treat it as immutable.
type PageRequest struct {
	Page            int
	ScrapedSoFar    int
	Classifications ClassificationSet
	DateFilter      *DateFilter
	Variables       Variables
}

// Variables is the JSON variables object of the persisted query.
type Variables struct {
	Type                  string   `json:"type"`
	Locale                string   `json:"locale"`
	LocaleStr             string   `json:"localeStr"`
	Page                  int      `json:"page"`
	Size                  int      `json:"size"`
	Sort                  string   `json:"sort"`
	ClassificationID      []string `json:"classificationId"`
	LineupImages          bool     `json:"lineupImages"`
	WithSeoEvents         bool     `json:"withSeoEvents"`
	GeoHash               string   `json:"geoHash,omitempty"`
	CountryCode           string   `json:"countryCode,omitempty"`
	Radius                int      `json:"radius,omitempty"`
	Unit                  string   `json:"unit"`
	IncludeTBA            string   `json:"includeTBA,omitempty"`
	IncludeTBD            string   `json:"includeTBD,omitempty"`
	LocalStartEndDateTime string   `json:"localStartEndDateTime,omitempty"`
}

// BuildPageRequest composes the request for one page. It has no side
// effects; the date filter is compiled once per run by the caller so every
// page of a run carries the same bounds.
func BuildPageRequest(opts FilterOptions, classes ClassificationSet, dates *DateFilter, page, scrapedSoFar int) PageRequest {
	ids := classes.IDs()
	return PageRequest{
		Page:            page,
		ScrapedSoFar:    scrapedSoFar,
		Classifications: ClassificationSet(ids),
		DateFilter:      dates,
		Variables: Variables{
			Type:                  "event",
			Locale:                "en-us",
			LocaleStr:             "en-us",
			Page:                  page,
			Size:                  PageSize,
			Sort:                  SortOf(opts.Sort).String(),
			ClassificationID:      ids,
			LineupImages:          true,
			WithSeoEvents:         true,
			GeoHash:               opts.GeoHash,
			CountryCode:           strings.ToUpper(opts.CountryCode),
			Radius:                opts.Radius,
			Unit:                  "miles",
			IncludeTBA:            opts.IncludeTBA,
			IncludeTBD:            opts.IncludeTBD,
			LocalStartEndDateTime: dates.Wire(),
		},
	}
}

// Next returns the request for the following page.
func (r PageRequest) Next(opts FilterOptions, scrapedSoFar int) PageRequest {
	return BuildPageRequest(opts, r.Classifications, r.DateFilter, r.Page+1, scrapedSoFar)
}

// URL renders the GET URL against endpoint with the given persisted-query hash.
func (r PageRequest) URL(endpoint, queryHash string) (string, error) {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	if queryHash == "" {
		queryHash = DefaultQueryHash
	}

	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parse endpoint: %w", err)
	}

	vars, err := json.Marshal(r.Variables)
	if err != nil {
		return "", fmt.Errorf("encode variables: %w", err)
	}
	ext, err := json.Marshal(map[string]any{
		"persistedQuery": map[string]any{"version": 1, "sha256Hash": queryHash},
	})
	if err != nil {
		return "", fmt.Errorf("encode extensions: %w", err)
	}

	q := url.Values{}
	q.Set("operationName", operationName)
	q.Set("variables", string(vars))
	q.Set("extensions", string(ext))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Prepare validates options and compiles everything a run needs to build
// page requests.
func Prepare(opts FilterOptions, segments []Segment, now time.Time) (ClassificationSet, *DateFilter, error) {
	if err := opts.Validate(); err != nil {
		return nil, nil, err
	}
	dates, err := CompileDateFilter(opts.DateOptions(), now)
	if err != nil {
		return nil, nil, err
	}
	return Classifications(opts, segments), dates, nil
}
