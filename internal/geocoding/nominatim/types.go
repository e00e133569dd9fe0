package nominatim

// SearchOptions are the optional parameters of a /search call.
type SearchOptions struct {
	// CountryCodes limits results, comma-separated ISO 3166-1 alpha-2 ("us,ca").
	CountryCodes string
	// Limit is the maximum number of results (default 1, max 50).
	Limit int
}

// SearchResult is one entry of a format=jsonv2 search response. Coordinates
// arrive as strings.
type SearchResult struct {
	PlaceID     int64   `json:"place_id"`
	Lat         string  `json:"lat"`
	Lon         string  `json:"lon"`
	DisplayName string  `json:"display_name"`
	Type        string  `json:"type"`
	Class       string  `json:"class"`
	Importance  float64 `json:"importance"`
}
