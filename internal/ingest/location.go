package ingest

import (
	"strings"

	"github.com/Togather-Foundation/harvester/internal/search"
)

// ExtractVenueName guesses the venue from free text. Descriptions look like
// "Artist | Venue", so the text after the last "|" wins; then the venue
// field; then the locality.
func ExtractVenueName(ev search.Event) string {
	if i := strings.LastIndex(ev.Description, "|"); i >= 0 {
		if v := strings.TrimSpace(ev.Description[i+1:]); v != "" {
			return v
		}
	}
	if v := strings.TrimSpace(ev.VenueName); v != "" {
		return v
	}
	return strings.TrimSpace(ev.AddressLocality)
}

// LocationQuery is the geocoder input for a record: street, locality,
// postal code, region and country, or the venue name when there is no
// structured address. Geocode and Promote must derive it the same way.
func LocationQuery(ev search.Event) string {
	parts := make([]string, 0, 5)
	for _, p := range []string{ev.StreetAddress, ev.AddressLocality, ev.PostalCode, ev.AddressRegion, ev.AddressCountry} {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	if len(parts) > 0 {
		return strings.Join(parts, ", ")
	}
	return ExtractVenueName(ev)
}

// AddressLine is the human-readable address stored on canonical events.
func AddressLine(ev search.Event) string {
	parts := make([]string, 0, 4)
	for _, p := range []string{ev.StreetAddress, ev.AddressLocality, ev.AddressRegion, ev.PostalCode} {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, ", ")
}
