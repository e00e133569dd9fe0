package ingest

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/Togather-Foundation/harvester/internal/geocoding"
	"github.com/Togather-Foundation/harvester/internal/sanitize"
	"github.com/Togather-Foundation/harvester/internal/search"
)

const (
	DefaultTitle     = "Untitled Event"
	DefaultStartTime = "19:00:00"
	DefaultEndTime   = "23:00:00"
)

// CanonicalEvent is a promoted event. ID is a surrogate unique to the
// canonical table; SourceIdentity links it back to the captured record.
type CanonicalEvent struct {
	ID             string          `json:"id"`
	SourceIdentity string          `json:"sourceIdentity"`
	NativeID       string          `json:"nativeId,omitempty"`
	Title          string          `json:"title"`
	Description    string          `json:"description,omitempty"`
	Segment        string          `json:"segment,omitempty"`
	Genre          string          `json:"genre,omitempty"`
	WebsiteURL     string          `json:"websiteUrl,omitempty"`
	ImageURL       string          `json:"imageUrl,omitempty"`
	LocationName   string          `json:"locationName,omitempty"`
	Address        string          `json:"address,omitempty"`
	Latitude       *float64        `json:"latitude,omitempty"`
	Longitude      *float64        `json:"longitude,omitempty"`
	StartDate      *time.Time      `json:"startDate,omitempty"`
	EndDate        *time.Time      `json:"endDate,omitempty"`
	StartTime      string          `json:"startTime"`
	EndTime        string          `json:"endTime"`
	PriceMin       *float64        `json:"priceMin,omitempty"`
	PriceCurrency  string          `json:"priceCurrency,omitempty"`
	AutoImport     bool            `json:"autoImport"`
	Raw            json.RawMessage `json:"raw,omitempty"`
}

// HasCoordinates reports whether the event was located.
func (e CanonicalEvent) HasCoordinates() bool {
	return e.Latitude != nil && e.Longitude != nil
}

// Assemble builds the canonical event for rec. loc is the cache entry for
// the record's location query; nil or failed entries leave it unlocated.
func Assemble(id string, rec CapturedRecord, loc *geocoding.CacheEntry) (CanonicalEvent, error) {
	ev := rec.Event
	raw, err := json.Marshal(ev)
	if err != nil {
		return CanonicalEvent{}, fmt.Errorf("encode raw event %s: %w", rec.Identity, err)
	}

	title := sanitize.Text(ev.Name)
	if title == "" {
		title = DefaultTitle
	}

	out := CanonicalEvent{
		ID:             id,
		SourceIdentity: rec.Identity,
		NativeID:       ev.ID,
		Title:          title,
		Description:    buildDescription(ev),
		Segment:        sanitize.Text(ev.SegmentName),
		Genre:          sanitize.Text(ev.GenreName),
		WebsiteURL:     sanitize.URL(ev.URL),
		ImageURL:       sanitize.URL(ev.Image),
		LocationName:   sanitize.Text(ExtractVenueName(ev)),
		Address:        sanitize.Text(AddressLine(ev)),
		StartTime:      DefaultStartTime,
		EndTime:        DefaultEndTime,
		AutoImport:     true,
		Raw:            raw,
	}

	if loc != nil && !loc.Failed {
		lat, lon := loc.Latitude, loc.Longitude
		out.Latitude, out.Longitude = &lat, &lon
	}

	if d, err := time.Parse(search.DateLayout, ev.LocalDate); err == nil {
		out.StartDate = &d
		out.EndDate = &d
	}
	if !ev.TimeTBA {
		if t, ok := parseClock(ev.DateSubTitle); ok {
			out.StartTime = t
		}
	}

	out.PriceMin, out.PriceCurrency = minPrice(ev)
	return out, nil
}

func buildDescription(ev search.Event) string {
	var parts []string
	if d := strings.TrimSpace(ev.Description); d != "" {
		parts = append(parts, d)
	}

	var kinds []string
	for _, k := range []string{ev.SegmentName, ev.GenreName} {
		if k = strings.TrimSpace(k); k != "" && k != "Undefined" {
			kinds = append(kinds, k)
		}
	}
	if len(kinds) > 0 {
		parts = append(parts, "Genre: "+strings.Join(kinds, " / "))
	}

	names := make([]string, 0, len(ev.Performers))
	for _, p := range ev.Performers {
		names = append(names, p.Name)
	}
	if names = sanitize.TextSlice(names); len(names) > 0 {
		parts = append(parts, "Artists: "+strings.Join(names, ", "))
	}

	ticketURL := sanitize.URL(ev.Offer.URL)
	if ticketURL == "" {
		ticketURL = sanitize.URL(ev.URL)
	}
	if ticketURL != "" {
		parts = append(parts, "Tickets: "+ticketURL)
	}

	if len(parts) == 0 {
		return "Event imported from Ticketmaster"
	}
	return sanitize.Text(strings.Join(parts, "\n\n"))
}

var clockPattern = regexp.MustCompile(`(?i)\b(\d{1,2}):(\d{2})\s*([ap]\.?m\.?)?`)

// parseClock reads a start time such as "Sat 7:30pm" or "19:30".
func parseClock(s string) (string, bool) {
	m := clockPattern.FindStringSubmatch(s)
	if m == nil {
		return "", false
	}
	hour, _ := strconv.Atoi(m[1])
	minute, _ := strconv.Atoi(m[2])
	if suffix := strings.ToLower(strings.ReplaceAll(m[3], ".", "")); suffix != "" {
		if hour < 1 || hour > 12 {
			return "", false
		}
		hour %= 12
		if suffix == "pm" {
			hour += 12
		}
	}
	if hour > 23 || minute > 59 {
		return "", false
	}
	return fmt.Sprintf("%02d:%02d:00", hour, minute), true
}

// minPrice prefers the offer price, then the lowest price range minimum.
func minPrice(ev search.Event) (*float64, string) {
	if ev.Offer.Price != nil {
		p := *ev.Offer.Price
		return &p, ev.Offer.PriceCurrency
	}

	var best *float64
	currency := ""
	for _, r := range ev.PriceRanges {
		v, ok := r["min"].(float64)
		if !ok {
			continue
		}
		if best == nil || v < *best {
			vv := v
			best = &vv
			currency, _ = r["currency"].(string)
		}
	}
	return best, currency
}
