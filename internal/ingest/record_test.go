package ingest

import (
	"strings"
	"testing"

	"github.com/Togather-Foundation/harvester/internal/search"
	"github.com/stretchr/testify/assert"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		ev   search.Event
		want string
	}{
		{"valid", search.Event{Name: "Show", LocalDate: "2025-06-14", DateTitle: "Jun 14"}, ""},
		{"blank name", search.Event{Name: "  ", LocalDate: "2025-06-14"}, SkipMissingName},
		{"tba flag", search.Event{Name: "Show", DateTBA: true}, SkipDateTBA},
		{"tba title", search.Event{Name: "Show", DateTitle: "Date TBA"}, SkipDateTBA},
		{"tba lowercase subtitle", search.Event{Name: "Show", DateSubTitle: "time tba"}, SkipDateTBA},
		{"invalid date marker", search.Event{Name: "Show", DateTitle: "Invalid Date"}, SkipInvalidDate},
		{"tba in name is fine", search.Event{Name: "Outback TBA Tour", LocalDate: "2025-06-14"}, ""},
		{"word containing tba", search.Event{Name: "Show", DateSubTitle: "Outback Stadium"}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Validate(tt.ev))
		})
	}
}

func TestIdentity(t *testing.T) {
	assert.Equal(t, "tm_vvG1zZ9abc", Identity(search.Event{ID: " vvG1zZ9abc ", Name: "x"}))

	got := Identity(search.Event{
		Name:        "The Band -- Live!",
		Description: "The Band | Madison Square Garden",
		LocalDate:   "2025-06-14",
	})
	assert.Equal(t, "event_the_band_live_madison_square_garden_2025_06_14", got)

	assert.Equal(t, "event_mystery_unknown_venue_no_date", Identity(search.Event{Name: "Mystery"}))

	long := Identity(search.Event{Name: strings.Repeat("a", 80), VenueName: strings.Repeat("v", 80), LocalDate: "2025-06-14"})
	assert.LessOrEqual(t, len(long), 100)
	assert.True(t, strings.HasPrefix(long, "event_"+strings.Repeat("a", 50)+"_"+strings.Repeat("v", 30)))
}

func TestIdentity_Stable(t *testing.T) {
	ev := search.Event{Name: "Jazz Night", VenueName: "Blue Note", LocalDate: "2025-07-01"}
	assert.Equal(t, Identity(ev), Identity(ev))
	ev.Offer.URL = "https://changed.example.com"
	assert.Equal(t, "event_jazz_night_blue_note_2025_07_01", Identity(ev))
}

func TestExtractVenueName(t *testing.T) {
	assert.Equal(t, "Madison Square Garden", ExtractVenueName(search.Event{Description: "A | B | Madison Square Garden ", VenueName: "MSG"}))
	assert.Equal(t, "MSG", ExtractVenueName(search.Event{Description: "No delimiter", VenueName: "MSG"}))
	assert.Equal(t, "MSG", ExtractVenueName(search.Event{Description: "Trailing |  ", VenueName: "MSG"}))
	assert.Equal(t, "New York", ExtractVenueName(search.Event{AddressLocality: "New York"}))
	assert.Equal(t, "", ExtractVenueName(search.Event{}))
}

func TestLocationQuery(t *testing.T) {
	full := search.Event{
		StreetAddress:   "4 Pennsylvania Plaza",
		AddressLocality: "New York",
		PostalCode:      "10001",
		AddressRegion:   "NY",
		AddressCountry:  "US",
	}
	assert.Equal(t, "4 Pennsylvania Plaza, New York, 10001, NY, US", LocationQuery(full))
	assert.Equal(t, "New York, US", LocationQuery(search.Event{AddressLocality: "New York", AddressCountry: " US "}))
	assert.Equal(t, "Blue Note", LocationQuery(search.Event{Description: "Jazz | Blue Note"}))
	assert.Equal(t, "", LocationQuery(search.Event{}))
}
