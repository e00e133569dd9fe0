package ingest

import (
	"regexp"
	"strings"
	"time"

	"github.com/Togather-Foundation/harvester/internal/search"
)

// CapturedRecord is one raw event keyed by its identity.
type CapturedRecord struct {
	Identity   string
	RunID      string
	Event      search.Event
	CapturedAt time.Time
}

// Skip reasons reported by Validate.
const (
	SkipMissingName = "missing_name"
	SkipDateTBA     = "date_tba"
	SkipInvalidDate = "invalid_date"
)

var tbaWord = regexp.MustCompile(`(?i)\bTBA\b`)

// Validate returns "" for records worth capturing, else the reason to skip.
// Only date fields are checked for markers so names such as "Outback TBA
// Tour" are kept.
func Validate(ev search.Event) string {
	if strings.TrimSpace(ev.Name) == "" {
		return SkipMissingName
	}
	if ev.DateTBA {
		return SkipDateTBA
	}
	for _, field := range []string{ev.DateTitle, ev.DateSubTitle, ev.LocalDate} {
		if tbaWord.MatchString(field) {
			return SkipDateTBA
		}
		if strings.Contains(strings.ToLower(field), "invalid date") {
			return SkipInvalidDate
		}
	}
	return ""
}

const maxIdentityLen = 100

var nonAlnum = regexp.MustCompile(`[^a-z0-9]+`)

// Identity derives the capture key: the native id when present, else a
// normalized name, venue and date composite.
func Identity(ev search.Event) string {
	if id := strings.TrimSpace(ev.ID); id != "" {
		return "tm_" + id
	}

	venue := slug(ExtractVenueName(ev), 30)
	if venue == "" {
		venue = "unknown_venue"
	}
	date := slug(ev.LocalDate, 20)
	if date == "" {
		date = "no_date"
	}

	id := "event_" + slug(ev.Name, 50) + "_" + venue + "_" + date
	if len(id) > maxIdentityLen {
		id = id[:maxIdentityLen]
	}
	return id
}

func slug(s string, max int) string {
	s = strings.Trim(nonAlnum.ReplaceAllString(strings.ToLower(s), "_"), "_")
	if len(s) > max {
		s = strings.TrimRight(s[:max], "_")
	}
	return s
}
