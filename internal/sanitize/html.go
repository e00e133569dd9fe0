// Package sanitize cleans scraped text before it reaches the canonical
// event table.
package sanitize

import (
	"html"
	"net/url"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// StrictPolicy removes all HTML tags and attributes.
var StrictPolicy = bluemonday.StrictPolicy()

// Text strips all HTML tags and returns plain text. Entities are decoded so
// "Rock &amp; Roll" is stored as "Rock & Roll".
// Use for: titles, venue names, descriptions, performer names.
func Text(input string) string {
	return strings.TrimSpace(html.UnescapeString(StrictPolicy.Sanitize(input)))
}

// TextSlice sanitizes each string in a slice, dropping entries that end up
// empty.
func TextSlice(inputs []string) []string {
	if inputs == nil {
		return nil
	}
	sanitized := make([]string, 0, len(inputs))
	for _, input := range inputs {
		if s := Text(input); s != "" {
			sanitized = append(sanitized, s)
		}
	}
	return sanitized
}

// URL returns input when it is an absolute http(s) URL and "" otherwise.
func URL(input string) string {
	input = strings.TrimSpace(input)
	u, err := url.Parse(input)
	if err != nil || u.Host == "" {
		return ""
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return ""
	}
	return u.String()
}
