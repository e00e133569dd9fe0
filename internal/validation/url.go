// Package validation checks the outbound endpoints the harvester is
// configured with.
package validation

import (
	"fmt"
	"net/url"
	"strings"
)

// URLValidationError names the setting that holds a bad URL.
type URLValidationError struct {
	Field   string
	Message string
	URL     string
}

func (e URLValidationError) Error() string {
	return fmt.Sprintf("%s: %s (url: %s)", e.Field, e.Message, e.URL)
}

// ValidateURL requires an absolute http(s) URL. Empty values pass; callers
// decide whether a setting is mandatory.
func ValidateURL(raw, field string, requireHTTPS bool) error {
	if raw == "" {
		return nil
	}
	_, err := parseHTTP(raw, field, requireHTTPS)
	return err
}

// ValidateBaseURL additionally rejects a query or fragment. A path is
// allowed since providers are often mounted under a prefix.
func ValidateBaseURL(raw, field string, requireHTTPS bool) error {
	if raw == "" {
		return nil
	}
	u, err := parseHTTP(raw, field, requireHTTPS)
	if err != nil {
		return err
	}
	if u.RawQuery != "" {
		return URLValidationError{Field: field, Message: "base URL must not contain query parameters", URL: raw}
	}
	if u.Fragment != "" {
		return URLValidationError{Field: field, Message: "base URL must not contain a fragment", URL: raw}
	}
	return nil
}

func parseHTTP(raw, field string, requireHTTPS bool) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, URLValidationError{Field: field, Message: "invalid URL format", URL: raw}
	}
	scheme := strings.ToLower(u.Scheme)
	switch {
	case scheme == "":
		return nil, URLValidationError{Field: field, Message: "URL must include a scheme (http:// or https://)", URL: raw}
	case u.Host == "":
		return nil, URLValidationError{Field: field, Message: "URL must include a host", URL: raw}
	case scheme != "http" && scheme != "https":
		return nil, URLValidationError{Field: field, Message: "URL scheme must be http or https", URL: raw}
	case requireHTTPS && scheme != "https":
		return nil, URLValidationError{Field: field, Message: "URL must use HTTPS in production", URL: raw}
	}
	return u, nil
}
