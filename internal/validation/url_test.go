package validation

import (
	"errors"
	"testing"
)

func TestValidateURL(t *testing.T) {
	tests := []struct {
		name         string
		url          string
		requireHTTPS bool
		wantMsg      string
	}{
		{name: "empty is allowed", url: ""},
		{name: "https", url: "https://www.ticketmaster.com/api/next/graphql"},
		{name: "http allowed outside production", url: "http://localhost:8080/graphql"},
		{name: "http rejected in production", url: "http://localhost:8080", requireHTTPS: true, wantMsg: "URL must use HTTPS in production"},
		{name: "no scheme", url: "www.ticketmaster.com", wantMsg: "URL must include a scheme (http:// or https://)"},
		{name: "no host", url: "https://", wantMsg: "URL must include a host"},
		{name: "ftp", url: "ftp://example.com/file", wantMsg: "URL scheme must be http or https"},
		{name: "unparseable", url: "http://[::1", wantMsg: "invalid URL format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateURL(tt.url, "CRAWL_ENDPOINT", tt.requireHTTPS)
			checkErr(t, err, tt.wantMsg)
		})
	}
}

func TestValidateBaseURL(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		wantMsg string
	}{
		{name: "host only", url: "https://nominatim.openstreetmap.org"},
		{name: "path prefix", url: "https://geo.internal/nominatim/"},
		{name: "query", url: "https://api.mapbox.com?access_token=x", wantMsg: "base URL must not contain query parameters"},
		{name: "fragment", url: "https://api.apify.com#v2", wantMsg: "base URL must not contain a fragment"},
		{name: "inherits scheme check", url: "api.apify.com", wantMsg: "URL must include a scheme (http:// or https://)"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			checkErr(t, ValidateBaseURL(tt.url, "BASE_URL", false), tt.wantMsg)
		})
	}
}

func checkErr(t *testing.T, err error, wantMsg string) {
	t.Helper()
	if wantMsg == "" {
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		return
	}
	var verr URLValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected URLValidationError, got %v", err)
	}
	if verr.Message != wantMsg {
		t.Errorf("Message = %q, want %q", verr.Message, wantMsg)
	}
}
