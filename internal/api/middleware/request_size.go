package middleware

import (
	"net/http"
)

// DefaultMaxBodySize bounds trigger request bodies. A runs trigger carrying
// a few hundred ids stays well below it.
const DefaultMaxBodySize int64 = 64 << 10

// RequestSize wraps the body with http.MaxBytesReader. Handlers see a read
// error once maxBytes is exceeded and answer 413.
func RequestSize(maxBytes int64) func(http.Handler) http.Handler {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBodySize
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			next.ServeHTTP(w, r)
		})
	}
}
