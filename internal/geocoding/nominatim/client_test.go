package nominatim

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestClient_Search_Success(t *testing.T) {
	mockServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userAgent := r.Header.Get("User-Agent")
		if !strings.Contains(userAgent, "Togather-Harvester/1.0") || !strings.Contains(userAgent, "ops@example.com") {
			t.Errorf("unexpected User-Agent: %s", userAgent)
		}

		query := r.URL.Query()
		if query.Get("q") != "Madison Square Garden, New York" {
			t.Errorf("unexpected query: %s", query.Get("q"))
		}
		if query.Get("format") != "jsonv2" {
			t.Errorf("unexpected format: %s", query.Get("format"))
		}
		if query.Get("countrycodes") != "us" {
			t.Errorf("unexpected countrycodes: %s", query.Get("countrycodes"))
		}

		results := []SearchResult{
			{
				PlaceID:     12345,
				Lat:         "40.7505",
				Lon:         "-73.9934",
				DisplayName: "Madison Square Garden, 4, Pennsylvania Plaza, New York",
				Type:        "stadium",
				Class:       "leisure",
				Importance:  0.7,
			},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(results)
	}))
	defer mockServer.Close()

	client := NewClient(mockServer.URL, "ops@example.com", WithRateLimit(100))

	results, err := client.Search(context.Background(), "Madison Square Garden, New York", SearchOptions{
		CountryCodes: "us",
		Limit:        1,
	})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	if results[0].Lat != "40.7505" || results[0].Lon != "-73.9934" {
		t.Errorf("unexpected coordinates: %s, %s", results[0].Lat, results[0].Lon)
	}
}

func TestClient_Search_EmptyQuery(t *testing.T) {
	client := NewClient("http://localhost", "test@example.com")

	_, err := client.Search(context.Background(), "", SearchOptions{})
	if err == nil {
		t.Fatal("expected error for empty query")
	}
}

func TestClient_Lookup(t *testing.T) {
	mockServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("countrycodes") != "us" {
			t.Errorf("expected default country codes, got %q", r.URL.Query().Get("countrycodes"))
		}
		_, _ = w.Write([]byte(`[
			{"lat":"40.7505","lon":"-73.9934","display_name":"Madison Square Garden","importance":0.7},
			{"lat":"1","lon":"2","display_name":"Some shed","importance":0.01}
		]`))
	}))
	defer mockServer.Close()

	client := NewClient(mockServer.URL, "test@example.com", WithRateLimit(100), WithCountryCodes("us"), WithMinImportance(0.1))

	candidates, err := client.Lookup(context.Background(), "Madison Square Garden")
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if len(candidates) != 1 {
		t.Fatalf("expected 1 candidate above importance threshold, got %d", len(candidates))
	}
	if candidates[0].Latitude != 40.7505 || candidates[0].Longitude != -73.9934 {
		t.Errorf("unexpected coordinates: %+v", candidates[0])
	}
	if client.Name() != "nominatim" {
		t.Errorf("unexpected provider name: %s", client.Name())
	}
}

func TestClient_Lookup_InvalidCoordinates(t *testing.T) {
	mockServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"lat":"north","lon":"-73.9"}]`))
	}))
	defer mockServer.Close()

	client := NewClient(mockServer.URL, "test@example.com", WithRateLimit(100))
	if _, err := client.Lookup(context.Background(), "x"); err == nil {
		t.Fatal("expected error for unparseable latitude")
	}
}

func TestClient_RateLimit(t *testing.T) {
	var requestCount int32
	mockServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requestCount, 1)
		_, _ = w.Write([]byte("[]"))
	}))
	defer mockServer.Close()

	// 10 requests per second
	client := NewClient(mockServer.URL, "test@example.com", WithRateLimit(10))

	start := time.Now()
	for i := 0; i < 3; i++ {
		if _, err := client.Search(context.Background(), "test", SearchOptions{}); err != nil {
			t.Fatalf("request %d failed: %v", i, err)
		}
	}
	elapsed := time.Since(start)

	// 3 requests at 10 rps need at least ~200ms.
	if elapsed < 150*time.Millisecond {
		t.Errorf("rate limiting not applied: 3 requests took %v", elapsed)
	}
	if atomic.LoadInt32(&requestCount) != 3 {
		t.Errorf("expected 3 requests, got %d", requestCount)
	}
}

func TestClient_Retry_ServerError(t *testing.T) {
	var attempts int32
	mockServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) < 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`[{"lat":"1","lon":"2","display_name":"ok"}]`))
	}))
	defer mockServer.Close()

	client := NewClient(mockServer.URL, "test@example.com", WithRateLimit(100))

	results, err := client.Search(context.Background(), "test", SearchOptions{})
	if err != nil {
		t.Fatalf("expected success after retry, got %v", err)
	}
	if len(results) != 1 {
		t.Errorf("expected 1 result, got %d", len(results))
	}
	if atomic.LoadInt32(&attempts) != 2 {
		t.Errorf("expected 2 attempts, got %d", attempts)
	}
}

func TestClient_NoRetries(t *testing.T) {
	var attempts int32
	mockServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer mockServer.Close()

	client := NewClient(mockServer.URL, "test@example.com", WithRateLimit(100), WithMaxRetries(0))

	_, err := client.Search(context.Background(), "test", SearchOptions{})
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "429") {
		t.Errorf("expected rate limit error, got %v", err)
	}
	if atomic.LoadInt32(&attempts) != 1 {
		t.Errorf("expected a single attempt, got %d", attempts)
	}
}

func TestClient_ClientErrorNotRetried(t *testing.T) {
	var attempts int32
	mockServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer mockServer.Close()

	client := NewClient(mockServer.URL, "test@example.com", WithRateLimit(100))

	if _, err := client.Search(context.Background(), "test", SearchOptions{}); err == nil {
		t.Fatal("expected error for 403")
	}
	if atomic.LoadInt32(&attempts) != 1 {
		t.Errorf("expected 1 attempt, got %d", attempts)
	}
}
