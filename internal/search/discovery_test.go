package search

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discoverPage(segmentID string) string {
	return fmt.Sprintf(`<html><head></head><body>
<script id="__NEXT_DATA__" type="application/json">{"props":{"pageProps":{"initialState":{"category":{"name":"x","segmentId":%q}}}}}</script>
</body></html>`, segmentID)
}

type fakeRenderer struct {
	html  string
	calls []string
}

func (f *fakeRenderer) Render(_ context.Context, pageURL string) (string, error) {
	f.calls = append(f.calls, pageURL)
	return f.html, nil
}

func TestDiscoverer_Discover(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/discover/concerts", func(w http.ResponseWriter, r *http.Request) {
		_, _ = fmt.Fprint(w, discoverPage("KZnewMusicId"))
	})
	mux.HandleFunc("/discover/sports", func(w http.ResponseWriter, r *http.Request) {
		_, _ = fmt.Fprint(w, discoverPage("KZFzniwnSyZfZ7v7nE"))
	})
	mux.HandleFunc("/discover/arts-theater", func(w http.ResponseWriter, r *http.Request) {
		_, _ = fmt.Fprint(w, `<html><body>no payload</body></html>`)
	})
	mux.HandleFunc("/discover/family", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	renderer := &fakeRenderer{html: discoverPage("KZrenderedFamily")}
	d := NewDiscoverer(server.URL, "", zerolog.Nop(), WithDiscoveryDelay(time.Millisecond), WithRenderer(renderer))

	segments, err := d.Discover(context.Background())
	require.NoError(t, err)
	require.Len(t, segments, len(DefaultSegments))

	byslug := map[string]string{}
	for _, s := range segments {
		byslug[s.Slug] = s.ID
	}
	assert.Equal(t, "KZnewMusicId", byslug["concerts"])
	assert.Equal(t, "KZFzniwnSyZfZ7v7nE", byslug["sports"])
	assert.Equal(t, "KZFzniwnSyZfZ7v7na", byslug["arts-theater"], "static fallback")
	assert.Equal(t, "KZrenderedFamily", byslug["family"])
	assert.Equal(t, []string{server.URL + "/discover/family"}, renderer.calls)
}

func TestDiscoverer_RenderRespectsRobots(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/robots.txt", func(w http.ResponseWriter, r *http.Request) {
		_, _ = fmt.Fprint(w, "User-agent: *\nDisallow: /discover/\n")
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	renderer := &fakeRenderer{html: discoverPage("KZnope")}
	d := NewDiscoverer(server.URL, "", zerolog.Nop(), WithDiscoveryDelay(time.Millisecond), WithRenderer(renderer))

	segments, err := d.Discover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, DefaultSegments, segments)
	assert.Empty(t, renderer.calls)
}

func TestRobotsAllowed(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/robots.txt", func(w http.ResponseWriter, r *http.Request) {
		_, _ = fmt.Fprint(w, "User-agent: *\nDisallow: /private\n")
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	ok, err := RobotsAllowed(context.Background(), server.Client(), server.URL+"/discover/concerts", "test-agent")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = RobotsAllowed(context.Background(), server.Client(), server.URL+"/private/page", "test-agent")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSegmentIDFromNextData(t *testing.T) {
	assert.Equal(t, "abc", segmentIDFromNextData(`{"a":[{"b":{"classificationId":"abc"}}]}`))
	assert.Equal(t, "", segmentIDFromNextData(`not json`))
	assert.Equal(t, "", segmentIDFromNextData(``))
}

func TestSegmentIDFromNextData_StableWithManyIDs(t *testing.T) {
	payload := `{"props":{"pageProps":{
		"nav":[{"segmentId":"KZOTHER1"},{"segmentId":"KZOTHER2"}],
		"related":{"links":[{"segmentId":"KZFzniwnSyZfZ7v7nJ"}]},
		"segment":{"segmentId":"KZFzniwnSyZfZ7v7nE","name":"Music"}
	}}}`

	seen := map[string]int{}
	for i := 0; i < 200; i++ {
		seen[segmentIDFromNextData(payload)]++
	}
	assert.Equal(t, map[string]int{"KZFzniwnSyZfZ7v7nE": 200}, seen)
}
