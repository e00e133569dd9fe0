package metrics

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/riverqueue/river/rivertype"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPMiddleware_UsesRoutePattern(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/runs/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	handler := HTTPMiddleware(mux)

	before := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("GET", "/api/v1/runs/{id}", "418"))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/runs/01ABC", nil))

	assert.Equal(t, http.StatusTeapot, rec.Code)
	after := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("GET", "/api/v1/runs/{id}", "418"))
	assert.Equal(t, before+1, after)
}

func TestHandler_ExposesRegistry(t *testing.T) {
	CrawlItemsTotal.Add(3)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "harvester_crawl_items_total"))
}

func TestRecordQuery(t *testing.T) {
	before := testutil.ToFloat64(DBErrors.WithLabelValues("test_op", "timeout"))
	RecordQuery("test_op", time.Now(), context.DeadlineExceeded)
	RecordQuery("test_op", time.Now(), nil)
	assert.Equal(t, before+1, testutil.ToFloat64(DBErrors.WithLabelValues("test_op", "timeout")))

	RecordQuery("test_op", time.Now(), errors.New("boom"))
	assert.Equal(t, float64(1), testutil.ToFloat64(DBErrors.WithLabelValues("test_op", "query_error")))
}

func TestPoolCollector_NilPool(t *testing.T) {
	c := NewPoolCollector(nil)
	assert.Equal(t, 0, testutil.CollectAndCount(c))
}

func TestRiverMetricsHook(t *testing.T) {
	hook := NewRiverMetricsHook()
	job := &rivertype.JobRow{ID: 42, Kind: "import_run", Queue: "imports"}

	require.NoError(t, hook.WorkBegin(context.Background(), job))
	assert.Equal(t, float64(1), testutil.ToFloat64(RiverJobsInFlight.WithLabelValues("import_run", "imports")))

	require.NoError(t, hook.WorkEnd(context.Background(), job, errors.New("failed")))
	assert.Equal(t, float64(0), testutil.ToFloat64(RiverJobsInFlight.WithLabelValues("import_run", "imports")))
	assert.Equal(t, float64(1), testutil.ToFloat64(RiverJobsCompleted.WithLabelValues("import_run", "imports", "error")))
	assert.Empty(t, hook.startTime)
}
