package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/Togather-Foundation/harvester/internal/auth"
	"github.com/Togather-Foundation/harvester/internal/config"
	"github.com/Togather-Foundation/harvester/internal/ingest"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "router-test-secret-router-test-secret"

type stubImporter struct {
	calls int
}

func (s *stubImporter) Import(_ context.Context, req ingest.Request) (*ingest.BatchResult, error) {
	s.calls++
	return &ingest.BatchResult{Action: req.Action}, nil
}

func newTestServer(t *testing.T, secret string) (*httptest.Server, *stubImporter) {
	t.Helper()
	importer := &stubImporter{}
	cfg := config.Config{Environment: "test", Server: config.ServerConfig{TriggerSecret: secret}}
	server := httptest.NewServer(NewRouter(RouterDeps{
		Config:    cfg,
		Logger:    zerolog.Nop(),
		Importer:  importer,
		Version:   "1.2.3",
		GitCommit: "abc123",
	}))
	t.Cleanup(server.Close)
	return server, importer
}

func do(t *testing.T, method, url, token, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestRouter_Probes(t *testing.T) {
	server, _ := newTestServer(t, testSecret)

	resp := do(t, http.MethodGet, server.URL+"/healthz", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	resp = do(t, http.MethodGet, server.URL+"/readyz", "", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode, "no database")

	resp = do(t, http.MethodGet, server.URL+"/metrics", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), "harvester_http_requests_total")
}

func TestRouter_Version(t *testing.T) {
	server, _ := newTestServer(t, testSecret)

	resp := do(t, http.MethodGet, server.URL+"/version", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var v versionResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	assert.Equal(t, "1.2.3", v.Version)
	assert.Equal(t, "abc123", v.GitCommit)
	assert.Equal(t, "unknown", v.BuildDate)
	assert.Equal(t, runtime.Version(), v.GoVersion)

	resp = do(t, http.MethodPost, server.URL+"/version", "", "")
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestRouter_TriggerRequiresToken(t *testing.T) {
	server, importer := newTestServer(t, testSecret)
	tokens := auth.NewTriggerTokens(testSecret, time.Hour)
	readOnly, err := tokens.Issue("dashboard", auth.ScopeRead)
	require.NoError(t, err)
	full, err := tokens.Issue("scheduler")
	require.NoError(t, err)

	resp := do(t, http.MethodPost, server.URL+"/api/v1/imports", "", `{"action":"latest"}`)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = do(t, http.MethodPost, server.URL+"/api/v1/imports", readOnly, `{"action":"latest"}`)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Zero(t, importer.calls)

	resp = do(t, http.MethodPost, server.URL+"/api/v1/imports", full, `{"action":"latest"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, importer.calls)

	resp = do(t, http.MethodGet, server.URL+"/api/v1/runs", readOnly, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = do(t, http.MethodGet, server.URL+"/api/v1/imports", readOnly, "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode, "no import log wired")

	resp = do(t, http.MethodGet, server.URL+"/api/v1/events/tm_1", "", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestRouter_TriggerDisabledWithoutSecret(t *testing.T) {
	server, importer := newTestServer(t, "")
	token, err := auth.NewTriggerTokens("anything", time.Hour).Issue("ops")
	require.NoError(t, err)

	resp := do(t, http.MethodPost, server.URL+"/api/v1/imports", token, `{"action":"latest"}`)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Zero(t, importer.calls)
}
