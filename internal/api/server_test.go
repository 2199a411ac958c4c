package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/zeroveil/realtime-core/internal/analyzer"
	"github.com/zeroveil/realtime-core/internal/broker"
	"github.com/zeroveil/realtime-core/internal/broker/memory"
	"github.com/zeroveil/realtime-core/internal/clock/system"
	"github.com/zeroveil/realtime-core/internal/config"
	"github.com/zeroveil/realtime-core/internal/id/uuid"
	"github.com/zeroveil/realtime-core/internal/session"
	"github.com/zeroveil/realtime-core/internal/users"
)

// TestHealthz answers without auth or dependencies.
func TestHealthz(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, &stubRunner{}, users.Identity{}, testConfig())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer closeBody(t, resp)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

// TestReadyzReportsServices exposes per-dependency booleans and degrades to
// 503 when any leg is down.
func TestReadyzReportsServices(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, &stubRunner{}, users.Identity{}, testConfig())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/readyz")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Status   string          `json:"status"`
		Services map[string]bool `json:"services"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	closeBody(t, resp)
	require.Equal(t, "ready", body.Status)
	require.True(t, body.Services["job_store"])
	require.True(t, body.Services["analyzer"])

	down := newTestServer(t, &stubRunner{pingErr: errors.New("down")}, users.Identity{}, testConfig())
	defer down.Close()

	resp, err = http.Get(down.URL + "/readyz")
	require.NoError(t, err)
	defer closeBody(t, resp)
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, "degraded", body.Status)
	require.True(t, body.Services["job_store"], "store stays up when only the analyzer is down")
	require.False(t, body.Services["analyzer"])
}

// TestRunAnalysisReturnsTerminalState drives the sync endpoint end to end.
func TestRunAnalysisReturnsTerminalState(t *testing.T) {
	t.Parallel()

	runner := &stubRunner{result: map[string]any{"score": 7}}
	srv := newTestServer(t, runner, users.Static{"alice": "u-1"}, testConfig())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/v1/analyses", "application/json",
		strings.NewReader(`{"job_id":"job-1","username":"alice","repository":"alice/portfolio"}`))
	require.NoError(t, err)
	defer closeBody(t, resp)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Job broker.State `json:"job"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, "job-1", body.Job.JobID)
	require.True(t, body.Job.Complete)
	require.InDelta(t, 100, body.Job.Progress, 0)
}

// TestRunAnalysisValidation maps request validation to 400.
func TestRunAnalysisValidation(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, &stubRunner{}, users.Identity{}, testConfig())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/v1/analyses", "application/json",
		strings.NewReader(`{"job_id":"job-1","username":"alice","repository":"not-a-repo"}`))
	require.NoError(t, err)
	defer closeBody(t, resp)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

// TestRunAnalysisUnknownUser maps a resolver miss to 404.
func TestRunAnalysisUnknownUser(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, &stubRunner{}, users.Static{}, testConfig())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/v1/analyses", "application/json",
		strings.NewReader(`{"job_id":"job-1","username":"ghost","repository":"ghost/site"}`))
	require.NoError(t, err)
	defer closeBody(t, resp)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

// TestGetJob polls cached state and 404s on unknown ids.
func TestGetJob(t *testing.T) {
	t.Parallel()

	runner := &stubRunner{result: map[string]any{"score": 7}}
	srv := newTestServer(t, runner, users.Identity{}, testConfig())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/v1/jobs/unknown")
	require.NoError(t, err)
	closeBody(t, resp)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	post, err := http.Post(srv.URL+"/v1/analyses", "application/json",
		strings.NewReader(`{"job_id":"job-1","username":"alice","repository":"alice/portfolio"}`))
	require.NoError(t, err)
	closeBody(t, post)

	resp, err = http.Get(srv.URL + "/v1/jobs/job-1")
	require.NoError(t, err)
	defer closeBody(t, resp)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Job broker.State `json:"job"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.True(t, body.Job.Complete)
}

// TestListJobs returns the known states and rejects bad paging.
func TestListJobs(t *testing.T) {
	t.Parallel()

	runner := &stubRunner{result: map[string]any{"score": 7}}
	srv := newTestServer(t, runner, users.Identity{}, testConfig())
	defer srv.Close()

	post, err := http.Post(srv.URL+"/v1/analyses", "application/json",
		strings.NewReader(`{"job_id":"job-1","username":"alice","repository":"alice/portfolio"}`))
	require.NoError(t, err)
	closeBody(t, post)

	resp, err := http.Get(srv.URL + "/v1/jobs")
	require.NoError(t, err)
	defer closeBody(t, resp)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Jobs []broker.State `json:"jobs"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.Jobs, 1)

	bad, err := http.Get(srv.URL + "/v1/jobs?limit=-1")
	require.NoError(t, err)
	closeBody(t, bad)
	require.Equal(t, http.StatusBadRequest, bad.StatusCode)
}

// TestAnalyzerHealthDegrades maps a failing probe to 503.
func TestAnalyzerHealthDegrades(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, &stubRunner{pingErr: errors.New("down")}, users.Identity{}, testConfig())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/v1/analyzer/health")
	require.NoError(t, err)
	defer closeBody(t, resp)
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

// TestAPIKeyMiddleware guards every route when enabled.
func TestAPIKeyMiddleware(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Auth.Enabled = true
	cfg.Auth.APIKey = "secret"
	srv := newTestServer(t, &stubRunner{}, users.Identity{}, cfg)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/v1/jobs")
	require.NoError(t, err)
	closeBody(t, resp)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/v1/jobs", nil)
	require.NoError(t, err)
	req.Header.Set("X-API-Key", "secret")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer closeBody(t, resp)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func testConfig() config.Config {
	return config.Config{
		Server:    config.ServerConfig{Port: 8080, TimeoutSeconds: 5},
		Streaming: config.StreamingConfig{HeartbeatSeconds: 1, BufferSize: 16},
	}
}

func newTestServer(t *testing.T, runner analyzer.Runner, resolver users.Resolver, cfg config.Config) *httptest.Server {
	t.Helper()
	b := broker.New(memory.New(), broker.Config{Logger: zap.NewNop()})
	t.Cleanup(b.Close)

	sessions, err := session.New(session.Config{
		Broker:   b,
		Runner:   runner,
		Resolver: resolver,
		Logger:   zap.NewNop(),
	})
	require.NoError(t, err)

	s := NewServer(sessions, uuid.NewUUIDGenerator(), system.New(), cfg, zap.NewNop())
	return httptest.NewServer(s.Handler())
}

func closeBody(t *testing.T, resp *http.Response) {
	t.Helper()
	require.NoError(t, resp.Body.Close())
}

type stubRunner struct {
	result  any
	err     error
	pingErr error

	mu    sync.Mutex
	calls int
}

func (r *stubRunner) Analyze(_ context.Context, _ analyzer.Request, progress analyzer.ProgressFunc) (any, error) {
	r.mu.Lock()
	r.calls++
	r.mu.Unlock()
	progress("Analyzing repository", 40)
	return r.result, r.err
}

func (r *stubRunner) Ping(context.Context) error {
	return r.pingErr
}
