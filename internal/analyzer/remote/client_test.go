package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zeroveil/realtime-core/internal/analyzer"
)

// TestAnalyzeReportsCheckpointsAndResult runs a full round trip against a
// stub backend and checks the progress milestones bracket the call.
func TestAnalyzeReportsCheckpointsAndResult(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/api/analyze", r.URL.Path)

		var req analyzeRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "alice", req.Username)
		require.Equal(t, "alice/portfolio", req.Repository)
		require.Equal(t, "job-1", req.JobID)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"languages":["go"],"score":7}`))
	}))
	defer srv.Close()

	client, err := New(Config{BaseURL: srv.URL})
	require.NoError(t, err)

	rec := newProgressRecorder()
	result, err := client.Analyze(context.Background(), analyzer.Request{
		JobID:    "job-1",
		Username: "alice",
		Repo:     "alice/portfolio",
	}, rec.observe)
	require.NoError(t, err)

	doc, ok := result.(map[string]any)
	require.True(t, ok)
	require.InDelta(t, 7, doc["score"].(float64), 0)

	require.Equal(t, []float64{checkpointSubmit, checkpointRunning, checkpointParsing}, rec.Values())
}

// TestAnalyzeRejectsNon200 surfaces backend failures as errors.
func TestAnalyzeRejectsNon200(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	client, err := New(Config{BaseURL: srv.URL})
	require.NoError(t, err)

	_, err = client.Analyze(context.Background(), analyzer.Request{
		JobID:    "job-1",
		Username: "alice",
		Repo:     "alice/portfolio",
	}, nil)
	require.ErrorContains(t, err, "status 502")
}

// TestPing checks the health probe against both outcomes.
func TestPing(t *testing.T) {
	t.Parallel()

	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/health", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer healthy.Close()

	client, err := New(Config{BaseURL: healthy.URL})
	require.NoError(t, err)
	require.NoError(t, client.Ping(context.Background()))

	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer down.Close()

	client, err = New(Config{BaseURL: down.URL})
	require.NoError(t, err)
	require.ErrorContains(t, client.Ping(context.Background()), "status 503")
}

// TestNewRequiresBaseURL rejects an empty backend address.
func TestNewRequiresBaseURL(t *testing.T) {
	t.Parallel()

	_, err := New(Config{})
	require.Error(t, err)
}

type progressRecorder struct {
	mu     sync.Mutex
	values []float64
}

func newProgressRecorder() *progressRecorder {
	return &progressRecorder{}
}

func (r *progressRecorder) observe(_ string, progress float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.values = append(r.values, progress)
}

func (r *progressRecorder) Values() []float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]float64, len(r.values))
	copy(out, r.values)
	return out
}
