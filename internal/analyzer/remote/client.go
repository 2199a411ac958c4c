// Package remote implements analyzer.Runner against the HTTP analysis backend.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/zeroveil/realtime-core/internal/analyzer"
)

// Progress checkpoints reported around the backend call. The backend itself
// does not stream, so the client brackets the request with coarse milestones
// in the 15-95 band owned by the runner.
const (
	checkpointSubmit  = 20.0
	checkpointRunning = 40.0
	checkpointParsing = 90.0
)

// Config controls the backend connection.
type Config struct {
	// BaseURL is the analyzer service root, e.g. http://localhost:8000.
	BaseURL string
	// Timeout bounds one full Analyze round trip (default 2m).
	Timeout time.Duration
	// Logger is optional.
	Logger *zap.Logger
}

// Client calls the repository-analysis service over JSON/HTTP.
type Client struct {
	base   string
	http   *http.Client
	logger *zap.Logger
}

// New constructs a Client for the configured backend.
func New(cfg Config) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("analyzer.base_url is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		base:   base,
		http:   &http.Client{Timeout: timeout},
		logger: logger,
	}, nil
}

type analyzeRequest struct {
	Username   string `json:"username"`
	Repository string `json:"repository"`
	JobID      string `json:"job_id,omitempty"`
}

// Analyze submits the repository to the backend and returns the decoded
// analysis document. Progress is reported before the request, while it is in
// flight, and before decoding the response body.
func (c *Client) Analyze(ctx context.Context, req analyzer.Request, progress analyzer.ProgressFunc) (any, error) {
	if progress == nil {
		progress = func(string, float64) {}
	}
	progress("Contacting analyzer service", checkpointSubmit)

	body, err := json.Marshal(analyzeRequest{
		Username:   req.Username,
		Repository: req.Repo,
		JobID:      req.JobID,
	})
	if err != nil {
		return nil, fmt.Errorf("encode analyze request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/api/analyze", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build analyze request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	progress("Analyzing repository", checkpointRunning)
	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("call analyzer: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	c.logger.Debug("analyzer responded",
		zap.String("job_id", req.JobID),
		zap.Int("status", resp.StatusCode),
		zap.Duration("dur", time.Since(start)),
	)

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("analyzer returned status %d", resp.StatusCode)
	}

	progress("Processing analysis results", checkpointParsing)
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read analyzer response: %w", err)
	}
	var result any
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("decode analyzer response: %w", err)
	}
	return result, nil
}

// Ping checks the backend health endpoint within the ctx deadline.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/health", nil)
	if err != nil {
		return fmt.Errorf("build health request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("analyzer health check: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("analyzer health returned status %d", resp.StatusCode)
	}
	return nil
}
