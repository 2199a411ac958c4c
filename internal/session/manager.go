// Package session orchestrates analysis runs: it validates the request,
// resolves the user, drives the analyzer, and reports every milestone through
// the progress broker so any number of observers can follow along.
package session

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/zeroveil/realtime-core/internal/analyzer"
	"github.com/zeroveil/realtime-core/internal/archive"
	"github.com/zeroveil/realtime-core/internal/broker"
	"github.com/zeroveil/realtime-core/internal/publisher"
	"github.com/zeroveil/realtime-core/internal/users"
)

// Progress checkpoints owned by the manager. The analyzer owns the range in
// between the handoff and the terminal frame.
const (
	progressValidating = 5
	progressResolving  = 10
	progressStarting   = 15
)

const defaultHealthTimeout = 5 * time.Second

var repoPattern = regexp.MustCompile(`^[A-Za-z0-9_.-]+/[A-Za-z0-9_.-]+$`)

// Config wires the manager's collaborators. Broker, Runner and Resolver are
// required; the rest default to no-ops.
type Config struct {
	Broker   *broker.Broker
	Runner   analyzer.Runner
	Resolver users.Resolver

	Publisher publisher.Publisher
	Archive   archive.Provider
	// Topic names the channel terminal notifications are published to.
	Topic string

	HealthTimeout time.Duration
	Logger        *zap.Logger
}

// Manager runs analysis sessions. Exactly one active run exists per job id;
// concurrent starts for the same job degrade to passive observation.
type Manager struct {
	broker    *broker.Broker
	runner    analyzer.Runner
	resolver  users.Resolver
	publisher publisher.Publisher
	archive   archive.Provider
	topic     string

	healthTimeout time.Duration
	logger        *zap.Logger
}

// New constructs a Manager from cfg.
func New(cfg Config) (*Manager, error) {
	if cfg.Broker == nil {
		return nil, fmt.Errorf("broker is required")
	}
	if cfg.Runner == nil {
		return nil, fmt.Errorf("runner is required")
	}
	if cfg.Resolver == nil {
		return nil, fmt.Errorf("resolver is required")
	}
	if cfg.Publisher == nil {
		cfg.Publisher = publisher.Noop{}
	}
	if cfg.Archive == nil {
		cfg.Archive = archive.Noop{}
	}
	if cfg.HealthTimeout <= 0 {
		cfg.HealthTimeout = defaultHealthTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Manager{
		broker:        cfg.Broker,
		runner:        cfg.Runner,
		resolver:      cfg.Resolver,
		publisher:     cfg.Publisher,
		archive:       cfg.Archive,
		topic:         cfg.Topic,
		healthTimeout: cfg.HealthTimeout,
		logger:        cfg.Logger,
	}, nil
}

// Run executes the analysis for jobID end to end and returns the terminal
// state. Every milestone, including the terminal frame, is published through
// the broker before Run returns. When another run already holds the job's
// execution slot, Run publishes nothing and returns ErrAlreadyRunning.
func (m *Manager) Run(ctx context.Context, jobID, username, repo string) (broker.State, error) {
	if !m.broker.TryAcquire(jobID) {
		return broker.State{}, ErrAlreadyRunning
	}
	defer m.broker.Release(jobID)

	log := m.logger.With(zap.String("job_id", jobID))

	m.publish(ctx, jobID, broker.StatusAt("validating request", progressValidating))
	if err := validateRequest(jobID, username, repo); err != nil {
		log.Info("request rejected", zap.Error(err))
		return m.fail(ctx, jobID, err.Error(), err)
	}

	m.publish(ctx, jobID, broker.StatusAt("resolving user", progressResolving))
	userID, err := m.resolver.ResolveUser(ctx, username)
	if err != nil {
		if errors.Is(err, users.ErrNotFound) {
			nf := &NotFoundError{Msg: fmt.Sprintf("user %q not found", username)}
			log.Info("user not found", zap.String("username", username))
			return m.fail(ctx, jobID, nf.Msg, nf)
		}
		up := &UpstreamError{Msg: "resolve user", Err: err}
		log.Error("user lookup failed", zap.Error(err))
		return m.fail(ctx, jobID, "user lookup failed", up)
	}

	m.publish(ctx, jobID, broker.StatusAt("starting analysis", progressStarting))
	result, err := m.analyze(ctx, analyzer.Request{
		JobID:    jobID,
		UserID:   userID,
		Username: username,
		Repo:     repo,
	})
	if err != nil {
		up := &UpstreamError{Msg: "analysis failed", Err: err}
		log.Error("analysis failed", zap.Error(err))
		return m.fail(ctx, jobID, "analysis failed", up)
	}

	st := m.publish(ctx, jobID, broker.Succeeded("complete", result))
	log.Info("analysis complete")
	m.afterTerminal(jobID, st)
	return st, nil
}

// analyze invokes the runner with progress forwarding. A panicking runner is
// converted into an error so the session still reaches a terminal frame.
func (m *Manager) analyze(ctx context.Context, req analyzer.Request) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("analyzer panicked",
				zap.String("job_id", req.JobID),
				zap.Any("panic", r),
			)
			err = fmt.Errorf("analyzer panicked: %v", r)
		}
	}()
	return m.runner.Analyze(ctx, req, func(status string, progress float64) {
		m.publish(ctx, req.JobID, broker.StatusAt(status, progress))
	})
}

// Attach registers fn for jobID updates, replaying the last known state first.
// The returned function cancels the registration.
func (m *Manager) Attach(ctx context.Context, jobID string, fn func(broker.State)) (func(), error) {
	return m.broker.Attach(ctx, jobID, fn)
}

// Poll returns the last known state for jobID.
func (m *Manager) Poll(ctx context.Context, jobID string) (broker.State, error) {
	st, ok, err := m.broker.GetLast(ctx, jobID)
	if err != nil {
		return broker.State{}, &UpstreamError{Msg: "load job state", Err: err}
	}
	if !ok {
		return broker.State{}, &NotFoundError{Msg: fmt.Sprintf("job %q not found", jobID)}
	}
	return st, nil
}

// List returns known job states, most recent first.
func (m *Manager) List(ctx context.Context, limit, offset int) ([]broker.State, error) {
	return m.broker.List(ctx, limit, offset)
}

// Health probes the analyzer backend within the configured timeout.
func (m *Manager) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, m.healthTimeout)
	defer cancel()
	if err := m.runner.Ping(ctx); err != nil {
		return &UpstreamError{Msg: "analyzer unavailable", Err: err}
	}
	return nil
}

// StoreHealth probes the job state store within the configured timeout.
func (m *Manager) StoreHealth(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, m.healthTimeout)
	defer cancel()
	if err := m.broker.Ping(ctx); err != nil {
		return &UpstreamError{Msg: "job store unavailable", Err: err}
	}
	return nil
}

func (m *Manager) fail(ctx context.Context, jobID, msg string, cause error) (broker.State, error) {
	st := m.publish(ctx, jobID, broker.Failed(msg))
	m.notifyTerminal(jobID, st)
	return st, cause
}

func (m *Manager) publish(ctx context.Context, jobID string, u broker.Update) broker.State {
	st, err := m.broker.Publish(ctx, jobID, u)
	if err != nil {
		m.logger.Error("publish update failed",
			zap.String("job_id", jobID),
			zap.Error(err),
		)
	}
	return st
}

// afterTerminal handles the best-effort side effects of a successful run:
// archiving the result document and notifying downstream consumers. Failures
// are logged and never affect the terminal state.
func (m *Manager) afterTerminal(jobID string, st broker.State) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	uri, err := m.archive.Archive(ctx, jobID, st.Result)
	if err != nil {
		m.logger.Warn("archive result failed", zap.String("job_id", jobID), zap.Error(err))
	} else if uri != "" {
		m.logger.Info("result archived", zap.String("job_id", jobID), zap.String("uri", uri))
	}

	m.notifyTerminal(jobID, st)
}

// terminalNotice is the payload published for every terminal frame, success
// or failure.
type terminalNotice struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// notifyTerminal tells downstream consumers the job reached a terminal state.
// Best effort: a publish failure is logged and never affects the run.
func (m *Manager) notifyTerminal(jobID string, st broker.State) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	status := st.Status
	if st.Error != "" {
		status = "failed"
	}
	notice := terminalNotice{JobID: jobID, Status: status, Error: st.Error}
	if _, err := m.publisher.Publish(ctx, m.topic, notice); err != nil {
		m.logger.Warn("publish terminal notification failed",
			zap.String("job_id", jobID),
			zap.Error(err),
		)
	}
}

func validateRequest(jobID, username, repo string) error {
	if strings.TrimSpace(jobID) == "" {
		return &ValidationError{Msg: "job id is required"}
	}
	if strings.TrimSpace(username) == "" {
		return &ValidationError{Msg: "username is required"}
	}
	if !repoPattern.MatchString(repo) {
		return &ValidationError{Msg: "repository must be in owner/name form"}
	}
	return nil
}
