// Package postgres provides a Postgres-backed broker store for deployments
// where multiple instances must observe the same job states.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/zeroveil/realtime-core/internal/broker"
)

type pool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements broker.Store against a job_states table:
//
//	CREATE TABLE job_states (
//	    job_id     TEXT PRIMARY KEY,
//	    status     TEXT NOT NULL DEFAULT '',
//	    progress   DOUBLE PRECISION NOT NULL DEFAULT 0,
//	    complete   BOOLEAN NOT NULL DEFAULT FALSE,
//	    error      TEXT NOT NULL DEFAULT '',
//	    result     JSONB,
//	    updated_at TIMESTAMPTZ NOT NULL
//	);
type Store struct {
	pool pool
}

// NewWithPool constructs a Store over an existing pool. The caller owns the
// pool's lifecycle; in production it is shared with the user resolver.
func NewWithPool(p pool) (*Store, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Store{pool: p}, nil
}

// Apply merges u into the stored row for jobID inside a transaction so the
// read-merge-write cycle is atomic across instances.
func (s *Store) Apply(ctx context.Context, jobID string, u broker.Update, at time.Time) (broker.State, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return broker.State{}, fmt.Errorf("begin apply tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	prev, _, err := scanState(tx.QueryRow(ctx, selectForUpdateSQL, jobID))
	if err != nil {
		return broker.State{}, err
	}
	next := broker.Merge(prev, jobID, u, at)

	resultJSON, err := marshalResult(next.Result)
	if err != nil {
		return broker.State{}, err
	}
	if _, err := tx.Exec(ctx, upsertSQL,
		next.JobID,
		next.Status,
		next.Progress,
		next.Complete,
		next.Error,
		resultJSON,
		next.UpdatedAt,
	); err != nil {
		return broker.State{}, fmt.Errorf("upsert job state: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return broker.State{}, fmt.Errorf("commit apply tx: %w", err)
	}
	return next, nil
}

// Get returns the stored state for jobID.
func (s *Store) Get(ctx context.Context, jobID string) (broker.State, bool, error) {
	return scanState(s.pool.QueryRow(ctx, selectSQL, jobID))
}

// Delete removes the row for jobID.
func (s *Store) Delete(ctx context.Context, jobID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM job_states WHERE job_id = $1;`, jobID); err != nil {
		return fmt.Errorf("delete job state: %w", err)
	}
	return nil
}

// List returns states ordered by most recent update.
func (s *Store) List(ctx context.Context, limit, offset int) ([]broker.State, error) {
	rows, err := s.pool.Query(ctx, listSQL, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list job states: %w", err)
	}
	defer rows.Close()

	var out []broker.State
	for rows.Next() {
		st, _, err := scanState(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate job states: %w", err)
	}
	return out, nil
}

// CompletedBefore returns ids of completed jobs last updated before cutoff.
func (s *Store) CompletedBefore(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT job_id FROM job_states WHERE complete AND updated_at < $1;`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("scan completed jobs: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan job id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate job ids: %w", err)
	}
	return ids, nil
}

// Ping verifies connectivity for readiness checks.
func (s *Store) Ping(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `SELECT 1;`); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

const (
	stateColumns = `job_id, status, progress, complete, error, result, updated_at`

	selectSQL          = `SELECT ` + stateColumns + ` FROM job_states WHERE job_id = $1;`
	selectForUpdateSQL = `SELECT ` + stateColumns + ` FROM job_states WHERE job_id = $1 FOR UPDATE;`
	listSQL            = `SELECT ` + stateColumns + ` FROM job_states ORDER BY updated_at DESC LIMIT $1 OFFSET $2;`

	upsertSQL = `
		INSERT INTO job_states (job_id, status, progress, complete, error, result, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (job_id) DO UPDATE SET
			status = EXCLUDED.status,
			progress = EXCLUDED.progress,
			complete = EXCLUDED.complete,
			error = EXCLUDED.error,
			result = EXCLUDED.result,
			updated_at = EXCLUDED.updated_at;
	`
)

type rowScanner interface {
	Scan(dest ...any) error
}

func scanState(row rowScanner) (broker.State, bool, error) {
	var (
		st         broker.State
		resultJSON []byte
	)
	err := row.Scan(
		&st.JobID,
		&st.Status,
		&st.Progress,
		&st.Complete,
		&st.Error,
		&resultJSON,
		&st.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return broker.State{}, false, nil
	}
	if err != nil {
		return broker.State{}, false, fmt.Errorf("scan job state: %w", err)
	}
	if len(resultJSON) > 0 {
		var result any
		if err := json.Unmarshal(resultJSON, &result); err != nil {
			return broker.State{}, false, fmt.Errorf("decode result column: %w", err)
		}
		st.Result = result
	}
	return st, true, nil
}

func marshalResult(result any) ([]byte, error) {
	if result == nil {
		return nil, nil
	}
	data, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("encode result column: %w", err)
	}
	return data, nil
}
