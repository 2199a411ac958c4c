// Package postgres resolves usernames against the platform's users table.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/zeroveil/realtime-core/internal/users"
)

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Resolver implements users.Resolver over a pgx pool.
type Resolver struct {
	db querier
}

// New constructs a Resolver from any pgx-compatible querier.
func New(db querier) (*Resolver, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	return &Resolver{db: db}, nil
}

// ResolveUser returns the account id for username or users.ErrNotFound.
func (r *Resolver) ResolveUser(ctx context.Context, username string) (string, error) {
	var id string
	err := r.db.QueryRow(ctx,
		`SELECT id FROM users WHERE username = $1;`, username).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", users.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("resolve user: %w", err)
	}
	return id, nil
}
