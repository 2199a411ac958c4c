package postgres

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/zeroveil/realtime-core/internal/users"
)

// TestResolverReturnsAccountID queries the users table by username.
func TestResolverReturnsAccountID(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	r, err := New(mock)
	require.NoError(t, err)

	mock.ExpectQuery("SELECT id FROM users WHERE username = \\$1").
		WithArgs("alice").
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow("u-1"))

	id, err := r.ResolveUser(context.Background(), "alice")
	require.NoError(t, err)
	require.Equal(t, "u-1", id)
	require.NoError(t, mock.ExpectationsWereMet())
}

// TestResolverMapsMissToNotFound translates pgx.ErrNoRows into the domain
// sentinel.
func TestResolverMapsMissToNotFound(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	r, err := New(mock)
	require.NoError(t, err)

	mock.ExpectQuery("SELECT id FROM users WHERE username = \\$1").
		WithArgs("ghost").
		WillReturnError(pgx.ErrNoRows)

	_, err = r.ResolveUser(context.Background(), "ghost")
	require.ErrorIs(t, err, users.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}
