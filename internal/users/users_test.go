package users

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestStaticResolver looks ids up in the fixed map.
func TestStaticResolver(t *testing.T) {
	t.Parallel()

	r := Static{"alice": "u-1"}
	id, err := r.ResolveUser(context.Background(), "alice")
	require.NoError(t, err)
	require.Equal(t, "u-1", id)

	_, err = r.ResolveUser(context.Background(), "bob")
	require.ErrorIs(t, err, ErrNotFound)
}

// TestIdentityResolver echoes the username back.
func TestIdentityResolver(t *testing.T) {
	t.Parallel()

	id, err := Identity{}.ResolveUser(context.Background(), "alice")
	require.NoError(t, err)
	require.Equal(t, "alice", id)
}
