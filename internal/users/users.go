// Package users declares the identifier-resolution dependency. Implementations
// live in other packages; this package must not import database drivers.
package users

import (
	"context"
	"errors"
)

// ErrNotFound signals that no account exists for the requested username.
var ErrNotFound = errors.New("user not found")

// Resolver maps a public username to the internal account id.
type Resolver interface {
	ResolveUser(ctx context.Context, username string) (string, error)
}

// Static resolves from a fixed map; useful for tests and local development.
type Static map[string]string

// ResolveUser looks username up in the map or returns ErrNotFound.
func (s Static) ResolveUser(_ context.Context, username string) (string, error) {
	id, ok := s[username]
	if !ok {
		return "", ErrNotFound
	}
	return id, nil
}

// Identity echoes the username back as the internal id. It is the fallback
// when no user database is configured.
type Identity struct{}

// ResolveUser returns username unchanged.
func (Identity) ResolveUser(_ context.Context, username string) (string, error) {
	return username, nil
}
