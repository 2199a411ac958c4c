package broker

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound signals that no state exists for the requested job.
var ErrNotFound = errors.New("job state not found")

// Store persists merged job states. Implementations must keep Apply atomic
// with respect to Get for the same job; the Broker serializes calls per job,
// so cross-job locking is the implementation's only concern.
type Store interface {
	// Apply merges u into the stored state for jobID (creating it if absent)
	// and returns the merged state.
	Apply(ctx context.Context, jobID string, u Update, at time.Time) (State, error)
	// Get returns the cached state without side effects.
	Get(ctx context.Context, jobID string) (State, bool, error)
	// Delete removes the state for jobID. Missing states are not an error.
	Delete(ctx context.Context, jobID string) error
	// List returns known states ordered by most recent update.
	List(ctx context.Context, limit, offset int) ([]State, error)
	// CompletedBefore returns ids of completed jobs last updated before cutoff.
	CompletedBefore(ctx context.Context, cutoff time.Time) ([]string, error)
	// Ping verifies the store is reachable, for readiness checks.
	Ping(ctx context.Context) error
}
