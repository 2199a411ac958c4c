// Package memory provides the default in-memory broker store.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/zeroveil/realtime-core/internal/broker"
)

// Store keeps merged job states in a process-local map. It is safe for
// concurrent use and is the default backend for single-instance deployments.
type Store struct {
	mu     sync.RWMutex
	states map[string]broker.State
}

// New constructs an empty Store.
func New() *Store {
	return &Store{states: make(map[string]broker.State)}
}

// Apply merges u into the stored state for jobID and returns the result.
func (s *Store) Apply(_ context.Context, jobID string, u broker.Update, at time.Time) (broker.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := broker.Merge(s.states[jobID], jobID, u, at)
	s.states[jobID] = next
	return next, nil
}

// Get returns the cached state for jobID.
func (s *Store) Get(_ context.Context, jobID string) (broker.State, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.states[jobID]
	return st, ok, nil
}

// Delete removes the state for jobID.
func (s *Store) Delete(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, jobID)
	return nil
}

// List returns states ordered by most recent update.
func (s *Store) List(_ context.Context, limit, offset int) ([]broker.State, error) {
	s.mu.RLock()
	all := make([]broker.State, 0, len(s.states))
	for _, st := range s.states {
		all = append(all, st)
	}
	s.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		return all[i].UpdatedAt.After(all[j].UpdatedAt)
	})
	if offset >= len(all) {
		return nil, nil
	}
	all = all[offset:]
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	return all, nil
}

// Ping always succeeds; the process-local map has nothing to reach.
func (s *Store) Ping(context.Context) error {
	return nil
}

// CompletedBefore returns ids of completed jobs last updated before cutoff.
func (s *Store) CompletedBefore(_ context.Context, cutoff time.Time) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []string
	for id, st := range s.states {
		if st.Complete && st.UpdatedAt.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}
