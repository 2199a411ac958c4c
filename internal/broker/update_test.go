package broker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestMergeRetainsUnsetFields verifies a partial update only overwrites the
// fields it carries.
func TestMergeRetainsUnsetFields(t *testing.T) {
	t.Parallel()

	t0 := time.Unix(1700000000, 0).UTC()
	st := Merge(State{}, "job-1", StatusAt("validating request", 5), t0)
	require.Equal(t, "job-1", st.JobID)
	require.Equal(t, "validating request", st.Status)
	require.InDelta(t, 5, st.Progress, 0)

	t1 := t0.Add(time.Second)
	st = Merge(st, "job-1", Update{Progress: ptr(40.0)}, t1)
	require.Equal(t, "validating request", st.Status, "status must survive a progress-only update")
	require.InDelta(t, 40, st.Progress, 0)
	require.Equal(t, t1, st.UpdatedAt)
}

// TestMergeIsIdempotent checks applying the same update twice yields the same
// state.
func TestMergeIsIdempotent(t *testing.T) {
	t.Parallel()

	at := time.Unix(1700000000, 0).UTC()
	u := StatusAt("resolving user", 10)
	once := Merge(State{}, "job-1", u, at)
	twice := Merge(once, "job-1", u, at)
	require.Equal(t, once, twice)
}

// TestMergeClampsProgress keeps progress inside the 0-100 band.
func TestMergeClampsProgress(t *testing.T) {
	t.Parallel()

	at := time.Now().UTC()
	st := Merge(State{}, "job-1", Update{Progress: ptr(150.0)}, at)
	require.InDelta(t, 100, st.Progress, 0)

	st = Merge(st, "job-1", Update{Progress: ptr(-3.0)}, at)
	require.InDelta(t, 0, st.Progress, 0)
}

// TestFailedKeepsLastProgress ensures a failure frame does not move the
// progress value, so observers keep the last checkpoint.
func TestFailedKeepsLastProgress(t *testing.T) {
	t.Parallel()

	at := time.Now().UTC()
	st := Merge(State{}, "job-1", StatusAt("validating request", 5), at)
	st = Merge(st, "job-1", Failed("repository must be in owner/name form"), at.Add(time.Second))

	require.True(t, st.Complete)
	require.Equal(t, "repository must be in owner/name form", st.Error)
	require.InDelta(t, 5, st.Progress, 0)
}

// TestSucceededCarriesResult checks the terminal success frame.
func TestSucceededCarriesResult(t *testing.T) {
	t.Parallel()

	at := time.Now().UTC()
	st := Merge(State{}, "job-1", Succeeded("complete", map[string]any{"score": 7}), at)
	require.True(t, st.Complete)
	require.InDelta(t, 100, st.Progress, 0)
	require.Equal(t, "complete", st.Status)
	require.NotNil(t, st.Result)
	require.Empty(t, st.Error)
}

func ptr[T any](v T) *T { return &v }
