package broker

import "time"

// Update is one partial progress report for a job. Any subset of fields may
// be set; nil fields leave the stored value untouched when merged.
type Update struct {
	Status   *string
	Progress *float64
	Complete *bool
	Error    *string
	Result   any
}

// State is the canonical merged record for one job: the field-wise merge of
// every Update published for it, later-defined fields winning.
type State struct {
	JobID     string    `json:"job_id"`
	Status    string    `json:"status,omitempty"`
	Progress  float64   `json:"progress"`
	Complete  bool      `json:"complete,omitempty"`
	Error     string    `json:"error,omitempty"`
	Result    any       `json:"result,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Merge applies u on top of prev and returns the new state. Fields not set in
// u retain their previous values; a set field always overwrites, so a merge
// of the same update is idempotent.
func Merge(prev State, jobID string, u Update, at time.Time) State {
	next := prev
	next.JobID = jobID
	next.UpdatedAt = at
	if u.Status != nil {
		next.Status = *u.Status
	}
	if u.Progress != nil {
		next.Progress = clampProgress(*u.Progress)
	}
	if u.Complete != nil {
		next.Complete = *u.Complete
	}
	if u.Error != nil {
		next.Error = *u.Error
	}
	if u.Result != nil {
		next.Result = u.Result
	}
	return next
}

func clampProgress(p float64) float64 {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

// Helpers for building partial updates without pointer boilerplate.

// StatusAt reports a status message together with a progress value.
func StatusAt(status string, progress float64) Update {
	return Update{Status: &status, Progress: &progress}
}

// Failed builds a terminal update carrying an error message. Progress is left
// untouched so the last checkpoint remains visible.
func Failed(msg string) Update {
	done := true
	return Update{Complete: &done, Error: &msg}
}

// Succeeded builds a terminal update carrying the job result.
func Succeeded(status string, result any) Update {
	done := true
	full := 100.0
	return Update{Status: &status, Progress: &full, Complete: &done, Result: result}
}
