// Package analyzer declares the repository-analysis dependency consumed by the
// session manager. The actual analysis work runs in an external service; this
// package only defines the contract plus the request/result shapes.
package analyzer

import "context"

// Request carries the inputs for one analysis job.
type Request struct {
	JobID    string
	UserID   string
	Username string
	// Repo is the full repository name in owner/name form.
	Repo string
}

// ProgressFunc reports a human-readable status plus a 0-100 progress value.
type ProgressFunc func(status string, progress float64)

// Runner executes analyses and exposes a liveness probe for the backend.
type Runner interface {
	// Analyze runs the job to completion, invoking progress for every
	// intermediate milestone, and returns the analysis result document.
	Analyze(ctx context.Context, req Request, progress ProgressFunc) (any, error)
	// Ping checks the backend within the deadline carried by ctx.
	Ping(ctx context.Context) error
}
