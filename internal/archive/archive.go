// Package archive declares terminal-result archival. Large analysis documents
// are written out of band so the broker only ever holds the live copy.
package archive

import "context"

// Provider stores a terminal job result and returns its location URI.
type Provider interface {
	Archive(ctx context.Context, jobID string, result any) (string, error)
}

// Noop discards results; the default when no bucket is configured.
type Noop struct{}

// Archive returns an empty URI without storing anything.
func (Noop) Archive(context.Context, string, any) (string, error) {
	return "", nil
}
