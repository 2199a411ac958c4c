// Package publisher declares the terminal-result notification dependency.
package publisher

import "context"

// Publisher delivers a payload to a named topic and returns the message id.
// Implementations must honor ctx deadlines; callers treat failures as
// best-effort and never fail the job over them.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Noop discards every publish. It is the default when no broker is configured.
type Noop struct{}

// Publish returns an empty id without doing anything.
func (Noop) Publish(context.Context, string, any) (string, error) {
	return "", nil
}
