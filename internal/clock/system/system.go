// Package system supplies the wall-clock time source.
package system

import "time"

// Clock satisfies broker.Clock by reading the system clock in UTC.
type Clock struct{}

// New returns a Clock.
func New() *Clock {
	return &Clock{}
}

// Now reports the current UTC time.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}
