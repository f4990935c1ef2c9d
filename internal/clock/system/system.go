// Package system provides the wall clock used outside tests.
package system

import "time"

// Clock implements promotion.Clock. Times are UTC and truncated to
// microseconds so values read back from Postgres compare equal.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time.
func (Clock) Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}
