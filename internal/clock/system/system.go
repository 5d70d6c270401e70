// Package system supplies the wall clock that stamps sync events.
package system

import "time"

// Clock reports UTC time truncated to milliseconds, the precision kept by
// downstream consumers of event timestamps.
type Clock struct{}

// New returns the wall clock.
func New() Clock {
	return Clock{}
}

// Now returns the current time.
func (Clock) Now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

// Fixed always reports the same instant.
type Fixed time.Time

// Now returns the fixed instant.
func (f Fixed) Now() time.Time {
	return time.Time(f)
}
