// Package clock lets timer-driven code (idle detection, heartbeats,
// throttles, reconnect backoff) run against a fake clock in tests.
package clock

import "time"

// Clock is the subset of the time package the engine depends on
type Clock interface {
	Now() time.Time

	// AfterFunc calls f once d has elapsed. The fake clock calls f
	// synchronously from Advance.
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a pending AfterFunc call
type Timer interface {
	// Stop reports whether the call was cancelled before it fired.
	Stop() bool
}

// Real returns the wall clock
func Real() Clock {
	return realClock{}
}

type realClock struct{}

func (realClock) Now() time.Time {
	return time.Now()
}

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
