// Package clock abstracts wall time and timers so debounce and retry logic can
// be driven deterministically in tests.
package clock

import "time"

type Timer interface {
	// Stop prevents the timer from firing. It reports whether the call stopped
	// the timer, false if it had already fired or been stopped.
	Stop() bool
}

type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct{}

// Real returns a Clock backed by the time package.
func Real() Clock {
	return realClock{}
}

func (realClock) Now() time.Time {
	return time.Now().UTC()
}

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
