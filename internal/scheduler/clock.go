package scheduler

import "time"

// Clock abstracts time so tests can drive the daily timer.
type Clock interface {
	Now() time.Time
	// After returns a channel that fires after d and a stop function.
	After(d time.Duration) (<-chan time.Time, func())
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) After(d time.Duration) (<-chan time.Time, func()) {
	t := time.NewTimer(d)
	return t.C, func() { t.Stop() }
}
