package scheduler

import "time"

// Clock abstracts timer scheduling and the current time so the status
// pipeline can run deterministically in tests. Implementations must be
// safe for concurrent use.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// SystemClock uses the standard library time functions.
type SystemClock struct{}

// Now returns the current time.
func (SystemClock) Now() time.Time { return time.Now() }

// After waits for the duration to elapse on a real timer.
func (SystemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }
