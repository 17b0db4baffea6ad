package transport

import "time"

// Retryer decides whether and when another push attempt is made.
type Retryer interface {
	// NextDelay returns the delay before the next attempt. attempt is the 0-based index of the
	// attempt that just failed.
	NextDelay(attempt int, lastErr error) (time.Duration, bool)
}

// LinearRetryer waits Delay*n after the nth failed attempt, for at most MaxAttempts attempts in total.
type LinearRetryer struct {
	Delay       time.Duration
	MaxAttempts int
}

// NewLinearRetryer creates a LinearRetryer.
func NewLinearRetryer(delay time.Duration, maxAttempts int) *LinearRetryer {
	return &LinearRetryer{Delay: delay, MaxAttempts: maxAttempts}
}

// NextDelay implements Retryer
func (r *LinearRetryer) NextDelay(attempt int, lastErr error) (time.Duration, bool) {
	if attempt+1 >= r.MaxAttempts {
		return 0, false
	}
	return r.Delay * time.Duration(attempt+1), true
}

var _ Retryer = (*LinearRetryer)(nil)
