// Package timer abstracts delayed callbacks so debounce, reconnect and retry timing can be driven
// deterministically in tests.
package timer

import "time"

// Timer is a pending callback that can be cancelled.
type Timer interface {
	// Stop cancels the callback. It reports whether the call stopped the timer before it fired.
	Stop() bool
}

// Scheduler runs callbacks after a delay.
type Scheduler interface {
	AfterFunc(delay time.Duration, callback func()) Timer
	// Sleep blocks for the delay or until done is closed, whichever comes first.
	// It reports false when done was closed first.
	Sleep(done <-chan struct{}, delay time.Duration) bool
}

type realScheduler struct{}

// Real returns a Scheduler backed by the runtime timers.
func Real() Scheduler {
	return realScheduler{}
}

func (realScheduler) AfterFunc(delay time.Duration, callback func()) Timer {
	return time.AfterFunc(delay, callback)
}

func (realScheduler) Sleep(done <-chan struct{}, delay time.Duration) bool {
	if delay <= 0 {
		return true
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-done:
		return false
	}
}

// OrReal returns scheduler, or the real scheduler when scheduler is nil.
func OrReal(scheduler Scheduler) Scheduler {
	if scheduler == nil {
		return Real()
	}
	return scheduler
}
