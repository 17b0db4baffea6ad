// Package timertest provides a manually advanced timer.Scheduler.
package timertest

import (
	"sort"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/nestlog/internal/timer"
)

// Scheduler is a fake timer.Scheduler. Callbacks run synchronously inside Advance, in due order.
// Sleep never blocks; it records the requested delay and advances the fake clock.
type Scheduler struct {
	mu      sync.Mutex
	now     time.Duration
	nextSeq int64
	timers  map[int64]*fakeTimer
	sleeps  []time.Duration
}

type fakeTimer struct {
	scheduler *Scheduler
	seq       int64
	due       time.Duration
	delay     time.Duration
	callback  func()
}

// New constructs an empty fake scheduler at offset zero.
func New() *Scheduler {
	return &Scheduler{timers: make(map[int64]*fakeTimer)}
}

var _ timer.Scheduler = (*Scheduler)(nil)

// AfterFunc registers callback to run once the fake clock has advanced by delay.
func (s *Scheduler) AfterFunc(delay time.Duration, callback func()) timer.Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSeq++
	t := &fakeTimer{
		scheduler: s,
		seq:       s.nextSeq,
		due:       s.now + delay,
		delay:     delay,
		callback:  callback,
	}
	s.timers[t.seq] = t
	return t
}

// Sleep records the delay and returns immediately unless done is already closed.
func (s *Scheduler) Sleep(done <-chan struct{}, delay time.Duration) bool {
	select {
	case <-done:
		return false
	default:
	}
	s.mu.Lock()
	s.sleeps = append(s.sleeps, delay)
	s.now += delay
	s.mu.Unlock()
	return true
}

func (t *fakeTimer) Stop() bool {
	t.scheduler.mu.Lock()
	defer t.scheduler.mu.Unlock()
	if _, ok := t.scheduler.timers[t.seq]; !ok {
		return false
	}
	delete(t.scheduler.timers, t.seq)
	return true
}

// Advance moves the fake clock forward and fires every timer that became due, including timers
// scheduled by callbacks fired during this call.
func (s *Scheduler) Advance(delta time.Duration) {
	s.mu.Lock()
	target := s.now + delta
	s.mu.Unlock()
	for {
		s.mu.Lock()
		next := s.nextDueLocked(target)
		if next == nil {
			s.now = target
			s.mu.Unlock()
			return
		}
		delete(s.timers, next.seq)
		s.now = next.due
		s.mu.Unlock()
		next.callback()
	}
}

func (s *Scheduler) nextDueLocked(limit time.Duration) *fakeTimer {
	var candidates []*fakeTimer
	for _, t := range s.timers {
		if t.due <= limit {
			candidates = append(candidates, t)
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].due == candidates[j].due {
			return candidates[i].seq < candidates[j].seq
		}
		return candidates[i].due < candidates[j].due
	})
	return candidates[0]
}

// Pending reports the number of timers that have not fired or been stopped.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// PendingDelays returns the original delays of the outstanding timers in registration order.
func (s *Scheduler) PendingDelays() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	ordered := make([]*fakeTimer, 0, len(s.timers))
	for _, t := range s.timers {
		ordered = append(ordered, t)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].seq < ordered[j].seq })
	delays := make([]time.Duration, 0, len(ordered))
	for _, t := range ordered {
		delays = append(delays, t.delay)
	}
	return delays
}

// Sleeps returns every delay passed to Sleep so far.
func (s *Scheduler) Sleeps() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.sleeps...)
}
