// Package scheduler owns every keyed, cancelable timer in the process.
package scheduler

import (
	"strings"
	"sync"
	"time"

	"huddle/internal/clock"
)

// Scheduler runs callbacks after a delay, keyed by string. Scheduling an
// existing key replaces the pending timer instead of stacking a second one.
// FUNCTIONAL DISCOVERY: every timer carries a generation number checked at
// fire time, so a timer whose Stop lost the race with its own firing still
// cannot run after it was replaced or canceled.
type Scheduler struct {
	clock clock.Clock

	mu      sync.Mutex
	timers  map[string]*entry
	gen     uint64
	stopped bool
}

type entry struct {
	timer clock.Timer
	gen   uint64
}

// New creates a scheduler on the given clock.
func New(c clock.Clock) *Scheduler {
	return &Scheduler{
		clock:  c,
		timers: make(map[string]*entry),
	}
}

// Schedule arranges for fn to run after d under key, replacing any pending
// timer with the same key. It is a no-op after Stop.
func (s *Scheduler) Schedule(key string, d time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	if old, ok := s.timers[key]; ok {
		old.timer.Stop()
	}
	s.gen++
	gen := s.gen
	e := &entry{gen: gen}
	s.timers[key] = e
	e.timer = s.clock.AfterFunc(d, func() { s.fire(key, gen, fn) })
}

func (s *Scheduler) fire(key string, gen uint64, fn func()) {
	s.mu.Lock()
	e, ok := s.timers[key]
	if !ok || e.gen != gen {
		s.mu.Unlock()
		return
	}
	delete(s.timers, key)
	s.mu.Unlock()
	fn()
}

// Cancel stops the timer under key. It reports whether one was pending.
func (s *Scheduler) Cancel(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.timers[key]
	if !ok {
		return false
	}
	e.timer.Stop()
	delete(s.timers, key)
	return true
}

// CancelPrefix stops every timer whose key starts with prefix and returns
// how many were canceled. Used to drop all timers owned by one identity at once.
func (s *Scheduler) CancelPrefix(prefix string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for key, e := range s.timers {
		if strings.HasPrefix(key, prefix) {
			e.timer.Stop()
			delete(s.timers, key)
			n++
		}
	}
	return n
}

// Pending reports whether a timer is scheduled under key.
func (s *Scheduler) Pending(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.timers[key]
	return ok
}

// Len returns the number of pending timers.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Stop cancels everything and refuses new timers.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	for key, e := range s.timers {
		e.timer.Stop()
		delete(s.timers, key)
	}
}
