// Package timer implements the one-shot duty-cycle timer used to schedule
// join retries and uplinks.
package timer

import (
	"sync"
	"time"
)

// Timer defines a one-shot timer. Stop must be idempotent and a
// SetValue / Start after expiry or Stop re-arms the timer.
type Timer interface {
	Init(callback func())
	SetValue(d time.Duration)
	Start()
	Stop()
}

// Soft is a Timer implementation on top of time.AfterFunc. Each Start or Stop
// invalidates a pending expiry, so a callback only fires for the most recent
// Start.
type Soft struct {
	mu       sync.Mutex
	callback func()
	exec     func(func())
	value    time.Duration
	t        *time.Timer
	gen      uint64
	armed    bool
}

// NewSoft creates a new Soft timer. When exec is not nil, expiries are
// handed to exec instead of being run on the timer goroutine. This makes it
// possible to post the callback into an event-loop.
func NewSoft(exec func(func())) *Soft {
	return &Soft{exec: exec}
}

// Init sets the expiry callback.
func (s *Soft) Init(callback func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callback = callback
}

// SetValue sets the timeout used by the next Start.
func (s *Soft) SetValue(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.value = d
}

// Start arms the timer. A pending expiry is replaced.
func (s *Soft) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopLocked()
	s.gen++
	s.armed = true
	gen := s.gen
	s.t = time.AfterFunc(s.value, func() {
		s.expire(gen)
	})
}

// Stop disarms the timer.
func (s *Soft) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
}

// Armed returns true when an expiry is pending.
func (s *Soft) Armed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.armed
}

func (s *Soft) stopLocked() {
	if s.t != nil {
		s.t.Stop()
		s.t = nil
	}
	s.gen++
	s.armed = false
}

func (s *Soft) expire(gen uint64) {
	s.mu.Lock()
	if gen != s.gen || !s.armed {
		s.mu.Unlock()
		return
	}
	s.armed = false
	s.t = nil
	cb := s.callback
	exec := s.exec
	s.mu.Unlock()

	if cb == nil {
		return
	}

	if exec != nil {
		exec(func() {
			// the timer could have been re-armed or stopped while the
			// expiry was queued
			s.mu.Lock()
			stale := gen != s.gen
			s.mu.Unlock()
			if stale {
				return
			}
			cb()
		})
		return
	}
	cb()
}
