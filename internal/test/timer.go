package test

import (
	"time"
)

// Timer is a manually fired timer.Timer for testing.
type Timer struct {
	Callback   func()
	Value      time.Duration
	Armed      bool
	StartCount int
	StopCount  int
}

// Init method.
func (t *Timer) Init(cb func()) {
	t.Callback = cb
}

// SetValue method.
func (t *Timer) SetValue(d time.Duration) {
	t.Value = d
}

// Start method.
func (t *Timer) Start() {
	t.Armed = true
	t.StartCount++
}

// Stop method.
func (t *Timer) Stop() {
	t.Armed = false
	t.StopCount++
}

// Fire expires the timer when armed. It returns false when the timer was
// not armed.
func (t *Timer) Fire() bool {
	if !t.Armed {
		return false
	}
	t.Armed = false
	if t.Callback != nil {
		t.Callback()
	}
	return true
}
