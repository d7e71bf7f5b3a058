package timeutil

import (
	"sync"
	"time"
)

// TimerState represents the current state of a [Timer].
type TimerState string

const (
	// TimerStateRunning indicates the timer is currently running.
	TimerStateRunning TimerState = "running"
	// TimerStateStopped indicates the timer was stopped before expiration.
	TimerStateStopped TimerState = "stopped"
	// TimerStateExpired indicates the timer has expired and its callback was called.
	TimerStateExpired TimerState = "expired"
)

// Timer calls a function once after a duration.
type Timer struct {
	mu        sync.Mutex
	startTime time.Time
	duration  time.Duration
	state     TimerState
	realTimer *time.Timer
}

// AfterFunc starts a new [Timer] that calls f in its own goroutine once d elapses.
// Non-positive durations fire as soon as possible.
func AfterFunc(d time.Duration, f func()) *Timer {
	if d < 0 {
		d = 0
	}

	t := &Timer{
		startTime: time.Now(),
		duration:  d,
		state:     TimerStateRunning,
	}
	t.mu.Lock()
	t.realTimer = time.AfterFunc(d, func() {
		t.mu.Lock()
		if t.state != TimerStateRunning {
			t.mu.Unlock()
			return
		}
		t.state = TimerStateExpired
		t.mu.Unlock()

		f()
	})
	t.mu.Unlock()
	return t
}

// Stop prevents the timer from firing.
// It returns true if the call stops the timer, false if the timer
// has already expired or been stopped.
func (t *Timer) Stop() bool {
	if t == nil {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != TimerStateRunning {
		return false
	}
	t.state = TimerStateStopped
	t.realTimer.Stop()
	return true
}

// State returns the current timer state.
func (t *Timer) State() TimerState {
	if t == nil {
		return ""
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Duration returns the timer's duration.
func (t *Timer) Duration() time.Duration {
	if t == nil {
		return 0
	}
	return t.duration
}

// ExpiresAt returns the time the timer fires at.
func (t *Timer) ExpiresAt() time.Time {
	if t == nil {
		return time.Time{}
	}
	return t.startTime.Add(t.duration)
}

// Left returns the time left before the timer fires.
// It is zero if the timer is not running.
func (t *Timer) Left() time.Duration {
	if t == nil {
		return 0
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != TimerStateRunning {
		return 0
	}
	return max(time.Until(t.startTime.Add(t.duration)), 0)
}
