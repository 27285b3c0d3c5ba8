// Package timer provides a restartable stopwatch that accumulates elapsed
// time across pause/resume cycles and process restarts.
package timer

import (
	"sync"
	"time"
)

// Clock returns the current time. Tests substitute a fake.
type Clock func() time.Time

// Timer tracks cumulative elapsed time. The zero value is not usable; use New.
type Timer struct {
	clock Clock

	mu      sync.Mutex
	total   time.Duration // accumulated while paused or seeded
	start   time.Time
	running bool
}

// New creates a running timer using the wall clock.
func New() *Timer {
	return NewWithClock(time.Now)
}

// NewWithClock creates a running timer that reads time from clock.
func NewWithClock(clock Clock) *Timer {
	if clock == nil {
		clock = time.Now
	}
	return &Timer{
		clock:   clock,
		start:   clock(),
		running: true,
	}
}

// Reset zeroes the timer, drops any seeded offset, and starts it running.
func (t *Timer) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.total = 0
	t.start = t.clock()
	t.running = true
}

// Seed sets the accumulated offset to d, keeping the current run segment.
// Used to restore elapsed time from a checkpoint.
func (t *Timer) Seed(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.total = d
	if t.running {
		t.start = t.clock()
	}
}

// Pause stops accumulating time. Pausing a paused timer is a no-op.
func (t *Timer) Pause() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.running {
		return
	}
	t.total += t.clock().Sub(t.start)
	t.running = false
}

// Resume continues accumulating time after Pause.
func (t *Timer) Resume() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return
	}
	t.start = t.clock()
	t.running = true
}

// Elapsed returns the time since the last reset plus any seeded offset.
func (t *Timer) Elapsed() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.running {
		return t.total
	}
	return t.total + t.clock().Sub(t.start)
}

// Running reports whether the timer is accumulating time.
func (t *Timer) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}
