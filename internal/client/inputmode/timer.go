package inputmode

import (
	"fmt"
	"sync"
	"time"
)

// ElapsedTimer accumulates wall time while running. It is safe for
// concurrent use so a display goroutine can read it while the control loop
// starts and stops it.
type ElapsedTimer struct {
	now func() time.Time

	mu      sync.Mutex
	total   time.Duration
	started time.Time
	running bool
}

var _ Timer = (*ElapsedTimer)(nil)

// NewElapsedTimer returns a stopped timer at zero.
func NewElapsedTimer() *ElapsedTimer {
	return NewElapsedTimerWithClock(time.Now)
}

// NewElapsedTimerWithClock returns a timer that reads time from now.
func NewElapsedTimerWithClock(now func() time.Time) *ElapsedTimer {
	return &ElapsedTimer{now: now}
}

// Start resumes accumulation. Starting a running timer is a no-op.
func (t *ElapsedTimer) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return
	}
	t.running = true
	t.started = t.now()
}

// Stop pauses accumulation, keeping the elapsed total.
func (t *ElapsedTimer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.running {
		return
	}
	t.total += t.now().Sub(t.started)
	t.running = false
}

// Reset stops the timer and zeroes it.
func (t *ElapsedTimer) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.total = 0
	t.running = false
}

// Running reports whether the timer is accumulating.
func (t *ElapsedTimer) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

// Elapsed returns the accumulated time.
func (t *ElapsedTimer) Elapsed() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	d := t.total
	if t.running {
		d += t.now().Sub(t.started)
	}
	return d
}

// Seconds returns the whole seconds elapsed.
func (t *ElapsedTimer) Seconds() int {
	return int(t.Elapsed() / time.Second)
}

// Format renders the elapsed time as "mm:ss". Minutes are not capped at 59.
func (t *ElapsedTimer) Format() string {
	return FormatSeconds(t.Seconds())
}

// FormatSeconds renders s as zero-padded "mm:ss".
func FormatSeconds(s int) string {
	if s < 0 {
		s = 0
	}
	return fmt.Sprintf("%02d:%02d", s/60, s%60)
}
