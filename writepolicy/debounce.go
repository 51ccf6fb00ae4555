package writepolicy

import (
	"sync"
	"time"

	"github.com/krisalay/client-cache/clock"
)

/*
Debouncer runs fn once, Delay after the most recent Trigger (trailing edge).

Every Trigger restarts the wait. A timer that fires after it was superseded or
cancelled does nothing: each Trigger bumps a generation and the callback checks
it, so a late fire from the clock can never run fn twice.
*/
type Debouncer struct {
	mu      sync.Mutex
	clock   clock.Clock
	delay   time.Duration
	fn      func()
	timer   clock.Timer
	gen     uint64
	stopped bool
}

func NewDebouncer(clk clock.Clock, delay time.Duration, fn func()) *Debouncer {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Debouncer{clock: clk, delay: delay, fn: fn}
}

// Trigger (re)starts the wait. It is a no-op after Stop.
func (d *Debouncer) Trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}
	if d.timer != nil {
		d.timer.Stop()
	}
	d.gen++
	gen := d.gen
	d.timer = d.clock.AfterFunc(d.delay, func() { d.fire(gen) })
}

// Cancel drops a pending call. It reports whether one was pending.
func (d *Debouncer) Cancel() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cancelLocked()
}

// Stop cancels a pending call and ignores every later Trigger.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cancelLocked()
	d.stopped = true
}

// Pending reports whether a call is scheduled.
func (d *Debouncer) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.timer != nil
}

func (d *Debouncer) cancelLocked() bool {
	d.gen++
	if d.timer == nil {
		return false
	}
	d.timer.Stop()
	d.timer = nil
	return true
}

func (d *Debouncer) fire(gen uint64) {
	d.mu.Lock()
	if gen != d.gen || d.stopped {
		d.mu.Unlock()
		return
	}
	d.timer = nil
	d.mu.Unlock()

	d.fn()
}
