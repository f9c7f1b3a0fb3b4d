package engine

import (
	"sync"
	"time"

	"github.com/vincentbai/browsetrace-replay/internal/clock"
)

// debouncer runs fn once calls have stopped for wait, or at the latest
// maxWait after the first call of a burst.
type debouncer struct {
	mu      sync.Mutex
	clock   clock.Clock
	fn      func()
	wait    time.Duration
	maxWait time.Duration

	cycle    uint64
	timer    clock.Timer
	maxTimer clock.Timer
}

func newDebouncer(c clock.Clock, wait, maxWait time.Duration, fn func()) *debouncer {
	return &debouncer{clock: c, fn: fn, wait: wait, maxWait: maxWait}
}

// Call (re)arms the debounce.
func (d *debouncer) Call() {
	d.mu.Lock()
	defer d.mu.Unlock()

	cycle := d.cycle
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = d.clock.AfterFunc(d.wait, func() { d.invoke(cycle) })
	if d.maxTimer == nil && d.maxWait > 0 {
		d.maxTimer = d.clock.AfterFunc(d.maxWait, func() { d.invoke(cycle) })
	}
}

// Pending reports whether a call is waiting to run.
func (d *debouncer) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.timer != nil
}

// Cancel drops a pending call.
func (d *debouncer) Cancel() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.resetLocked()
}

func (d *debouncer) invoke(cycle uint64) {
	d.mu.Lock()
	if cycle != d.cycle {
		d.mu.Unlock()
		return
	}
	d.resetLocked()
	d.mu.Unlock()

	d.fn()
}

func (d *debouncer) resetLocked() {
	d.cycle++
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	if d.maxTimer != nil {
		d.maxTimer.Stop()
		d.maxTimer = nil
	}
}
