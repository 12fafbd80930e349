// Package clock provides the monotonic millisecond clock the controllers
// measure watchdog and idle windows with.
//
// Millis wraps like a 32-bit hardware tick counter (about every 49.7 days).
// Always compare timestamps through Since, which relies on unsigned
// subtraction and stays correct across the wrap.
package clock

import (
	"sync"
	"time"
)

// Clock is the time source used by the radio controller and the thermal
// monitor.
type Clock interface {
	// Millis returns milliseconds since the clock was created.
	Millis() uint32
	Sleep(d time.Duration)
	// AfterFunc runs f in its own goroutine once d has elapsed.
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a pending AfterFunc callback.
type Timer interface {
	// Stop cancels the callback and reports whether it was still pending.
	Stop() bool
}

// Since returns the milliseconds elapsed between then and now.
func Since(now, then uint32) uint32 {
	return now - then
}

// Ms converts a duration to clock milliseconds.
func Ms(d time.Duration) uint32 {
	return uint32(d / time.Millisecond)
}

type realClock struct {
	start time.Time
}

// Real returns a Clock backed by the runtime monotonic clock.
func Real() Clock {
	return &realClock{start: time.Now()}
}

func (c *realClock) Millis() uint32 {
	//nolint:gosec // G115: truncation is the intended wraparound
	return uint32(time.Since(c.start).Milliseconds())
}

func (*realClock) Sleep(d time.Duration) {
	time.Sleep(d)
}

func (*realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Fake is a manually driven Clock. Sleep advances virtual time instead of
// blocking, and due AfterFunc callbacks run synchronously on the goroutine
// that advanced the clock.
type Fake struct {
	mu     sync.Mutex
	now    uint32
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *Fake
	due     uint32
	f       func()
	stopped bool
	fired   bool
}

// NewFake returns a Fake clock starting at start milliseconds.
func NewFake(start uint32) *Fake {
	return &Fake{now: start}
}

func (c *Fake) Millis() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Sleep advances the clock by d.
func (c *Fake) Sleep(d time.Duration) {
	c.Advance(d)
}

// Advance moves virtual time forward and fires every timer that became due.
func (c *Fake) Advance(d time.Duration) {
	c.mu.Lock()
	c.advanceLocked(Ms(d))
}

// Set moves the clock forward to now, wrapping if now is below the current
// value, and fires every timer that became due on the way.
func (c *Fake) Set(now uint32) {
	c.mu.Lock()
	c.advanceLocked(Since(now, c.now))
}

// advanceLocked is entered with c.mu held and releases it before running
// callbacks.
func (c *Fake) advanceLocked(ms uint32) {
	start := c.now
	c.now += ms
	elapsed := ms

	var due []*fakeTimer
	pending := c.timers[:0]
	for _, t := range c.timers {
		if t.stopped {
			continue
		}
		if Since(t.due, start) <= elapsed {
			t.fired = true
			due = append(due, t)
			continue
		}
		pending = append(pending, t)
	}
	c.timers = pending
	c.mu.Unlock()

	for _, t := range due {
		t.f()
	}
}

func (c *Fake) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := &fakeTimer{clock: c, due: c.now + Ms(d), f: f}
	c.timers = append(c.timers, t)

	return t
}

// Pending returns the number of timers that have neither fired nor been stopped.
func (c *Fake) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for _, t := range c.timers {
		if !t.stopped {
			n++
		}
	}

	return n
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()

	if t.stopped || t.fired {
		return false
	}
	t.stopped = true

	return true
}
