// ABOUTME: Deterministic clock for driving the engine in tests and simulations
// ABOUTME: Advance fires due timers synchronously in deadline order
package apstest

import (
	"sort"
	"sync"
	"time"

	"github.com/Sendspin/twsync/pkg/aps"
)

// ManualClock is an aps.Clock that only moves when told to.
type ManualClock struct {
	mu     sync.Mutex
	now    time.Duration
	rate   uint32
	seq    int
	timers []*manualTimer
}

type manualTimer struct {
	c       *ManualClock
	at      time.Duration
	seq     int
	f       func()
	stopped bool
	fired   bool
}

// NewManualClock returns a clock at zero with a one-cycle-per-microsecond counter.
func NewManualClock() *ManualClock {
	return &ManualClock{rate: 1}
}

// SetCyclesPerMicrosecond changes the cycle counter rate.
func (c *ManualClock) SetCyclesPerMicrosecond(r uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rate = r
}

func (c *ManualClock) Now() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Cycles derives the counter from Now, so it wraps like the hardware one.
func (c *ManualClock) Cycles() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return uint32(c.now.Microseconds()) * c.rate
}

func (c *ManualClock) AfterFunc(d time.Duration, f func()) aps.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	t := &manualTimer{c: c, at: c.now + d, seq: c.seq, f: f}
	c.timers = append(c.timers, t)
	return t
}

// Set moves the clock to an absolute time without firing timers.
func (c *ManualClock) Set(now time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

// Pending reports how many timers are armed.
func (c *ManualClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}

// Advance moves the clock forward by d. Each timer due within the step
// runs with the clock set to its deadline.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	end := c.now + d
	c.mu.Unlock()

	for {
		c.mu.Lock()
		t := c.nextDueLocked(end)
		if t == nil {
			c.now = end
			c.mu.Unlock()
			return
		}
		if t.at > c.now {
			c.now = t.at
		}
		t.fired = true
		c.removeLocked(t)
		c.mu.Unlock()

		t.f()
	}
}

func (c *ManualClock) nextDueLocked(end time.Duration) *manualTimer {
	sort.SliceStable(c.timers, func(i, j int) bool {
		if c.timers[i].at != c.timers[j].at {
			return c.timers[i].at < c.timers[j].at
		}
		return c.timers[i].seq < c.timers[j].seq
	})
	if len(c.timers) == 0 || c.timers[0].at > end {
		return nil
	}
	return c.timers[0]
}

func (c *ManualClock) removeLocked(t *manualTimer) {
	for i, x := range c.timers {
		if x == t {
			c.timers = append(c.timers[:i], c.timers[i+1:]...)
			return
		}
	}
}

func (t *manualTimer) Stop() bool {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	if t.fired || t.stopped {
		return false
	}
	t.stopped = true
	t.c.removeLocked(t)
	return true
}
