// ABOUTME: Time sources used by the engine
// ABOUTME: Monotonic clock, session timers and a wrapping 32-bit cycle counter
package aps

import "time"

// Clock supplies monotonic time, one-shot timers and the cycle counter.
type Clock interface {
	// Now returns monotonic time since an arbitrary origin.
	Now() time.Duration
	// Cycles returns the free-running 32-bit cycle counter. It wraps.
	Cycles() uint32
	// AfterFunc calls f in its own context once d has elapsed.
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a pending AfterFunc call.
type Timer interface {
	// Stop prevents the call if it has not started. It reports whether the
	// call was stopped.
	Stop() bool
}

// CycleInstant is a point on the wrapping cycle counter.
type CycleInstant uint32

// Add returns the instant n cycles after c.
func (c CycleInstant) Add(n uint32) CycleInstant {
	return c + CycleInstant(n)
}

// Since returns the signed cycle distance from earlier to c. The result is
// correct across a single counter wrap as long as the real distance fits in
// an int32.
func (c CycleInstant) Since(earlier CycleInstant) int32 {
	return int32(uint32(c) - uint32(earlier))
}

// SystemClock implements Clock on the Go runtime. The cycle counter ticks
// at CyclesPerMicrosecond.
type SystemClock struct {
	start           time.Time
	cyclesPerMicros uint32
}

// NewSystemClock returns a clock with a one-cycle-per-microsecond counter.
func NewSystemClock() *SystemClock {
	return NewSystemClockRate(1)
}

// NewSystemClockRate returns a clock whose cycle counter runs at the given rate.
func NewSystemClockRate(cyclesPerMicros uint32) *SystemClock {
	if cyclesPerMicros == 0 {
		cyclesPerMicros = 1
	}
	return &SystemClock{start: time.Now(), cyclesPerMicros: cyclesPerMicros}
}

func (c *SystemClock) Now() time.Duration {
	return time.Since(c.start)
}

func (c *SystemClock) Cycles() uint32 {
	return uint32(time.Since(c.start).Microseconds()) * c.cyclesPerMicros
}

func (c *SystemClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
