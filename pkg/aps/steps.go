// ABOUTME: Per-level phase correction step durations
// ABOUTME: One table per sample-rate family, indexed by the settled level
package aps

import "time"

// StepEntry is how long the phase aligner must hold a neighbouring level to
// move the output by 1000 µs. Slow is used when stepping down to the lower
// neighbour, Fast when stepping up. A zero entry means the neighbour does not
// exist.
type StepEntry struct {
	Slow time.Duration
	Fast time.Duration
}

// StepTable holds one entry per level, index 0 is level 1.
type StepTable [MaxLevel]StepEntry

// Entry returns the step entry for level l. Out-of-range levels yield a zero
// entry.
func (t *StepTable) Entry(l Level) StepEntry {
	if !l.Valid() {
		return StepEntry{}
	}
	return t[l-1]
}

// The actuator's trim steps are not uniform: neighbouring levels near the
// center differ by less than those near the extremes.
var (
	steps48k = StepTable{
		{Slow: 0, Fast: 36 * time.Millisecond},
		{Slow: 95 * time.Millisecond, Fast: 40 * time.Millisecond},
		{Slow: 80 * time.Millisecond, Fast: 45 * time.Millisecond},
		{Slow: 66 * time.Millisecond, Fast: 52 * time.Millisecond},
		{Slow: 52 * time.Millisecond, Fast: 66 * time.Millisecond},
		{Slow: 45 * time.Millisecond, Fast: 80 * time.Millisecond},
		{Slow: 40 * time.Millisecond, Fast: 95 * time.Millisecond},
		{Slow: 36 * time.Millisecond, Fast: 0},
	}

	steps44k1 = StepTable{
		{Slow: 0, Fast: 39 * time.Millisecond},
		{Slow: 103 * time.Millisecond, Fast: 44 * time.Millisecond},
		{Slow: 87 * time.Millisecond, Fast: 49 * time.Millisecond},
		{Slow: 72 * time.Millisecond, Fast: 57 * time.Millisecond},
		{Slow: 57 * time.Millisecond, Fast: 72 * time.Millisecond},
		{Slow: 49 * time.Millisecond, Fast: 87 * time.Millisecond},
		{Slow: 44 * time.Millisecond, Fast: 103 * time.Millisecond},
		{Slow: 39 * time.Millisecond, Fast: 0},
	}
)

// StepTableFor selects the table for an output sample rate in kHz. Rates
// derived from 44.1 kHz (11, 22, 44, 88, 176) use the 44.1 table.
func StepTableFor(sampleRateKHz int) *StepTable {
	if sampleRateKHz > 0 && sampleRateKHz%11 == 0 {
		return &steps44k1
	}
	return &steps48k
}

// scaleStep converts a per-millisecond step duration to the hold time for
// diffUs microseconds of phase error. No upper cap is applied.
func scaleStep(step time.Duration, diffUs uint32) time.Duration {
	return time.Duration(int64(step) * int64(diffUs) / 1000)
}
