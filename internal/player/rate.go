// ABOUTME: Playback-rate ratio per actuator level
// ABOUTME: Derived from the phase step tables so both agree on what a level does
package player

import "github.com/Sendspin/twsync/pkg/aps"

// RateTable maps an actuator level to the number of input frames consumed
// per rendered frame. Index 0 is unused.
type RateTable [aps.MaxLevel + 1]float64

// NewRateTable derives consumption ratios for sampleRateKHz around the
// nominal level def. Holding level L+1 for Fast(L) must gain 1000 µs over
// level L, and holding L-1 for Slow(L) must lose 1000 µs.
func NewRateTable(sampleRateKHz int, def aps.Level) RateTable {
	steps := aps.StepTableFor(sampleRateKHz)

	var ppm [aps.MaxLevel + 1]float64
	for l := def; l < aps.MaxLevel; l++ {
		fast := steps.Entry(l).Fast.Microseconds()
		if fast <= 0 {
			ppm[l+1] = ppm[l]
			continue
		}
		ppm[l+1] = ppm[l] + 1e9/float64(fast)
	}
	for l := def; l > aps.MinLevel; l-- {
		slow := steps.Entry(l).Slow.Microseconds()
		if slow <= 0 {
			ppm[l-1] = ppm[l]
			continue
		}
		ppm[l-1] = ppm[l] - 1e9/float64(slow)
	}

	var t RateTable
	for l := aps.MinLevel; l <= aps.MaxLevel; l++ {
		t[l] = 1 + ppm[l]/1e6
	}
	return t
}

// Ratio returns the consumption ratio of l, 1 for an invalid level.
func (t *RateTable) Ratio(l aps.Level) float64 {
	if !l.Valid() || t[l] == 0 {
		return 1
	}
	return t[l]
}

// PPM returns how far l runs from the nominal rate in parts per million.
func (t *RateTable) PPM(l aps.Level) float64 {
	return (t.Ratio(l) - 1) * 1e6
}
