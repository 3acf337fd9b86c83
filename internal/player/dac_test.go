// ABOUTME: Tests for the virtual DAC
// ABOUTME: Covers frame pacing, crystal drift and lifecycle
package player

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDACRendersNominalRate(t *testing.T) {
	p := newTestPipeline(t, 2, 0)
	dac := NewVirtualDAC(p, DACConfig{})
	p.Write(ramp(100, 2))

	assert.Equal(t, 10, dac.RenderFor(10*time.Millisecond))
	assert.Equal(t, uint32(90000), p.OccupancyUs())
	assert.Equal(t, int64(10), dac.Frames())
	assert.Equal(t, 0, dac.RenderFor(0))
}

func TestDACCarriesFractionalFrames(t *testing.T) {
	p := newTestPipeline(t, 1, 0)
	dac := NewVirtualDAC(p, DACConfig{})
	p.Write(ramp(100, 1))

	for i := 0; i < 4; i++ {
		dac.RenderFor(2500 * time.Microsecond)
	}
	assert.Equal(t, int64(10), dac.Frames())
}

func TestDACDrift(t *testing.T) {
	p := newTestPipeline(t, 1, 0)
	fast := NewVirtualDAC(p, DACConfig{DriftPPM: 100000})
	p.Write(ramp(500, 1))

	fast.RenderFor(100 * time.Millisecond)
	assert.InDelta(t, 110, fast.Frames(), 1)
}

func TestDACLifecycle(t *testing.T) {
	p := newTestPipeline(t, 2, 0)
	dac := NewVirtualDAC(p, DACConfig{Period: time.Millisecond})

	require.NoError(t, p.Start())
	require.NoError(t, p.Start())
	assert.ErrorIs(t, dac.Start(), ErrAlreadyRunning)

	p.Write(ramp(1000, 2))
	require.Eventually(t, func() bool { return dac.Frames() > 0 }, time.Second, time.Millisecond)

	require.NoError(t, p.Stop())
	assert.NoError(t, dac.Stop())
}
