// ABOUTME: Tests for the slave's phase tracker
// ABOUTME: Covers matching in either order, window averaging and ring reuse
package link

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPhaseTrackerMatchesEitherOrder(t *testing.T) {
	p := newPhaseTracker(1)

	_, ok := p.local(10, 5000)
	assert.False(t, ok)
	diff, ok := p.master(10, 4000)
	assert.True(t, ok)
	assert.Equal(t, int32(-1000), diff)

	_, ok = p.master(11, 9000)
	assert.False(t, ok)
	diff, ok = p.local(11, 8500)
	assert.True(t, ok)
	assert.Equal(t, int32(500), diff)
}

func TestPhaseTrackerAveragesWindow(t *testing.T) {
	p := newPhaseTracker(4)
	diffs := []int64{-100, -300, -200, -400}
	for i, d := range diffs {
		seq := uint16(i)
		p.local(seq, 100000)
		mean, ok := p.master(seq, uint64(100000+d))
		if i < 3 {
			assert.False(t, ok)
			continue
		}
		assert.True(t, ok)
		assert.Equal(t, int32(-250), mean)
	}

	// The window restarts after a report.
	p.local(9, 1000)
	_, ok := p.master(9, 1000)
	assert.False(t, ok)
}

func TestPhaseTrackerRingReuse(t *testing.T) {
	p := newPhaseTracker(1)
	p.local(5, 1000)
	// Same slot, newer sequence: the stale entry is dropped.
	p.local(5+ringSize, 2000)
	diff, ok := p.master(5+ringSize, 2100)
	assert.True(t, ok)
	assert.Equal(t, int32(100), diff)

	_, ok = p.master(5, 1000)
	assert.False(t, ok)
}

func TestPhaseTrackerIgnoresMissingTimestamps(t *testing.T) {
	p := newPhaseTracker(1)
	p.local(1, 0)
	_, ok := p.master(1, 1000)
	assert.False(t, ok)
}

func TestPhaseTrackerResetAndWrap(t *testing.T) {
	p := newPhaseTracker(1)
	p.local(65535, 1000)
	p.reset()
	_, ok := p.master(65535, 1000)
	assert.False(t, ok)

	// The master entry stored above pairs with the next local record.
	diff, ok := p.local(65535, 3000)
	assert.True(t, ok)
	assert.Equal(t, int32(-2000), diff)

	_, ok = p.master(65535, 1000)
	assert.False(t, ok)
}

func TestClampInt32(t *testing.T) {
	assert.Equal(t, int32(2147483647), clampInt32(1<<40))
	assert.Equal(t, int32(-2147483648), clampInt32(-(1 << 40)))
	assert.Equal(t, int32(-5), clampInt32(-5))
}
