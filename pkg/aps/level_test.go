// ABOUTME: Tests for the occupancy level controller
// ABOUTME: Covers windowed decisions, pacing, role bounds and peer levels
package aps_test

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sendspin/twsync/pkg/aps"
)

func TestScenarioRisesOnceChecksSaturate(t *testing.T) {
	h := newHarness(t, aps.RoleMaster)

	st := h.window(t, 21500)
	assert.Equal(t, aps.Level(4), st.Current)
	assert.Equal(t, 1, st.CheckCount)

	st = h.window(t, 21500)
	assert.Equal(t, aps.Level(4), st.Current)
	assert.Equal(t, 2, st.CheckCount)

	st = h.window(t, 21500)
	assert.Equal(t, aps.Level(5), st.Current)
	assert.Equal(t, aps.Level(5), st.Dest)
	assert.Equal(t, 0, st.CheckCount)

	assert.Equal(t, []aps.Level{4, 5}, h.out.ActuatorLevels())
	assert.Equal(t, []aps.Level{5}, h.link.PropagatedLevels())
}

func TestPeakIsTrackedAcrossWindow(t *testing.T) {
	h := newHarness(t, aps.RoleMaster)

	for i := 0; i < 29; i++ {
		h.clock.Advance(10 * time.Millisecond)
		require.NoError(t, h.eng.FeedOccupancy(18000))
	}
	h.clock.Advance(5 * time.Millisecond)
	require.NoError(t, h.eng.FeedOccupancy(25000))
	assert.Equal(t, uint32(25000), h.eng.Snapshot().WindowPeakUs)

	h.clock.Advance(5 * time.Millisecond)
	require.NoError(t, h.eng.FeedOccupancy(18000))

	st := h.eng.Snapshot()
	assert.Equal(t, uint32(0), st.WindowPeakUs)
	assert.Equal(t, 1, st.CheckCount, "the window peak drives the decision")
	assert.Equal(t, []uint32{25000}, h.link.BufferChanges)
}

func TestTickUsesPipelineOccupancy(t *testing.T) {
	h := newHarness(t, aps.RoleMaster)
	h.out.SetOccupancy(30000)
	h.clock.Advance(300 * time.Millisecond)
	require.NoError(t, h.eng.Tick())
	assert.Equal(t, []uint32{30000}, h.link.BufferChanges)
}

func TestSlowGateBlocksMovesAwayFromCenter(t *testing.T) {
	h := newHarness(t, aps.RoleMaster)

	st := h.window(t, 10000)
	assert.Equal(t, aps.Level(4), st.Current)
	st = h.window(t, 10000)
	assert.Equal(t, aps.Level(4), st.Current)
	st = h.window(t, 10000)
	assert.Equal(t, aps.Level(3), st.Current)
}

func TestSlowGateAllowsEscapeFromExtreme(t *testing.T) {
	h := newHarness(t, aps.RoleMaster)
	require.NoError(t, h.eng.ApplyPeerLevel(2))

	st := h.window(t, 21500)
	assert.Equal(t, aps.Level(3), st.Current, "escape toward center within the slow interval")
}

func TestRateLimitHoldsBelowMinimumInterval(t *testing.T) {
	h := newHarness(t, aps.RoleMaster, func(c *aps.Config) {
		c.Window = 100 * time.Millisecond
	})
	require.NoError(t, h.eng.ApplyPeerLevel(2))

	// 100 and 200 ms after the last change are both inside the rate limit.
	assert.Equal(t, aps.Level(2), h.window(t, 30000).Current)
	assert.Equal(t, aps.Level(2), h.window(t, 30000).Current)
	assert.Equal(t, aps.Level(3), h.window(t, 30000).Current)
}

func TestPairedBoundsClampLevel(t *testing.T) {
	h := newHarness(t, aps.RoleMaster)
	for i := 0; i < 40; i++ {
		h.window(t, 40000)
	}
	st := h.eng.Snapshot()
	assert.Equal(t, aps.MaxPairedLevel, st.Current)

	for i := 0; i < 40; i++ {
		h.window(t, 0)
	}
	assert.Equal(t, aps.MinPairedLevel, h.eng.Snapshot().Current)
}

func TestSoloBoundsUseFullRange(t *testing.T) {
	h := newHarness(t, aps.RoleNone)
	for i := 0; i < 40; i++ {
		h.window(t, 40000)
	}
	assert.Equal(t, aps.MaxLevel, h.eng.Snapshot().Current)
	assert.Empty(t, h.link.PropagatedLevels(), "only the master propagates")
}

func TestPairingClampsLevelImmediately(t *testing.T) {
	h := newHarness(t, aps.RoleNone)
	for i := 0; i < 40; i++ {
		h.window(t, 40000)
	}
	require.Equal(t, aps.MaxLevel, h.eng.Snapshot().Current)

	// Mid-window: no controller decision runs on this feed.
	h.link.SetRole(aps.RoleMaster)
	h.clock.Advance(100 * time.Millisecond)
	require.NoError(t, h.eng.FeedOccupancy(40000))

	st := h.eng.Snapshot()
	assert.Equal(t, aps.RoleMaster, st.Role)
	assert.Equal(t, aps.MaxPairedLevel, st.Current)
	assert.Equal(t, aps.MaxPairedLevel, st.Dest)
	assert.Equal(t, aps.MaxPairedLevel, h.out.LastLevel())
	assert.Equal(t, []aps.Level{aps.MaxPairedLevel}, h.link.PropagatedLevels())

	last := h.sink.Levels[len(h.sink.Levels)-1]
	assert.True(t, last.Changed)
	assert.Equal(t, aps.MaxPairedLevel, last.Level)
}

func TestSlaveFollowsPeerOnly(t *testing.T) {
	h := newHarness(t, aps.RoleSlave)
	for i := 0; i < 10; i++ {
		h.window(t, 40000)
	}
	st := h.eng.Snapshot()
	assert.Equal(t, aps.Level(4), st.Current)
	assert.Len(t, h.link.BufferChanges, 10)
	assert.Empty(t, h.link.PropagatedLevels())

	require.NoError(t, h.eng.ApplyPeerLevel(6))
	assert.Equal(t, aps.Level(6), h.eng.Snapshot().Current)
	assert.Equal(t, aps.Level(6), h.out.LastLevel())
}

func TestApplyPeerLevelClampsAndValidates(t *testing.T) {
	h := newHarness(t, aps.RoleSlave)
	assert.ErrorIs(t, h.eng.ApplyPeerLevel(0), aps.ErrInvalidLevel)
	assert.ErrorIs(t, h.eng.ApplyPeerLevel(9), aps.ErrInvalidLevel)

	require.NoError(t, h.eng.ApplyPeerLevel(8))
	assert.Equal(t, aps.MaxPairedLevel, h.eng.Snapshot().Current)
}

func TestFineTrimStaysNearDefault(t *testing.T) {
	h := newHarness(t, aps.RoleMaster)
	rng := rand.New(rand.NewSource(7))

	for i := 0; i < 500; i++ {
		peak := uint32(19000 + rng.Intn(2001))
		st := h.window(t, peak)
		require.GreaterOrEqual(t, st.Current, aps.Level(3))
		require.LessOrEqual(t, st.Current, aps.Level(5))
	}
}

func TestFineTrimRecordIsFlagged(t *testing.T) {
	h := newHarness(t, aps.RoleMaster)
	h.window(t, 21000)
	h.window(t, 21000)
	h.window(t, 21000)

	require.NotEmpty(t, h.sink.Levels)
	last := h.sink.Levels[len(h.sink.Levels)-1]
	assert.True(t, last.Fine)
	assert.Equal(t, aps.Level(3), last.Min)
	assert.Equal(t, aps.Level(5), last.Max)
	assert.True(t, last.Changed)
	assert.Equal(t, aps.Level(5), last.Level)
}

func TestDiagnosticRecordEveryInterval(t *testing.T) {
	h := newHarness(t, aps.RoleSlave)
	for i := 0; i < 20; i++ {
		h.window(t, 20000)
	}
	// 20 windows of 300 ms span 6 s, two 3 s diagnostic intervals.
	require.Len(t, h.sink.Levels, 2)
	assert.False(t, h.sink.Levels[0].Changed)
}

// Random occupancy traces must keep every controller invariant.
func TestControllerInvariantsUnderRandomInput(t *testing.T) {
	for _, role := range []aps.Role{aps.RoleNone, aps.RoleMaster} {
		t.Run(role.String(), func(t *testing.T) {
			h := newHarness(t, role)
			rng := rand.New(rand.NewSource(42))

			lo, hi := aps.MinLevel, aps.MaxLevel
			if role.Paired() {
				lo, hi = aps.MinPairedLevel, aps.MaxPairedLevel
			}

			prev := h.eng.Snapshot().Current
			var lastChange time.Duration
			for i := 0; i < 3000; i++ {
				h.clock.Advance(time.Duration(5+rng.Intn(120)) * time.Millisecond)
				require.NoError(t, h.eng.FeedOccupancy(uint32(rng.Intn(45000))))

				cur := h.eng.Snapshot().Current
				require.GreaterOrEqual(t, cur, lo)
				require.LessOrEqual(t, cur, hi)
				if cur != prev {
					d := int(cur) - int(prev)
					require.True(t, d == 1 || d == -1, "step %d -> %d", prev, cur)
					now := h.clock.Now()
					if lastChange != 0 {
						require.GreaterOrEqual(t, now-lastChange, 220*time.Millisecond)
					}
					lastChange = now
					prev = cur
				}
			}
		})
	}
}
