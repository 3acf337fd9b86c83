// ABOUTME: Tests for phase alignment sessions
// ABOUTME: Covers session direction, revert timers and the drift restart
package aps_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sendspin/twsync/pkg/aps"
)

func TestLargePhaseErrorEscalates(t *testing.T) {
	for _, diff := range []int32{3500, -5000} {
		h := newHarness(t, aps.RoleMaster)
		require.NoError(t, h.eng.OnLinkTimeDiff(diff))

		assert.Equal(t, 1, h.link.RestartCount(), "diff %d", diff)
		assert.Empty(t, h.sink.SessionRecords())
		assert.Equal(t, 0, h.clock.Pending())
		st := h.eng.Snapshot()
		assert.False(t, st.SessionActive)
		assert.Equal(t, aps.FaultRestarting, st.Fault)
		assert.Equal(t, aps.CauseDrift, h.sink.RestartRecords()[0].Cause)
	}
}

func TestTinyPhaseErrorIsIgnored(t *testing.T) {
	h := newHarness(t, aps.RoleMaster)
	before := h.eng.Snapshot()

	require.NoError(t, h.eng.OnLinkTimeDiff(2))
	require.NoError(t, h.eng.OnLinkTimeDiff(-1))

	assert.Equal(t, before, h.eng.Snapshot())
	assert.Equal(t, []aps.Level{4}, h.out.ActuatorLevels())
	assert.Equal(t, 0, h.clock.Pending())
	assert.Zero(t, h.link.RestartCount())
}

func TestLateDeviceHoldsFasterNeighbour(t *testing.T) {
	h := newHarness(t, aps.RoleMaster)
	require.NoError(t, h.eng.OnLinkTimeDiff(-1000))

	st := h.eng.Snapshot()
	assert.True(t, st.SessionActive)
	assert.Equal(t, aps.Level(5), st.Current)
	assert.Equal(t, aps.Level(4), st.Dest, "alignment never moves the settled level")

	recs := h.sink.SessionRecords()
	require.Len(t, recs, 1)
	assert.Equal(t, 52*time.Millisecond, recs[0].Duration)

	h.clock.Advance(51 * time.Millisecond)
	assert.True(t, h.eng.Snapshot().SessionActive)

	h.clock.Advance(time.Millisecond)
	st = h.eng.Snapshot()
	assert.False(t, st.SessionActive)
	assert.Equal(t, aps.Level(4), st.Current)
	assert.Equal(t, []aps.Level{4, 5, 4}, h.out.ActuatorLevels())
}

func TestEarlyDeviceHoldsSlowerNeighbour(t *testing.T) {
	h := newHarness(t, aps.RoleMaster)
	require.NoError(t, h.eng.OnLinkTimeDiff(3000))

	st := h.eng.Snapshot()
	assert.Equal(t, aps.Level(3), st.Current)
	assert.Equal(t, 198*time.Millisecond, h.sink.SessionRecords()[0].Duration)
	assert.Zero(t, h.link.RestartCount(), "3000 us is still corrected locally")
}

func TestHoldTimeUses44k1Table(t *testing.T) {
	h := newHarness(t, aps.RoleMaster)
	require.NoError(t, h.eng.Deinit())
	h.out.RateKHz = 44
	require.NoError(t, h.eng.Init(aps.SessionContext{}))

	require.NoError(t, h.eng.OnLinkTimeDiff(1000))
	recs := h.sink.SessionRecords()
	assert.Equal(t, 72*time.Millisecond, recs[len(recs)-1].Duration)
}

func TestSessionReplaceIsAtomic(t *testing.T) {
	h := newHarness(t, aps.RoleMaster)

	require.NoError(t, h.eng.OnLinkTimeDiff(500))
	assert.Equal(t, aps.Level(3), h.eng.Snapshot().Current)

	require.NoError(t, h.eng.OnLinkTimeDiff(-800))
	st := h.eng.Snapshot()
	assert.True(t, st.SessionActive)
	assert.Equal(t, aps.Level(5), st.SessionTarget)
	assert.Equal(t, aps.Level(5), st.Current)
	assert.Equal(t, 1, h.clock.Pending())

	// The first session's deadline (33 ms) passes without effect.
	h.clock.Advance(35 * time.Millisecond)
	assert.Equal(t, aps.Level(5), h.eng.Snapshot().Current)

	// The second one holds for 52 * 0.8 = 41.6 ms.
	h.clock.Advance(7 * time.Millisecond)
	st = h.eng.Snapshot()
	assert.False(t, st.SessionActive)
	assert.Equal(t, aps.Level(4), st.Current)
}

func TestTinyErrorCancelsActiveSession(t *testing.T) {
	h := newHarness(t, aps.RoleMaster)
	require.NoError(t, h.eng.OnLinkTimeDiff(800))
	require.True(t, h.eng.Snapshot().SessionActive)

	require.NoError(t, h.eng.OnLinkTimeDiff(1))
	st := h.eng.Snapshot()
	assert.False(t, st.SessionActive)
	assert.Equal(t, aps.Level(4), st.Current)
	assert.Equal(t, 0, h.clock.Pending())
}

func TestMissingNeighbourSkipsSession(t *testing.T) {
	h := newHarness(t, aps.RoleNone)
	require.NoError(t, h.eng.ApplyPeerLevel(1))

	require.NoError(t, h.eng.OnLinkTimeDiff(500))
	assert.False(t, h.eng.Snapshot().SessionActive)
	assert.Equal(t, aps.Level(1), h.eng.Snapshot().Current)

	require.NoError(t, h.eng.OnLinkTimeDiff(-500))
	st := h.eng.Snapshot()
	assert.True(t, st.SessionActive)
	assert.Equal(t, aps.Level(2), st.Current)
}

func TestLevelCommitCancelsSession(t *testing.T) {
	h := newHarness(t, aps.RoleMaster)
	h.window(t, 21500)
	h.window(t, 21500)

	// Start a 132 ms session 50 ms before the next window closes.
	h.clock.Advance(250 * time.Millisecond)
	require.NoError(t, h.eng.OnLinkTimeDiff(2000))
	require.True(t, h.eng.Snapshot().SessionActive)

	h.clock.Advance(50 * time.Millisecond)
	require.NoError(t, h.eng.FeedOccupancy(21500))
	st := h.eng.Snapshot()
	assert.False(t, st.SessionActive)
	assert.Equal(t, aps.Level(5), st.Current)
	assert.Equal(t, aps.Level(5), st.Dest)
	assert.Equal(t, 0, h.clock.Pending())
}

func TestPeerLevelCancelsSession(t *testing.T) {
	h := newHarness(t, aps.RoleSlave)
	require.NoError(t, h.eng.OnLinkTimeDiff(-2000))
	require.NoError(t, h.eng.ApplyPeerLevel(6))

	st := h.eng.Snapshot()
	assert.False(t, st.SessionActive)
	assert.Equal(t, aps.Level(6), st.Current)
}
