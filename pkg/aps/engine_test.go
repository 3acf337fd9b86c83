// ABOUTME: Tests for engine lifecycle
// ABOUTME: Covers init, deinit, snapshots and the uninitialized guard
package aps_test

import (
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sendspin/twsync/pkg/aps"
	"github.com/Sendspin/twsync/pkg/aps/apstest"
)

type harness struct {
	eng   *aps.Engine
	clock *apstest.ManualClock
	out   *apstest.Output
	link  *apstest.Link
	sink  *apstest.Sink
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newHarness(t *testing.T, role aps.Role, tweak ...func(*aps.Config)) *harness {
	t.Helper()
	cfg := aps.DefaultConfig()
	for _, f := range tweak {
		f(&cfg)
	}
	h := &harness{
		clock: apstest.NewManualClock(),
		out:   apstest.NewOutput(),
		link:  apstest.NewLink(role),
		sink:  &apstest.Sink{},
	}
	eng, err := aps.New(cfg, aps.Deps{
		Output: h.out,
		Link:   h.link,
		Clock:  h.clock,
		Logger: quietLogger(),
		Sink:   h.sink,
	})
	require.NoError(t, err)
	h.eng = eng
	require.NoError(t, eng.Init(aps.SessionContext{Mode: aps.ModeFull, Format: "pcm", PacketTimeUs: 20000}))
	return h
}

// window advances one controller window and feeds a single sample.
func (h *harness) window(t *testing.T, occupancyUs uint32) aps.Status {
	t.Helper()
	h.clock.Advance(h.eng.Config().Window)
	require.NoError(t, h.eng.FeedOccupancy(occupancyUs))
	return h.eng.Snapshot()
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := aps.New(aps.DefaultConfig(), aps.Deps{Link: apstest.NewLink(aps.RoleNone)})
	assert.ErrorIs(t, err, aps.ErrMissingDependency)

	_, err = aps.New(aps.DefaultConfig(), aps.Deps{Output: apstest.NewOutput()})
	assert.ErrorIs(t, err, aps.ErrMissingDependency)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	deps := aps.Deps{Output: apstest.NewOutput(), Link: apstest.NewLink(aps.RoleNone)}

	_, err := aps.New(aps.Config{DefaultLevel: 8}, deps)
	assert.ErrorIs(t, err, aps.ErrInvalidConfig)

	_, err = aps.New(aps.Config{DefaultLevel: 1}, deps)
	assert.ErrorIs(t, err, aps.ErrInvalidConfig)
}

func TestNewAppliesDefaults(t *testing.T) {
	eng, err := aps.New(aps.Config{}, aps.Deps{Output: apstest.NewOutput(), Link: apstest.NewLink(aps.RoleNone)})
	require.NoError(t, err)
	assert.Equal(t, aps.DefaultConfig(), eng.Config())
}

func TestOperationsRequireInit(t *testing.T) {
	eng, err := aps.New(aps.DefaultConfig(), aps.Deps{
		Output: apstest.NewOutput(),
		Link:   apstest.NewLink(aps.RoleMaster),
		Clock:  apstest.NewManualClock(),
		Logger: quietLogger(),
	})
	require.NoError(t, err)

	checks := map[string]error{
		"FeedOccupancy":     eng.FeedOccupancy(1000),
		"Tick":              eng.Tick(),
		"OnLinkTimeDiff":    eng.OnLinkTimeDiff(100),
		"OnDecodeError":     eng.OnDecodeError(5),
		"OnUnderrun":        eng.OnUnderrun(),
		"OnRestartComplete": eng.OnRestartComplete(),
		"ApplyPeerLevel":    eng.ApplyPeerLevel(4),
		"SetFirstPacket":    eng.SetFirstPacket(1, true),
		"BeginStreaming":    eng.BeginStreaming(1000),
		"OnPacketDecoded":   eng.OnPacketDecoded(1, 100, 1, 480),
		"OnPacketArrived":   eng.OnPacketArrived(1, 100, 1, 0),
		"Deinit":            eng.Deinit(),
	}
	for name, err := range checks {
		assert.ErrorIs(t, err, aps.ErrNotInitialized, name)
	}

	_, err = eng.QueryStartState()
	assert.ErrorIs(t, err, aps.ErrNotInitialized)
	_, _, err = eng.CurrentPlayTimeUs()
	assert.ErrorIs(t, err, aps.ErrNotInitialized)
}

func TestInitSetsDefaultLevelAndPolicies(t *testing.T) {
	h := newHarness(t, aps.RoleMaster)

	assert.Equal(t, []aps.Level{4}, h.out.ActuatorLevels())
	assert.True(t, h.link.Policy(aps.PolicyRateAdjust))
	assert.True(t, h.link.Policy(aps.PolicyPhaseAlign))

	st := h.eng.Snapshot()
	assert.True(t, st.Initialized)
	assert.Equal(t, aps.RoleMaster, st.Role)
	assert.Equal(t, aps.Level(4), st.Current)
	assert.Equal(t, aps.Level(4), st.Dest)
	assert.Equal(t, aps.Level(4), st.Default)
	assert.Equal(t, aps.FaultNormal, st.Fault)

	err := h.eng.Init(aps.SessionContext{})
	assert.ErrorIs(t, err, aps.ErrAlreadyInitialized)
}

func TestDeinitEndsSession(t *testing.T) {
	h := newHarness(t, aps.RoleMaster)
	require.NoError(t, h.eng.BeginStreaming(10000))
	require.NoError(t, h.eng.OnLinkTimeDiff(1000))
	require.Equal(t, 1, h.clock.Pending())

	require.NoError(t, h.eng.Deinit())

	assert.Equal(t, 0, h.clock.Pending())
	assert.Equal(t, 1, h.out.Stops)
	assert.False(t, h.link.Policy(aps.PolicyRateAdjust))
	assert.False(t, h.link.Policy(aps.PolicyPhaseAlign))
	assert.False(t, h.eng.Snapshot().Initialized)

	// A new session can start afterwards.
	require.NoError(t, h.eng.Init(aps.SessionContext{}))
}

func TestDeinitWithoutStreamingLeavesOutputAlone(t *testing.T) {
	h := newHarness(t, aps.RoleNone)
	require.NoError(t, h.eng.Deinit())
	assert.Equal(t, 0, h.out.Stops)
}

func TestDeinitReportsStopFailure(t *testing.T) {
	h := newHarness(t, aps.RoleNone)
	require.NoError(t, h.eng.BeginStreaming(1000))
	stopErr := errors.New("device gone")
	h.out.StopErr = stopErr

	err := h.eng.Deinit()
	assert.ErrorIs(t, err, stopErr)
}

func TestCurrentPlayTimeFollowsLinkClock(t *testing.T) {
	h := newHarness(t, aps.RoleMaster)
	h.link.SetClock(123456, true)

	us, ok, err := h.eng.CurrentPlayTimeUs()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint64(123456), us)

	h.link.SetClock(0, false)
	_, ok, err = h.eng.CurrentPlayTimeUs()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRoleIsReadOnEveryFeed(t *testing.T) {
	h := newHarness(t, aps.RoleNone)
	h.link.SetRole(aps.RoleSlave)
	h.window(t, 20000)
	assert.Equal(t, aps.RoleSlave, h.eng.Snapshot().Role)
}

func TestSystemClockRuns(t *testing.T) {
	c := aps.NewSystemClock()
	fired := make(chan struct{})
	c.AfterFunc(time.Millisecond, func() { close(fired) })
	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("timer did not fire")
	}
	assert.Greater(t, c.Now(), time.Duration(0))
}
