// ABOUTME: Tests for packet telemetry forwarding
// ABOUTME: Covers the sample counter path and the link clock fallback
package aps_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sendspin/twsync/pkg/aps"
	"github.com/Sendspin/twsync/pkg/aps/apstest"
)

func TestDecodedPacketTimestamp(t *testing.T) {
	h := newHarness(t, aps.RoleMaster)
	h.link.SetClock(1_000_000, true)

	require.NoError(t, h.eng.OnPacketDecoded(42, 512, 2, 960))

	pkts := h.link.PacketInfos()
	require.Len(t, pkts, 1)
	assert.Equal(t, aps.PacketTelemetry{
		Kind:        aps.PacketDecoded,
		Seq:         42,
		Length:      512,
		Frames:      2,
		TimestampUs: 1_005_000,
	}, pkts[0])
	assert.Equal(t, pkts[0], h.eng.Snapshot().LastPacket)
}

func TestDecodedPacketDegradesWithoutClocks(t *testing.T) {
	h := newHarness(t, aps.RoleMaster)
	h.link.SetClock(0, false)
	h.out.HasLatency = false

	require.NoError(t, h.eng.OnPacketDecoded(1, 100, 1, 480))
	pkts := h.link.PacketInfos()
	require.Len(t, pkts, 1)
	assert.Zero(t, pkts[0].TimestampUs)
}

func TestDecodedPacketUsesSampleCounter(t *testing.T) {
	clock := apstest.NewManualClock()
	out := &apstest.CountingOutput{Output: apstest.NewOutput(), Oversample: 2}
	link := apstest.NewLink(aps.RoleMaster)
	eng, err := aps.New(aps.DefaultConfig(), aps.Deps{
		Output: out,
		Link:   link,
		Clock:  clock,
		Logger: quietLogger(),
	})
	require.NoError(t, err)
	require.NoError(t, eng.Init(aps.SessionContext{}))

	require.NoError(t, eng.OnPacketDecoded(1, 100, 1, 480))
	require.NoError(t, eng.OnPacketDecoded(2, 100, 1, 480))

	pkts := link.PacketInfos()
	require.Len(t, pkts, 2)
	assert.True(t, pkts[0].HasSampleCount)
	assert.Equal(t, uint32(0), pkts[0].SampleCount)
	assert.Equal(t, uint32(960), pkts[1].SampleCount)
	assert.Zero(t, pkts[1].TimestampUs)
}

func TestArrivedPacketStampsCycles(t *testing.T) {
	h := newHarness(t, aps.RoleSlave)
	h.clock.Advance(1234 * time.Microsecond)

	require.NoError(t, h.eng.OnPacketArrived(9, 200, 1, 0))
	require.NoError(t, h.eng.OnPacketArrived(10, 200, 1, 99))

	pkts := h.link.PacketInfos()
	require.Len(t, pkts, 2)
	assert.Equal(t, aps.PacketArrived, pkts[0].Kind)
	assert.Equal(t, uint32(1234), pkts[0].ArrivalCycles)
	assert.Equal(t, uint32(99), pkts[1].ArrivalCycles)
}
