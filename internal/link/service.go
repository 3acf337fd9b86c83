// ABOUTME: aps.LinkService implementation on top of the relay link
// ABOUTME: Turns engine notifications into peer messages and status reports
package link

import (
	"log"

	"github.com/Sendspin/twsync/internal/protocol"
	"github.com/Sendspin/twsync/pkg/aps"
)

var _ aps.LinkService = (*Client)(nil)

// Role returns the role assigned by the relay.
func (c *Client) Role() aps.Role {
	return aps.Role(c.role.Load())
}

// LinkClockNowUs returns the relay clock, which both earbuds share.
func (c *Client) LinkClockNowUs() (uint64, bool) {
	us, ok := c.clock.RelayMicros()
	if !ok || us < 0 {
		return 0, false
	}
	return uint64(us), true
}

// RequestRestart asks the relay to renegotiate the stream.
func (c *Client) RequestRestart(errorHint uint16) {
	if err := c.send(protocol.TypePeerRestart, protocol.PeerRestart{Hint: errorHint}); err != nil {
		log.Printf("Failed to request restart: %v", err)
	}
}

// PropagateLevelChange sends the master's new level to the slave.
func (c *Client) PropagateLevelChange(level aps.Level) {
	if c.Role() != aps.RoleMaster || !c.policies[aps.PolicyRateAdjust].Load() {
		return
	}
	if err := c.send(protocol.TypePeerLevel, protocol.PeerLevel{Level: uint8(level)}); err != nil {
		log.Printf("Failed to propagate level: %v", err)
	}
}

// NotifyBufferChange records the latest occupancy for status reports.
func (c *Client) NotifyBufferChange(occupancyUs uint32) {
	c.occupancy.Store(occupancyUs)
}

// Occupancy returns the last occupancy reported by the engine.
func (c *Client) Occupancy() uint32 {
	return c.occupancy.Load()
}

// SetStreamInfo reports that streaming has begun.
func (c *Client) SetStreamInfo(info aps.StreamInfo) {
	c.watermark.Store(info.WatermarkUs)
	log.Printf("Stream info: %s %dHz %dch first_seq=%d packet=%dus",
		info.Format, info.SampleRateHz, info.Channels, info.FirstSeq, info.PacketTimeUs)
	update := protocol.PlayerUpdate{
		State:       "starting",
		BufferUs:    c.occupancy.Load(),
		WatermarkUs: info.WatermarkUs,
	}
	if err := c.SendStatus(update); err != nil {
		log.Printf("Failed to send status: %v", err)
	}
}

// SetSyncPolicy switches rate-adjust (level propagation) and phase-align
// (cross-device diffs) on or off.
func (c *Client) SetSyncPolicy(kind aps.SyncPolicy, enabled bool) {
	if kind < 0 || int(kind) >= len(c.policies) {
		return
	}
	c.policies[kind].Store(enabled)
	if kind == aps.PolicyPhaseAlign && !enabled {
		c.phase.reset()
	}
}

// ForwardPacketInfo publishes the master's render estimates and matches the
// slave's against them.
func (c *Client) ForwardPacketInfo(t aps.PacketTelemetry) {
	if t.Kind != aps.PacketDecoded || !c.policies[aps.PolicyPhaseAlign].Load() {
		return
	}
	switch c.Role() {
	case aps.RoleMaster:
		pp := protocol.PeerPacket{
			Seq:         t.Seq,
			TimestampUs: t.TimestampUs,
			SampleCount: t.SampleCount,
			HasCount:    t.HasSampleCount,
		}
		if err := c.send(protocol.TypePeerPacket, pp); err != nil {
			log.Printf("Failed to forward packet info: %v", err)
		}
	case aps.RoleSlave:
		if t.HasSampleCount {
			return
		}
		if mean, ok := c.phase.local(t.Seq, t.TimestampUs); ok {
			c.emitDiff(mean)
		}
	}
}
