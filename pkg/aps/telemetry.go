// ABOUTME: Per-packet telemetry forwarded to the link service
// ABOUTME: Uses the hardware sample counter when present, the link clock otherwise
package aps

// OnPacketDecoded records a decoded packet. samples is the per-channel
// sample count the packet decoded to.
func (e *Engine) OnPacketDecoded(seq uint16, length, frames, samples int) error {
	var linkNow uint64
	var latency uint32
	clockOK, latencyOK := true, true
	if e.counter == nil {
		linkNow, clockOK = e.link.LinkClockNowUs()
		latency, latencyOK = e.output.OutputLatencyUs()
		if !clockOK {
			linkNow = 0
		}
		if !latencyOK {
			latency = 0
		}
	}

	if err := e.enter(); err != nil {
		return err
	}
	var o outbox
	st := &e.st
	t := PacketTelemetry{
		Kind:   PacketDecoded,
		Seq:    seq,
		Length: length,
		Frames: frames,
	}
	if e.counter != nil {
		t.HasSampleCount = true
		t.SampleCount = st.sampleCount
		if samples > 0 {
			st.sampleCount += uint32(samples) * st.oversample
		}
	} else {
		t.TimestampUs = linkNow + uint64(latency)
		o.noLinkClock = !clockOK
		o.noLatency = !latencyOK
	}
	st.lastPacket = t
	o.packet = true
	o.telemetry = t
	e.leave(&o)
	return nil
}

// OnPacketArrived records a packet that has been received but not decoded.
// A zero arrival instant is replaced by the current cycle counter.
func (e *Engine) OnPacketArrived(seq uint16, length, frames int, arrival CycleInstant) error {
	if arrival == 0 {
		arrival = CycleInstant(e.clock.Cycles())
	}
	if err := e.enter(); err != nil {
		return err
	}
	o := outbox{
		packet: true,
		telemetry: PacketTelemetry{
			Kind:          PacketArrived,
			Seq:           seq,
			Length:        length,
			Frames:        frames,
			ArrivalCycles: uint32(arrival),
		},
	}
	e.leave(&o)
	return nil
}
