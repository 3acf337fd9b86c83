// ABOUTME: Startup coordinator aligning first decode and first rendered sample
// ABOUTME: Tracks the scheduled start on the wrapping cycle counter
package aps

import (
	"fmt"
	"time"
)

// SetFirstPacket records the sequence number of the first packet of the
// stream and whether its decode has begun.
func (e *Engine) SetFirstPacket(seq uint16, decodeStarted bool) error {
	if err := e.enter(); err != nil {
		return err
	}
	e.st.firstSeq = seq
	e.st.decodeStarted = decodeStarted
	e.mu.Unlock()
	return nil
}

// BeginStreaming starts the output pipeline now and schedules the first
// rendered sample delayUs from now.
func (e *Engine) BeginStreaming(delayUs uint32) error {
	e.mu.Lock()
	ok := e.st.initialized
	e.mu.Unlock()
	if !ok {
		return ErrNotInitialized
	}

	if err := e.output.Start(); err != nil {
		return fmt.Errorf("start output: %w", err)
	}

	if err := e.enter(); err != nil {
		return err
	}
	st := &e.st
	st.scheduledStart = CycleInstant(e.clock.Cycles()).Add(delayUs * e.cfg.CyclesPerMicrosecond)
	st.streamingStarted = true
	o := outbox{
		streamInfo: true,
		info: StreamInfo{
			Format:       st.session.Format,
			Channels:     e.output.Channels(),
			FirstSeq:     st.firstSeq,
			SampleRateHz: e.output.SampleRateKHz() * 1000,
			WatermarkUs:  e.cfg.TargetOccupancyUs,
			PacketTimeUs: st.session.PacketTimeUs,
			PlayTime:     st.scheduledStart,
		},
	}
	e.leave(&o)
	return nil
}

// QueryStartState reports startup progress. RemainingUs is the time left
// until the scheduled first sample; values that are negative or beyond
// Config.StartStaleLimit are reported as 0 since they can only come from an
// elapsed start or a counter wrap.
func (e *Engine) QueryStartState() (StartState, error) {
	if err := e.enter(); err != nil {
		return StartState{}, err
	}
	defer e.mu.Unlock()

	st := &e.st
	s := StartState{
		DecodeStarted:    st.decodeStarted,
		StreamingStarted: st.streamingStarted,
		Seq:              st.firstSeq,
	}
	if !st.streamingStarted {
		return s, nil
	}

	cycles := st.scheduledStart.Since(CycleInstant(e.clock.Cycles()))
	if cycles <= 0 {
		return s, nil
	}
	remaining := uint32(cycles) / e.cfg.CyclesPerMicrosecond
	if time.Duration(remaining)*time.Microsecond > e.cfg.StartStaleLimit {
		return s, nil
	}
	s.RemainingUs = remaining
	return s, nil
}
