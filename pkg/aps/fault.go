// ABOUTME: Fault supervisor for drift, decode errors and underrun
// ABOUTME: Resets the control loop to its defaults and asks the link to renegotiate
package aps

import "time"

// OnDecodeError reports the running decode error count. Reaching
// Config.DecodeErrorThreshold requests a restart carrying count as hint.
func (e *Engine) OnDecodeError(count int) error {
	if err := e.enter(); err != nil {
		return err
	}
	var o outbox
	if e.st.fault == FaultNormal && count >= e.cfg.DecodeErrorThreshold {
		hint := uint16(0xffff)
		if count < int(hint) {
			hint = uint16(count)
		}
		e.restartLocked(CauseDecodeErrors, hint, e.clock.Now(), &o)
	}
	e.leave(&o)
	return nil
}

// OnUnderrun reports an output underrun.
func (e *Engine) OnUnderrun() error {
	if err := e.enter(); err != nil {
		return err
	}
	var o outbox
	e.underrunLocked(e.clock.Now(), &o)
	e.leave(&o)
	return nil
}

// underrunLocked ignores underruns in simple mode, which has no peer to
// renegotiate with, and while a restart is already pending.
func (e *Engine) underrunLocked(now time.Duration, o *outbox) {
	if e.st.fault != FaultNormal || e.st.mode == ModeSimple {
		return
	}
	e.restartLocked(CauseUnderrun, 0, now, o)
}

// OnRestartComplete is called once the link has renegotiated the stream.
func (e *Engine) OnRestartComplete() error {
	if err := e.enter(); err != nil {
		return err
	}
	var o outbox
	if e.st.fault == FaultRestarting {
		e.st.fault = FaultNormal
		e.st.windowPeak = 0
		e.st.windowStart = e.clock.Now()
		o.recovered = true
	}
	e.leave(&o)
	return nil
}

// restartLocked drops back to the default level and queues one restart
// request. Drift escalates even while Restarting since the peer may have
// drifted again during renegotiation.
func (e *Engine) restartLocked(cause RestartCause, hint uint16, now time.Duration, o *outbox) {
	st := &e.st
	e.cancelAlignLocked(now, o)

	st.dest = st.def
	e.setLevelLocked(st.def)
	st.checkCount = 0
	st.windowPeak = 0
	st.windowStart = now
	st.lastAdjust = now

	st.firstSeq = 0
	st.decodeStarted = false
	st.streamingStarted = false
	st.scheduledStart = 0

	st.fault = FaultRestarting
	st.restarts++

	o.restart = true
	o.restartHint = hint
	o.restartRec = RestartRecord{At: now, Cause: cause, Hint: hint}
}
