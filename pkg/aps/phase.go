// ABOUTME: Link phase-error corrector
// ABOUTME: Holds a neighbouring level for a computed time, then reverts to the settled level
package aps

import "time"

// OnLinkTimeDiff corrects a cross-device phase error reported by the link
// service. Negative diffUs means this device renders late and must speed
// up. Errors larger than Config.MaxPhaseErrorUs are escalated to a restart.
func (e *Engine) OnLinkTimeDiff(diffUs int32) error {
	if err := e.enter(); err != nil {
		return err
	}
	var o outbox
	e.alignLocked(diffUs, e.clock.Now(), &o)
	e.leave(&o)
	return nil
}

func (e *Engine) alignLocked(diffUs int32, now time.Duration, o *outbox) {
	st := &e.st
	mag := absInt32(diffUs)

	if mag > e.cfg.MaxPhaseErrorUs {
		e.restartLocked(CauseDrift, 0, now, o)
		return
	}

	e.cancelAlignLocked(now, o)

	if mag < e.cfg.MinPhaseErrorUs {
		return
	}

	entry := st.steps.Entry(st.dest)
	var target Level
	var step time.Duration
	if diffUs < 0 {
		target = st.dest + 1
		step = entry.Fast
	} else {
		target = st.dest - 1
		step = entry.Slow
	}
	if !target.Valid() || step == 0 {
		return
	}

	hold := scaleStep(step, mag)
	if hold <= 0 {
		return
	}

	st.align = alignment{
		active:   true,
		target:   target,
		diffUs:   diffUs,
		deadline: now + hold,
	}
	e.setLevelLocked(target)
	st.align.timer = e.clock.AfterFunc(hold, e.expire)

	o.addSession(SessionRecord{
		At:       now,
		DiffUs:   diffUs,
		From:     st.dest,
		Target:   target,
		Duration: hold,
	})
}

// cancelAlignLocked stops the pending revert and resolves the active session
// immediately. The timer is stopped before anything else is committed.
func (e *Engine) cancelAlignLocked(now time.Duration, o *outbox) {
	if !e.st.align.active {
		return
	}
	if e.st.align.timer != nil {
		e.st.align.timer.Stop()
	}
	e.endAlignLocked(now, o)
}

func (e *Engine) endAlignLocked(now time.Duration, o *outbox) {
	st := &e.st
	st.align = alignment{}
	e.setLevelLocked(st.dest)
	o.addSession(SessionRecord{
		At:    now,
		From:  st.dest,
		Ended: true,
	})
}

// onSessionDeadline runs in the timer context. A timer whose session was
// replaced after it started firing finds a later deadline and does nothing.
func (e *Engine) onSessionDeadline() {
	if err := e.enter(); err != nil {
		return
	}
	var o outbox
	now := e.clock.Now()
	if e.st.align.active && now >= e.st.align.deadline {
		e.endAlignLocked(now, &o)
	}
	e.leave(&o)
}

func absInt32(v int32) uint32 {
	if v < 0 {
		return uint32(-int64(v))
	}
	return uint32(v)
}
