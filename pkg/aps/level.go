// ABOUTME: Occupancy-driven level controller
// ABOUTME: Peak-per-window decisions with hysteresis, rate limiting and fine trim
package aps

import "time"

// FeedOccupancy drives the level controller with one occupancy sample. It
// is called once per output interval. An underrun reported by the output
// is handed to the fault supervisor first.
func (e *Engine) FeedOccupancy(occupancyUs uint32) error {
	role := e.link.Role()
	underrun := e.output.IsUnderrun()

	if err := e.enter(); err != nil {
		return err
	}
	var o outbox
	now := e.clock.Now()
	e.adoptRoleLocked(role, now, &o)
	if underrun {
		e.underrunLocked(now, &o)
	}
	e.decideLocked(occupancyUs, now, &o)
	e.leave(&o)
	return nil
}

// Tick feeds the output pipeline's own occupancy reading.
func (e *Engine) Tick() error {
	return e.FeedOccupancy(e.output.OccupancyUs())
}

// ApplyPeerLevel adopts a level decided by the master earbud. Any local
// alignment session is dropped.
func (e *Engine) ApplyPeerLevel(l Level) error {
	if !l.Valid() {
		return ErrInvalidLevel
	}
	if err := e.enter(); err != nil {
		return err
	}
	var o outbox
	now := e.clock.Now()
	st := &e.st

	lo, hi := e.boundsFor(st.role)
	l = clampLevel(l, lo, hi)
	e.cancelAlignLocked(now, &o)
	if l != st.dest {
		st.dest = l
		e.setLevelLocked(l)
		st.checkCount = 0
		st.lastAdjust = now
		st.lastDiag = now
		o.levelRec = true
		o.level = LevelRecord{
			At:      now,
			Role:    st.role,
			Level:   l,
			Changed: true,
			Min:     lo,
			Max:     hi,
		}
	}
	e.leave(&o)
	return nil
}

// adoptRoleLocked records the link role. A level outside the new role's
// bounds is pulled inside them at once instead of at the next window.
func (e *Engine) adoptRoleLocked(role Role, now time.Duration, o *outbox) {
	st := &e.st
	if role == st.role {
		return
	}
	st.role = role
	lo, hi := e.boundsFor(role)
	if clampLevel(st.dest, lo, hi) == st.dest && clampLevel(st.current, lo, hi) == st.current {
		return
	}
	e.cancelAlignLocked(now, o)
	l := clampLevel(st.dest, lo, hi)
	st.dest = l
	e.setLevelLocked(l)
	st.checkCount = 0
	st.lastAdjust = now
	if role == RoleMaster {
		o.propagate = true
		o.propagateLevel = l
	}
	o.levelRec = true
	o.level = LevelRecord{
		At:      now,
		Role:    role,
		Level:   l,
		Changed: true,
		Min:     lo,
		Max:     hi,
	}
}

func (e *Engine) boundsFor(r Role) (Level, Level) {
	if r.Paired() {
		return MinPairedLevel, MaxPairedLevel
	}
	return MinLevel, MaxLevel
}

// decideLocked tracks the window peak and, at a window boundary, runs one
// decision step.
func (e *Engine) decideLocked(sample uint32, now time.Duration, o *outbox) {
	st := &e.st
	if sample > st.windowPeak {
		st.windowPeak = sample
	}
	if now-st.windowStart < e.cfg.Window {
		return
	}
	peak := st.windowPeak
	st.windowPeak = 0
	st.windowStart = now

	o.bufferChange = true
	o.occupancyUs = peak

	// A renegotiation is in flight; levels were reset and will be reset
	// again when it completes.
	if st.fault == FaultRestarting {
		return
	}

	target := e.cfg.TargetOccupancyUs
	base := st.dest
	lo, hi := e.boundsFor(st.role)
	fine := absDiffU32(peak, target) <= e.cfg.FineTrimBandUs && levelDistance(base, st.def) <= 1
	if fine {
		lo = maxLevel(lo, st.def-1)
		hi = minLevel(hi, st.def+1)
	}

	switch {
	case peak > target:
		if st.checkCount < 2 {
			st.checkCount++
		}
	case peak < target:
		if st.checkCount > -2 {
			st.checkCount--
		}
	}

	elapsed := now - st.lastAdjust
	rec := LevelRecord{
		At:      now,
		Role:    st.role,
		Level:   base,
		Min:     lo,
		Max:     hi,
		Fine:    fine,
		PeakUs:  peak,
		Checks:  st.checkCount,
		Elapsed: elapsed,
	}

	// The slave follows the master's propagated level and only reports.
	if st.role != RoleSlave {
		if next, ok := e.propose(base, peak, elapsed, lo, hi, fine); ok {
			e.cancelAlignLocked(now, o)
			st.dest = next
			e.setLevelLocked(next)
			st.checkCount = 0
			st.lastAdjust = now

			rec.Level = next
			rec.Changed = true
			rec.Checks = 0
			if st.role == RoleMaster {
				o.propagate = true
				o.propagateLevel = next
			}
		}
	}

	if rec.Changed || now-st.lastDiag >= e.cfg.DiagInterval {
		st.lastDiag = now
		o.levelRec = true
		o.level = rec
	}
}

// propose returns the next level, or false when the level should hold.
func (e *Engine) propose(base Level, peak uint32, elapsed time.Duration, lo, hi Level, fine bool) (Level, bool) {
	if elapsed < e.cfg.MinAdjustInterval {
		return 0, false
	}

	target := e.cfg.TargetOccupancyUs
	next := int(base)
	switch {
	case e.st.checkCount >= 2:
		next++
	case e.st.checkCount <= -2:
		next--
	case peak > target:
		next++
	case peak < target:
		next--
	}

	// Shortly after a change only the escape from an extreme back toward
	// center is allowed.
	if elapsed <= e.cfg.SlowAdjustInterval && !fine {
		escape := (base <= lo && next > int(base)) || (base >= hi && next < int(base))
		if !escape {
			next = int(base)
		}
	}

	if next < int(lo) {
		next = int(lo)
	}
	if next > int(hi) {
		next = int(hi)
	}

	def := int(e.st.def)
	if int(base) < def && next > int(base) && next > def {
		next = def
	}
	if int(base) > def && next < int(base) && next < def {
		next = def
	}

	if next == int(base) {
		return 0, false
	}
	return Level(next), true
}

func clampLevel(l, lo, hi Level) Level {
	if l < lo {
		return lo
	}
	if l > hi {
		return hi
	}
	return l
}

func minLevel(a, b Level) Level {
	if a < b {
		return a
	}
	return b
}

func maxLevel(a, b Level) Level {
	if a > b {
		return a
	}
	return b
}

func levelDistance(a, b Level) int {
	if a > b {
		return int(a - b)
	}
	return int(b - a)
}

func absDiffU32(a, b uint32) uint32 {
	if a > b {
		return a - b
	}
	return b - a
}
