// ABOUTME: Cross-earbud phase tracker run on the slave
// ABOUTME: Matches both devices' render estimates per packet and averages the difference
package link

import (
	"math"
	"sync"
)

const ringSize = 64

type ringEntry struct {
	seq       uint16
	local     uint64
	master    uint64
	hasLocal  bool
	hasMaster bool
}

// phaseTracker pairs this device's render timestamp with the master's for
// the same sequence number. Whichever side arrives first waits in a fixed
// ring; entries that are overwritten before matching are lost.
type phaseTracker struct {
	window int

	mu   sync.Mutex
	ring [ringSize]ringEntry
	sum  int64
	n    int
}

func newPhaseTracker(window int) *phaseTracker {
	return &phaseTracker{window: window}
}

// local records this device's estimate. It returns a mean difference when a
// full window has been matched.
func (p *phaseTracker) local(seq uint16, ts uint64) (int32, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e := p.slot(seq)
	e.local, e.hasLocal = ts, true
	return p.matchLocked(e)
}

// master records the master's estimate.
func (p *phaseTracker) master(seq uint16, ts uint64) (int32, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e := p.slot(seq)
	e.master, e.hasMaster = ts, true
	return p.matchLocked(e)
}

func (p *phaseTracker) slot(seq uint16) *ringEntry {
	e := &p.ring[int(seq)%ringSize]
	if e.seq != seq {
		*e = ringEntry{seq: seq}
	}
	return e
}

func (p *phaseTracker) matchLocked(e *ringEntry) (int32, bool) {
	if !e.hasLocal || !e.hasMaster || e.local == 0 || e.master == 0 {
		return 0, false
	}
	// Negative when this device renders the packet after the master does.
	diff := int64(e.master) - int64(e.local)
	e.hasLocal, e.hasMaster = false, false

	p.sum += diff
	p.n++
	if p.n < p.window {
		return 0, false
	}
	mean := p.sum / int64(p.n)
	p.sum, p.n = 0, 0
	return clampInt32(mean), true
}

func (p *phaseTracker) reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ring = [ringSize]ringEntry{}
	p.sum, p.n = 0, 0
}

func clampInt32(v int64) int32 {
	if v > math.MaxInt32 {
		return math.MaxInt32
	}
	if v < math.MinInt32 {
		return math.MinInt32
	}
	return int32(v)
}
