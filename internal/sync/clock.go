// ABOUTME: Relay clock estimation with drift compensation
// ABOUTME: Tracks offset and frequency drift between this earbud and the relay
package sync

import (
	"log"
	"sync"
	"time"
)

const (
	maxRTTMicros      = 100000 // samples above this are congestion, not clock
	goodRTTMicros     = 50000
	maxResidualMicros = 50000
	lostAfter         = 5 * time.Second
)

// ClockSync estimates the relay clock from NTP-style exchanges
type ClockSync struct {
	mu             sync.RWMutex
	offset         int64   // relay - local, microseconds
	drift          float64 // dimensionless, μs/μs
	rawOffset      int64
	rtt            int64
	quality        Quality
	lastSync       time.Time
	lastSyncMicros int64 // local time (μs) of the last accepted sample
	sampleCount    int
	smoothingRate  float64

	now func() int64
}

// Quality represents sync quality
type Quality int

const (
	QualityGood Quality = iota
	QualityDegraded
	QualityLost
)

func (q Quality) String() string {
	switch q {
	case QualityGood:
		return "good"
	case QualityDegraded:
		return "degraded"
	default:
		return "lost"
	}
}

// NewClockSync creates a synchronizer over the local wall clock
func NewClockSync() *ClockSync {
	return NewClockSyncWith(LocalMicros)
}

// NewClockSyncWith uses now as the local clock in microseconds.
func NewClockSyncWith(now func() int64) *ClockSync {
	return &ClockSync{
		smoothingRate: 0.1,
		quality:       QualityLost,
		now:           now,
	}
}

// LocalMicros returns the local Unix epoch time in microseconds.
func LocalMicros() int64 {
	return time.Now().UnixMicro()
}

// Now returns the local clock used by this synchronizer.
func (cs *ClockSync) Now() int64 {
	return cs.now()
}

// ProcessSyncResponse folds in one relay/time answer. t1 and t4 are local,
// t2 and t3 relay timestamps.
func (cs *ClockSync) ProcessSyncResponse(t1, t2, t3, t4 int64) {
	rtt, measured := calculateOffset(t1, t2, t3, t4)

	cs.mu.Lock()
	defer cs.mu.Unlock()

	cs.rtt = rtt
	cs.rawOffset = measured
	cs.lastSync = time.Now()

	if rtt > maxRTTMicros {
		log.Printf("Discarding sync sample: high RTT %dμs", rtt)
		return
	}

	switch cs.sampleCount {
	case 0:
		cs.offset = measured
		cs.lastSyncMicros = t4
		cs.sampleCount++
		cs.quality = QualityGood
		log.Printf("Initial sync: offset=%dμs, rtt=%dμs", cs.offset, rtt)
		return
	case 1:
		if dt := float64(t4 - cs.lastSyncMicros); dt > 0 {
			cs.drift = float64(measured-cs.offset) / dt
		}
		cs.offset = measured
		cs.lastSyncMicros = t4
		cs.sampleCount++
		cs.quality = QualityGood
		return
	}

	dt := float64(t4 - cs.lastSyncMicros)
	if dt <= 0 {
		log.Printf("Discarding sync sample: non-monotonic time")
		return
	}

	predicted := cs.offset + int64(cs.drift*dt)
	residual := measured - predicted
	if residual > maxResidualMicros || residual < -maxResidualMicros {
		log.Printf("Discarding sync sample: large residual %dμs", residual)
		return
	}

	// Fixed-gain Kalman style update of offset and drift.
	cs.offset = predicted + int64(cs.smoothingRate*float64(residual))
	cs.drift += cs.smoothingRate * float64(residual) / dt
	cs.lastSyncMicros = t4
	cs.sampleCount++

	if rtt < goodRTTMicros {
		cs.quality = QualityGood
	} else {
		cs.quality = QualityDegraded
	}
}

// calculateOffset computes RTT and clock offset
func calculateOffset(t1, t2, t3, t4 int64) (rtt, offset int64) {
	rtt = (t4 - t1) - (t3 - t2)
	offset = ((t2 - t1) + (t3 - t4)) / 2
	return
}

// Synced reports whether at least one sample was accepted.
func (cs *ClockSync) Synced() bool {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.sampleCount > 0
}

// GetStats returns sync statistics
func (cs *ClockSync) GetStats() (offset, rtt int64, quality Quality) {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.offset, cs.rtt, cs.quality
}

// Drift returns the estimated frequency error in parts per million.
func (cs *ClockSync) Drift() float64 {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.drift * 1e6
}

// CheckQuality updates quality based on time since last sync
func (cs *ClockSync) CheckQuality() Quality {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if cs.sampleCount > 0 && time.Since(cs.lastSync) > lostAfter {
		cs.quality = QualityLost
	}
	return cs.quality
}

// RelayMicros returns the current relay clock. ok is false before the first
// accepted sample.
func (cs *ClockSync) RelayMicros() (us int64, ok bool) {
	local := cs.now()

	cs.mu.RLock()
	defer cs.mu.RUnlock()

	if cs.sampleCount == 0 {
		return 0, false
	}
	return cs.toRelay(local), true
}

// toRelay applies relay = local + offset + drift * (local - last_sync).
func (cs *ClockSync) toRelay(local int64) int64 {
	dt := local - cs.lastSyncMicros
	return local + cs.offset + int64(cs.drift*float64(dt))
}

// RelayToLocal converts a relay timestamp to local microseconds.
func (cs *ClockSync) RelayToLocal(relay int64) int64 {
	cs.mu.RLock()
	defer cs.mu.RUnlock()

	if cs.sampleCount == 0 {
		return relay
	}

	// Inverse of toRelay.
	num := float64(relay) - float64(cs.offset) + cs.drift*float64(cs.lastSyncMicros)
	return int64(num / (1.0 + cs.drift))
}

// RelayToLocalTime converts a relay timestamp to a wall clock time.
func (cs *ClockSync) RelayToLocalTime(relay int64) time.Time {
	return time.UnixMicro(cs.RelayToLocal(relay))
}
