// ABOUTME: Mutable per-session engine state and the deferred-notification outbox
// ABOUTME: Everything here is only touched inside the engine's critical section
package aps

import "time"

// state is the single EngineState of an active session.
type state struct {
	initialized bool
	session     SessionContext
	role        Role
	mode        Mode

	current Level // what the actuator is set to right now
	dest    Level // settled level; differs from current only during alignment
	def     Level

	// level controller
	windowPeak  uint32
	windowStart time.Duration
	checkCount  int
	lastAdjust  time.Duration
	lastDiag    time.Duration

	// phase aligner
	steps *StepTable
	align alignment

	// startup coordinator
	firstSeq         uint16
	decodeStarted    bool
	streamingStarted bool
	scheduledStart   CycleInstant

	// telemetry recorder
	sampleCount uint32
	oversample  uint32
	lastPacket  PacketTelemetry

	// fault supervisor
	fault    FaultState
	restarts int
}

// alignment is the at-most-one active phase alignment session.
type alignment struct {
	active   bool
	target   Level
	diffUs   int32
	deadline time.Duration
	timer    Timer
}

// outbox collects link notifications, diagnostics and log lines produced
// inside the critical section. It lives on the caller's stack and is
// flushed once the section has ended.
type outbox struct {
	propagate      bool
	propagateLevel Level

	restart     bool
	restartHint uint16
	restartRec  RestartRecord

	bufferChange bool
	occupancyUs  uint32

	packet    bool
	telemetry PacketTelemetry

	streamInfo bool
	info       StreamInfo

	levelRec    bool
	level       LevelRecord
	sessionRecs [2]SessionRecord
	nSession    int

	noLinkClock bool
	noLatency   bool
	recovered   bool
}

func (o *outbox) addSession(r SessionRecord) {
	if o.nSession < len(o.sessionRecs) {
		o.sessionRecs[o.nSession] = r
		o.nSession++
	}
}
