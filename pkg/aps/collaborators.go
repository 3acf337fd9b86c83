// ABOUTME: Interfaces of the engine's external collaborators
// ABOUTME: Output pipeline, link synchronization service and diagnostic sink
package aps

import "time"

// OutputPipeline is the audio output path that owns the buffer and the
// physical rate actuator.
type OutputPipeline interface {
	OccupancyUs() uint32
	IsUnderrun() bool
	Start() error
	Stop() error
	// SetActuatorLevel is called inside the engine's critical section. It
	// must not block and must not call back into the engine.
	SetActuatorLevel(level Level)
	// OutputLatencyUs reports the render latency; ok is false when the
	// hardware has no reading.
	OutputLatencyUs() (us uint32, ok bool)
	Channels() int
	SampleRateKHz() int
}

// SampleCounter is implemented by pipelines with a hardware sample counter.
// The telemetry recorder then forwards sample counts instead of reading
// the link clock.
type SampleCounter interface {
	OversampleRatio() uint32
}

// LinkService is the wireless link's synchronization service. The engine
// never calls it while holding its critical section, so implementations may
// call back into the engine.
type LinkService interface {
	Role() Role
	// LinkClockNowUs returns the shared link clock; ok is false when the
	// link has no clock yet.
	LinkClockNowUs() (us uint64, ok bool)
	RequestRestart(errorHint uint16)
	PropagateLevelChange(level Level)
	NotifyBufferChange(occupancyUs uint32)
	SetStreamInfo(info StreamInfo)
	SetSyncPolicy(kind SyncPolicy, enabled bool)
	ForwardPacketInfo(t PacketTelemetry)
}

// LevelRecord is the level controller's diagnostic record.
type LevelRecord struct {
	At      time.Duration
	Role    Role
	Level   Level
	Changed bool
	Min     Level
	Max     Level
	Fine    bool
	PeakUs  uint32
	Checks  int
	Elapsed time.Duration
}

// SessionRecord describes a phase alignment session start or end.
type SessionRecord struct {
	At       time.Duration
	DiffUs   int32
	From     Level
	Target   Level
	Duration time.Duration
	Ended    bool
}

// RestartCause names the trigger of a restart request.
type RestartCause int

const (
	CauseDrift RestartCause = iota
	CauseDecodeErrors
	CauseUnderrun
)

func (c RestartCause) String() string {
	switch c {
	case CauseDecodeErrors:
		return "decode-errors"
	case CauseUnderrun:
		return "underrun"
	default:
		return "drift"
	}
}

// RestartRecord describes a restart request.
type RestartRecord struct {
	At    time.Duration
	Cause RestartCause
	Hint  uint16
}

// DiagnosticSink receives diagnostic records after the critical section has
// ended. Implementations must not block.
type DiagnosticSink interface {
	RecordLevel(LevelRecord)
	RecordSession(SessionRecord)
	RecordRestart(RestartRecord)
}
