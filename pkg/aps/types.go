// ABOUTME: Engine value types shared with collaborators
// ABOUTME: Levels, roles, modes, telemetry records and session parameters
package aps

import "fmt"

// Level is one of the eight discrete settings of the playback-rate actuator.
// Higher levels consume buffered audio faster.
type Level uint8

const (
	MinLevel Level = 1
	MaxLevel Level = 8

	// Paired sessions keep one step of headroom at both ends for the phase aligner.
	MinPairedLevel Level = 2
	MaxPairedLevel Level = 7
)

// Valid reports whether l is a level the actuator can be set to.
func (l Level) Valid() bool {
	return l >= MinLevel && l <= MaxLevel
}

// Role is this device's position in the earbud pair.
type Role int

const (
	RoleNone Role = iota
	RoleMaster
	RoleSlave
)

func (r Role) String() string {
	switch r {
	case RoleMaster:
		return "master"
	case RoleSlave:
		return "slave"
	default:
		return "none"
	}
}

// Paired reports whether a peer is present.
func (r Role) Paired() bool {
	return r != RoleNone
}

// ParseRole converts the wire representation back to a Role.
func ParseRole(s string) (Role, error) {
	switch s {
	case "none", "":
		return RoleNone, nil
	case "master":
		return RoleMaster, nil
	case "slave":
		return RoleSlave, nil
	default:
		return RoleNone, fmt.Errorf("unknown role %q", s)
	}
}

// Mode selects how aggressively the session reacts to underruns.
type Mode int

const (
	// ModeFull is regular media playback.
	ModeFull Mode = iota
	// ModeSimple is used for short prompts; underruns never trigger a restart.
	ModeSimple
)

func (m Mode) String() string {
	if m == ModeSimple {
		return "simple"
	}
	return "full"
}

// SyncPolicy names a synchronization feature of the link service that the
// engine switches on and off.
type SyncPolicy int

const (
	PolicyRateAdjust SyncPolicy = iota
	PolicyPhaseAlign
)

func (p SyncPolicy) String() string {
	if p == PolicyPhaseAlign {
		return "phase-align"
	}
	return "rate-adjust"
}

// PacketKind tells the link service which path produced a telemetry record.
type PacketKind int

const (
	PacketDecoded PacketKind = iota
	PacketArrived
)

// PacketTelemetry is a per-packet record forwarded to the link service.
// It is passed by value and not retained by the engine.
type PacketTelemetry struct {
	Kind   PacketKind
	Seq    uint16
	Length int
	Frames int

	// Decoded packets carry either a hardware sample count or a link-clock
	// timestamp of when the packet's first sample will be rendered.
	HasSampleCount bool
	SampleCount    uint32
	TimestampUs    uint64

	// Arrived packets carry the local cycle counter at arrival.
	ArrivalCycles uint32
}

// StreamInfo describes the active stream to the link service.
type StreamInfo struct {
	Format       string
	Channels     int
	FirstSeq     uint16
	SampleRateHz int
	WatermarkUs  uint32
	PacketTimeUs uint32
	PlayTime     CycleInstant
}

// SessionContext carries the per-session parameters handed to Init.
type SessionContext struct {
	Mode         Mode
	Format       string
	PacketTimeUs uint32
}

// StartState answers QueryStartState.
type StartState struct {
	DecodeStarted    bool
	StreamingStarted bool
	Seq              uint16
	RemainingUs      uint32
}

// FaultState is the supervisor's state.
type FaultState int

const (
	FaultNormal FaultState = iota
	FaultRestarting
)

func (f FaultState) String() string {
	if f == FaultRestarting {
		return "restarting"
	}
	return "normal"
}

// Status is a point-in-time copy of the engine state for display and tests.
type Status struct {
	Initialized   bool
	Role          Role
	Mode          Mode
	Current       Level
	Dest          Level
	Default       Level
	CheckCount    int
	WindowPeakUs  uint32
	SessionActive bool
	SessionTarget Level
	Fault         FaultState
	Restarts      int
	Start         StartState
	LastPacket    PacketTelemetry
}
