// ABOUTME: Engine tunables with defaults and validation
// ABOUTME: Window, rate-limit and escalation constants of the control loop
package aps

import (
	"errors"
	"fmt"
	"time"
)

// Config holds the control-loop tunables. Zero fields take the defaults
// from DefaultConfig.
type Config struct {
	// DefaultLevel is the nominal actuator level. Fine-trim bounds and
	// fault resets are relative to it.
	DefaultLevel Level
	// TargetOccupancyUs is the buffer depth the level controller steers to.
	TargetOccupancyUs uint32

	// Window is the peak-tracking window of the level controller.
	Window time.Duration
	// MinAdjustInterval is the hard rate limit between level changes.
	MinAdjustInterval time.Duration
	// SlowAdjustInterval gates moves away from center after a change.
	SlowAdjustInterval time.Duration
	// FineTrimBandUs is the occupancy error below which bounds narrow to
	// DefaultLevel±1.
	FineTrimBandUs uint32
	// DiagInterval forces a diagnostic record even without a change.
	DiagInterval time.Duration

	// MaxPhaseErrorUs is the largest link time difference corrected locally.
	MaxPhaseErrorUs uint32
	// MinPhaseErrorUs is the smallest link time difference worth correcting.
	MinPhaseErrorUs uint32

	// StartStaleLimit caps the remaining time reported by QueryStartState.
	StartStaleLimit time.Duration
	// CyclesPerMicrosecond converts between the cycle counter and time.
	CyclesPerMicrosecond uint32

	// DecodeErrorThreshold is the decode error count that forces a restart.
	DecodeErrorThreshold int
}

// DefaultConfig returns the production tunables.
func DefaultConfig() Config {
	return Config{
		DefaultLevel:         4,
		TargetOccupancyUs:    20000,
		Window:               300 * time.Millisecond,
		MinAdjustInterval:    220 * time.Millisecond,
		SlowAdjustInterval:   600 * time.Millisecond,
		FineTrimBandUs:       1000,
		DiagInterval:         3 * time.Second,
		MaxPhaseErrorUs:      3000,
		MinPhaseErrorUs:      3,
		StartStaleLimit:      50 * time.Millisecond,
		CyclesPerMicrosecond: 1,
		DecodeErrorThreshold: 3,
	}
}

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid aps config")

// Validate checks the configuration after defaults have been applied.
func (c Config) Validate() error {
	if c.DefaultLevel < MinPairedLevel || c.DefaultLevel > MaxPairedLevel {
		return fmt.Errorf("%w: default level %d outside %d..%d",
			ErrInvalidConfig, c.DefaultLevel, MinPairedLevel, MaxPairedLevel)
	}
	if c.Window <= 0 || c.MinAdjustInterval <= 0 || c.SlowAdjustInterval <= 0 || c.DiagInterval <= 0 {
		return fmt.Errorf("%w: intervals must be positive", ErrInvalidConfig)
	}
	if c.SlowAdjustInterval < c.MinAdjustInterval {
		return fmt.Errorf("%w: slow adjust interval %v below rate limit %v",
			ErrInvalidConfig, c.SlowAdjustInterval, c.MinAdjustInterval)
	}
	if c.MinPhaseErrorUs > c.MaxPhaseErrorUs {
		return fmt.Errorf("%w: phase error window %d..%d is empty",
			ErrInvalidConfig, c.MinPhaseErrorUs, c.MaxPhaseErrorUs)
	}
	if c.DecodeErrorThreshold <= 0 {
		return fmt.Errorf("%w: decode error threshold must be positive", ErrInvalidConfig)
	}
	return nil
}

func applyDefaults(c *Config) {
	d := DefaultConfig()
	if c.DefaultLevel == 0 {
		c.DefaultLevel = d.DefaultLevel
	}
	if c.TargetOccupancyUs == 0 {
		c.TargetOccupancyUs = d.TargetOccupancyUs
	}
	if c.Window == 0 {
		c.Window = d.Window
	}
	if c.MinAdjustInterval == 0 {
		c.MinAdjustInterval = d.MinAdjustInterval
	}
	if c.SlowAdjustInterval == 0 {
		c.SlowAdjustInterval = d.SlowAdjustInterval
	}
	if c.FineTrimBandUs == 0 {
		c.FineTrimBandUs = d.FineTrimBandUs
	}
	if c.DiagInterval == 0 {
		c.DiagInterval = d.DiagInterval
	}
	if c.MaxPhaseErrorUs == 0 {
		c.MaxPhaseErrorUs = d.MaxPhaseErrorUs
	}
	if c.MinPhaseErrorUs == 0 {
		c.MinPhaseErrorUs = d.MinPhaseErrorUs
	}
	if c.StartStaleLimit == 0 {
		c.StartStaleLimit = d.StartStaleLimit
	}
	if c.CyclesPerMicrosecond == 0 {
		c.CyclesPerMicrosecond = d.CyclesPerMicrosecond
	}
	if c.DecodeErrorThreshold == 0 {
		c.DecodeErrorThreshold = d.DecodeErrorThreshold
	}
}
