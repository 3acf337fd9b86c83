// ABOUTME: Recording output pipeline and link service doubles
// ABOUTME: Every outbound engine call is captured for later assertions
package apstest

import (
	"sync"

	"github.com/Sendspin/twsync/pkg/aps"
)

// Output is a scriptable aps.OutputPipeline.
type Output struct {
	mu sync.Mutex

	Occupancy  uint32
	Underrun   bool
	Latency    uint32
	HasLatency bool
	ChannelsN  int
	RateKHz    int
	StartErr   error
	StopErr    error
	Levels     []aps.Level
	Starts     int
	Stops      int
}

// NewOutput returns a stereo 48 kHz output with a 20 ms buffer.
func NewOutput() *Output {
	return &Output{
		Occupancy:  20000,
		Latency:    5000,
		HasLatency: true,
		ChannelsN:  2,
		RateKHz:    48,
	}
}

func (o *Output) OccupancyUs() uint32 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.Occupancy
}

func (o *Output) IsUnderrun() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.Underrun
}

func (o *Output) Start() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.Starts++
	return o.StartErr
}

func (o *Output) Stop() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.Stops++
	return o.StopErr
}

func (o *Output) SetActuatorLevel(l aps.Level) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.Levels = append(o.Levels, l)
}

func (o *Output) OutputLatencyUs() (uint32, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.Latency, o.HasLatency
}

func (o *Output) Channels() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.ChannelsN
}

func (o *Output) SampleRateKHz() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.RateKHz
}

// SetOccupancy changes the value returned by OccupancyUs.
func (o *Output) SetOccupancy(us uint32) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.Occupancy = us
}

// SetUnderrun changes the value returned by IsUnderrun.
func (o *Output) SetUnderrun(v bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.Underrun = v
}

// ActuatorLevels returns a copy of every level written so far.
func (o *Output) ActuatorLevels() []aps.Level {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]aps.Level(nil), o.Levels...)
}

// LastLevel returns the most recent actuator write, or 0.
func (o *Output) LastLevel() aps.Level {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.Levels) == 0 {
		return 0
	}
	return o.Levels[len(o.Levels)-1]
}

// CountingOutput adds a hardware sample counter to Output.
type CountingOutput struct {
	*Output
	Oversample uint32
}

func (c *CountingOutput) OversampleRatio() uint32 {
	return c.Oversample
}

// Link is a scriptable aps.LinkService.
type Link struct {
	mu sync.Mutex

	RoleV    aps.Role
	ClockUs  uint64
	HasClock bool

	Restarts      []uint16
	Propagated    []aps.Level
	BufferChanges []uint32
	StreamInfos   []aps.StreamInfo
	Policies      map[aps.SyncPolicy]bool
	Packets       []aps.PacketTelemetry
}

// NewLink returns a link in the given role with a valid clock at zero.
func NewLink(r aps.Role) *Link {
	return &Link{
		RoleV:    r,
		HasClock: true,
		Policies: make(map[aps.SyncPolicy]bool),
	}
}

func (l *Link) Role() aps.Role {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.RoleV
}

func (l *Link) LinkClockNowUs() (uint64, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ClockUs, l.HasClock
}

func (l *Link) RequestRestart(hint uint16) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Restarts = append(l.Restarts, hint)
}

func (l *Link) PropagateLevelChange(lv aps.Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Propagated = append(l.Propagated, lv)
}

func (l *Link) NotifyBufferChange(us uint32) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.BufferChanges = append(l.BufferChanges, us)
}

func (l *Link) SetStreamInfo(info aps.StreamInfo) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.StreamInfos = append(l.StreamInfos, info)
}

func (l *Link) SetSyncPolicy(p aps.SyncPolicy, enabled bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Policies[p] = enabled
}

func (l *Link) ForwardPacketInfo(t aps.PacketTelemetry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Packets = append(l.Packets, t)
}

// SetRole changes the role reported to the engine.
func (l *Link) SetRole(r aps.Role) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.RoleV = r
}

// SetClock changes the link clock reading.
func (l *Link) SetClock(us uint64, ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ClockUs, l.HasClock = us, ok
}

// RestartCount returns the number of restart requests seen.
func (l *Link) RestartCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.Restarts)
}

// PropagatedLevels returns a copy of every propagated level.
func (l *Link) PropagatedLevels() []aps.Level {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]aps.Level(nil), l.Propagated...)
}

// PacketInfos returns a copy of every forwarded telemetry record.
func (l *Link) PacketInfos() []aps.PacketTelemetry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]aps.PacketTelemetry(nil), l.Packets...)
}

// Policy reports whether a sync policy is enabled.
func (l *Link) Policy(p aps.SyncPolicy) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.Policies[p]
}

// Sink records every diagnostic record.
type Sink struct {
	mu       sync.Mutex
	Levels   []aps.LevelRecord
	Sessions []aps.SessionRecord
	Faults   []aps.RestartRecord
}

func (s *Sink) RecordLevel(r aps.LevelRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Levels = append(s.Levels, r)
}

func (s *Sink) RecordSession(r aps.SessionRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Sessions = append(s.Sessions, r)
}

func (s *Sink) RecordRestart(r aps.RestartRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Faults = append(s.Faults, r)
}

// SessionRecords returns a copy of the session records.
func (s *Sink) SessionRecords() []aps.SessionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]aps.SessionRecord(nil), s.Sessions...)
}

// RestartRecords returns a copy of the restart records.
func (s *Sink) RestartRecords() []aps.RestartRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]aps.RestartRecord(nil), s.Faults...)
}
