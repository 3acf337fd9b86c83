// ABOUTME: Engine construction, session lifecycle and the critical-section discipline
// ABOUTME: Link notifications are deferred until the critical section has ended
package aps

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

var (
	// ErrNotInitialized is returned by every operation outside Init/Deinit.
	ErrNotInitialized = errors.New("aps engine not initialized")
	// ErrAlreadyInitialized is returned by Init during an active session.
	ErrAlreadyInitialized = errors.New("aps engine already initialized")
	// ErrMissingDependency is returned by New without an output or link.
	ErrMissingDependency = errors.New("aps engine missing dependency")
	// ErrInvalidLevel is returned for levels outside 1..8.
	ErrInvalidLevel = errors.New("invalid aps level")
)

// Deps are the engine's collaborators.
type Deps struct {
	Output OutputPipeline
	Link   LinkService
	// Clock defaults to a SystemClock at Config.CyclesPerMicrosecond.
	Clock Clock
	// Logger defaults to slog.Default().
	Logger *slog.Logger
	// Sink is optional.
	Sink DiagnosticSink
}

// Engine is the synchronization engine of one playback route. All methods
// are safe to call from the output, link and timer contexts concurrently.
type Engine struct {
	cfg    Config
	output OutputPipeline
	link   LinkService
	clock  Clock
	log    *slog.Logger
	sink   DiagnosticSink

	counter SampleCounter

	// expire is bound once so arming a session timer does not allocate.
	expire func()

	// mu guards st. It is only held for O(1) work and never across a call
	// into the link service or the diagnostic sink.
	mu sync.Mutex
	st state
}

// New validates cfg and builds an engine. The engine is idle until Init.
func New(cfg Config, deps Deps) (*Engine, error) {
	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Output == nil || deps.Link == nil {
		return nil, fmt.Errorf("%w: output and link are required", ErrMissingDependency)
	}
	if deps.Clock == nil {
		deps.Clock = NewSystemClockRate(cfg.CyclesPerMicrosecond)
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	e := &Engine{
		cfg:    cfg,
		output: deps.Output,
		link:   deps.Link,
		clock:  deps.Clock,
		log:    deps.Logger.With("component", "aps"),
		sink:   deps.Sink,
	}
	if sc, ok := deps.Output.(SampleCounter); ok {
		e.counter = sc
	}
	e.expire = e.onSessionDeadline
	return e, nil
}

// Config returns the effective configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// Init starts a session: the actuator is set to the default level and the
// link's sync policies are enabled.
func (e *Engine) Init(ctx SessionContext) error {
	role := e.link.Role()
	rateKHz := e.output.SampleRateKHz()
	var oversample uint32
	if e.counter != nil {
		oversample = e.counter.OversampleRatio()
		if oversample == 0 {
			oversample = 1
		}
	}

	e.mu.Lock()
	if e.st.initialized {
		e.mu.Unlock()
		return ErrAlreadyInitialized
	}
	now := e.clock.Now()
	e.st = state{
		initialized: true,
		session:     ctx,
		role:        role,
		mode:        ctx.Mode,
		current:     e.cfg.DefaultLevel,
		dest:        e.cfg.DefaultLevel,
		def:         e.cfg.DefaultLevel,
		windowStart: now,
		lastAdjust:  now,
		lastDiag:    now,
		steps:       StepTableFor(rateKHz),
		oversample:  oversample,
	}
	e.output.SetActuatorLevel(e.cfg.DefaultLevel)
	e.mu.Unlock()

	e.link.SetSyncPolicy(PolicyRateAdjust, true)
	e.link.SetSyncPolicy(PolicyPhaseAlign, true)

	e.log.Info("session started",
		"role", role,
		"mode", ctx.Mode,
		"level", e.cfg.DefaultLevel,
		"rate_khz", rateKHz,
		"sample_counter", e.counter != nil)
	return nil
}

// Deinit ends the session. Pending alignment is dropped and the output is
// stopped if streaming had begun.
func (e *Engine) Deinit() error {
	e.mu.Lock()
	if !e.st.initialized {
		e.mu.Unlock()
		return ErrNotInitialized
	}
	if e.st.align.active && e.st.align.timer != nil {
		e.st.align.timer.Stop()
	}
	streaming := e.st.streamingStarted
	restarts := e.st.restarts
	e.st = state{}
	e.mu.Unlock()

	e.link.SetSyncPolicy(PolicyPhaseAlign, false)
	e.link.SetSyncPolicy(PolicyRateAdjust, false)

	e.log.Info("session ended", "restarts", restarts)

	if streaming {
		if err := e.output.Stop(); err != nil {
			return fmt.Errorf("stop output: %w", err)
		}
	}
	return nil
}

// Snapshot copies the current state.
func (e *Engine) Snapshot() Status {
	e.mu.Lock()
	defer e.mu.Unlock()

	st := &e.st
	return Status{
		Initialized:   st.initialized,
		Role:          st.role,
		Mode:          st.mode,
		Current:       st.current,
		Dest:          st.dest,
		Default:       st.def,
		CheckCount:    st.checkCount,
		WindowPeakUs:  st.windowPeak,
		SessionActive: st.align.active,
		SessionTarget: st.align.target,
		Fault:         st.fault,
		Restarts:      st.restarts,
		Start: StartState{
			DecodeStarted:    st.decodeStarted,
			StreamingStarted: st.streamingStarted,
			Seq:              st.firstSeq,
		},
		LastPacket: st.lastPacket,
	}
}

// CurrentPlayTimeUs returns the link clock, which is the time base both
// earbuds render against.
func (e *Engine) CurrentPlayTimeUs() (uint64, bool, error) {
	e.mu.Lock()
	ok := e.st.initialized
	e.mu.Unlock()
	if !ok {
		return 0, false, ErrNotInitialized
	}
	us, valid := e.link.LinkClockNowUs()
	return us, valid, nil
}

// enter opens the critical section. On success the caller owns e.mu and
// must call leave.
func (e *Engine) enter() error {
	e.mu.Lock()
	if !e.st.initialized {
		e.mu.Unlock()
		return ErrNotInitialized
	}
	return nil
}

// leave closes the critical section and dispatches what it produced.
func (e *Engine) leave(o *outbox) {
	e.mu.Unlock()
	e.flush(o)
}

// setLevelLocked moves the physical actuator.
func (e *Engine) setLevelLocked(l Level) {
	e.st.current = l
	e.output.SetActuatorLevel(l)
}

func (e *Engine) flush(o *outbox) {
	if o.restart {
		e.log.Warn("restart requested",
			"cause", o.restartRec.Cause,
			"hint", o.restartHint)
		e.link.RequestRestart(o.restartHint)
		if e.sink != nil {
			e.sink.RecordRestart(o.restartRec)
		}
	}
	if o.propagate {
		e.link.PropagateLevelChange(o.propagateLevel)
	}
	if o.bufferChange {
		e.link.NotifyBufferChange(o.occupancyUs)
	}
	if o.streamInfo {
		e.link.SetStreamInfo(o.info)
	}
	if o.packet {
		e.link.ForwardPacketInfo(o.telemetry)
	}
	if o.noLinkClock {
		e.log.Debug("link clock unavailable, timestamp degraded", "seq", o.telemetry.Seq)
	}
	if o.noLatency {
		e.log.Debug("output latency unavailable", "seq", o.telemetry.Seq)
	}
	if o.recovered {
		e.log.Info("restart complete")
	}

	if o.levelRec {
		r := o.level
		attrs := []any{
			"role", r.Role,
			"level", r.Level,
			"min", r.Min,
			"max", r.Max,
			"fine", r.Fine,
			"peak_us", r.PeakUs,
			"checks", r.Checks,
			"elapsed", r.Elapsed,
		}
		if r.Changed {
			e.log.Info("level changed", attrs...)
		} else {
			e.log.Debug("level held", attrs...)
		}
		if e.sink != nil {
			e.sink.RecordLevel(r)
		}
	}
	for i := 0; i < o.nSession; i++ {
		r := o.sessionRecs[i]
		if r.Ended {
			e.log.Debug("alignment ended", "level", r.From)
		} else {
			e.log.Debug("alignment started",
				"diff_us", r.DiffUs,
				"from", r.From,
				"target", r.Target,
				"duration", r.Duration)
		}
		if e.sink != nil {
			e.sink.RecordSession(r)
		}
	}
}
