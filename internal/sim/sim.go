// ABOUTME: Offline paired-earbud simulation of the sync engine
// ABOUTME: Models buffer occupancy, clock drift, arrival jitter and cross-device phase on a manual clock
package sim

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand/v2"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Sendspin/twsync/internal/player"
	"github.com/Sendspin/twsync/pkg/aps"
	"github.com/Sendspin/twsync/pkg/aps/apstest"
)

// Config describes one simulated session.
type Config struct {
	Duration time.Duration
	// Step is the simulation resolution; every step feeds one occupancy
	// sample to each engine.
	Step          time.Duration
	PacketTime    time.Duration
	SampleRateKHz int
	Mode          aps.Mode
	Engine        aps.Config

	// Drift of each earbud's output clock against the relay.
	MasterDriftPPM float64
	SlaveDriftPPM  float64
	// JitterUs bounds the random extra delay of each packet arrival.
	JitterUs uint32

	// PhaseErrorUs offsets the slave's playback at start.
	PhaseErrorUs int32
	// PhaseNoiseUs bounds the noise added to each phase report.
	PhaseNoiseUs   int32
	ReportInterval time.Duration
	// RestartDelay is how long the relay takes to renegotiate.
	RestartDelay time.Duration

	Seed   uint64
	Sink   aps.DiagnosticSink
	Logger *slog.Logger
}

// DefaultConfig is a one minute session with mild drift. Packets refill
// the buffer from its trough, so the occupancy target leaves one packet of
// headroom.
func DefaultConfig() Config {
	engine := aps.DefaultConfig()
	engine.TargetOccupancyUs = 40000
	return Config{
		Duration:       time.Minute,
		Step:           2 * time.Millisecond,
		PacketTime:     20 * time.Millisecond,
		SampleRateKHz:  48,
		Mode:           aps.ModeFull,
		Engine:         engine,
		MasterDriftPPM: 20,
		SlaveDriftPPM:  -20,
		JitterUs:       1000,
		ReportInterval: 500 * time.Millisecond,
		RestartDelay:   300 * time.Millisecond,
		Seed:           1,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.Duration <= 0 {
		c.Duration = d.Duration
	}
	if c.Step <= 0 {
		c.Step = d.Step
	}
	if c.PacketTime <= 0 {
		c.PacketTime = d.PacketTime
	}
	if c.SampleRateKHz <= 0 {
		c.SampleRateKHz = d.SampleRateKHz
	}
	if c.ReportInterval <= 0 {
		c.ReportInterval = d.ReportInterval
	}
	if c.RestartDelay <= 0 {
		c.RestartDelay = d.RestartDelay
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
}

// Sample is the pair's state at one phase report.
type Sample struct {
	At          time.Duration `json:"at_ns"`
	MasterLevel aps.Level     `json:"master_level"`
	SlaveLevel  aps.Level     `json:"slave_level"`
	MasterOccUs uint32        `json:"master_occupancy_us"`
	SlaveOccUs  uint32        `json:"slave_occupancy_us"`
	PhaseUs     float64       `json:"phase_us"`
}

// Result summarizes a run.
type Result struct {
	Samples      []Sample
	LevelChanges int
	Sessions     int
	Restarts     int
	Underruns    int
	FinalPhaseUs float64
	// MaxPhaseUs is the largest phase error over the second half of the run.
	MaxPhaseUs float64
}

type earbud struct {
	role   aps.Role
	engine *aps.Engine
	out    *apstest.Output
	link   *apstest.Link
	rates  player.RateTable
	drift  float64
	def    aps.Level
	rng    *rand.Rand
	jitter uint32

	// seq numbers delivered packets; frames and bytes describe one packet.
	seq         uint16
	frames      int
	packetBytes int

	bufferUs float64
	playedUs float64
	// nextPacket is the arrival time of the next packet.
	nextPacket time.Duration
	packets    time.Duration
}

type simulation struct {
	cfg    Config
	clock  *apstest.ManualClock
	master *earbud
	slave  *earbud
	stats  *counter

	restartsSeen int
	restartUntil time.Duration
	restarting   bool
	propagated   int
	packetUs     float64
	nextReport   time.Duration
	rng          *rand.Rand
	result       Result
}

// Run simulates one paired session.
func Run(ctx context.Context, cfg Config) (Result, error) {
	cfg.applyDefaults()
	s := &simulation{
		cfg:      cfg,
		clock:    apstest.NewManualClock(),
		stats:    &counter{next: cfg.Sink},
		packetUs: float64(cfg.PacketTime.Microseconds()),
		rng:      rand.New(rand.NewPCG(cfg.Seed, 0)),
	}

	var err error
	if s.master, err = s.newEarbud(aps.RoleMaster, cfg.MasterDriftPPM, 1); err != nil {
		return Result{}, err
	}
	if s.slave, err = s.newEarbud(aps.RoleSlave, cfg.SlaveDriftPPM, 2); err != nil {
		return Result{}, err
	}
	s.slave.playedUs = float64(cfg.PhaseErrorUs)
	s.nextReport = cfg.ReportInterval

	for now := time.Duration(0); now < cfg.Duration; now += cfg.Step {
		if now%time.Second == 0 {
			if err := ctx.Err(); err != nil {
				return Result{}, err
			}
		}
		if err := s.step(); err != nil {
			return Result{}, err
		}
	}

	s.result.LevelChanges = s.stats.levelChanges
	s.result.Sessions = s.stats.sessions
	s.result.Restarts = s.restartsSeen
	if n := len(s.result.Samples); n > 0 {
		s.result.FinalPhaseUs = s.result.Samples[n-1].PhaseUs
		for _, smp := range s.result.Samples[n/2:] {
			s.result.MaxPhaseUs = math.Max(s.result.MaxPhaseUs, math.Abs(smp.PhaseUs))
		}
	}

	for _, e := range []*earbud{s.master, s.slave} {
		if err := e.engine.Deinit(); err != nil {
			return Result{}, err
		}
	}
	return s.result, nil
}

// RunMany runs the sessions in parallel, one per config.
func RunMany(ctx context.Context, cfgs []Config) ([]Result, error) {
	results := make([]Result, len(cfgs))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.NumCPU())
	for i, cfg := range cfgs {
		g.Go(func() error {
			r, err := Run(ctx, cfg)
			if err != nil {
				return fmt.Errorf("session %d: %w", i, err)
			}
			results[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (s *simulation) newEarbud(role aps.Role, drift float64, stream uint64) (*earbud, error) {
	out := apstest.NewOutput()
	out.RateKHz = s.cfg.SampleRateKHz
	link := apstest.NewLink(role)

	engine, err := aps.New(s.cfg.Engine, aps.Deps{
		Output: &apstest.CountingOutput{Output: out, Oversample: 1},
		Link:   link,
		Clock:  s.clock,
		Logger: s.cfg.Logger.With("role", role.String()),
		Sink:   s.stats,
	})
	if err != nil {
		return nil, err
	}
	ec := engine.Config()
	if err := engine.Init(aps.SessionContext{
		Mode:         s.cfg.Mode,
		Format:       "pcm",
		PacketTimeUs: uint32(s.cfg.PacketTime.Microseconds()),
	}); err != nil {
		return nil, err
	}
	if err := engine.SetFirstPacket(0, true); err != nil {
		return nil, err
	}
	if err := engine.BeginStreaming(0); err != nil {
		return nil, err
	}

	e := &earbud{
		role:     role,
		engine:   engine,
		out:      out,
		link:     link,
		rates:    player.NewRateTable(s.cfg.SampleRateKHz, ec.DefaultLevel),
		drift:    drift,
		def:      ec.DefaultLevel,
		rng:      rand.New(rand.NewPCG(s.cfg.Seed, stream)),
		jitter:   s.cfg.JitterUs,
		bufferUs: float64(ec.TargetOccupancyUs),
	}
	e.frames = s.cfg.SampleRateKHz * int(s.cfg.PacketTime.Milliseconds())
	e.packetBytes = e.frames * 4
	e.schedule(s.cfg.PacketTime)
	return e, nil
}

func (s *simulation) step() error {
	dt := s.cfg.Step
	s.clock.Advance(dt)
	now := s.clock.Now()

	if s.restarting && now >= s.restartUntil {
		s.restarting = false
		for _, e := range []*earbud{s.master, s.slave} {
			e.resume(now, s.cfg.PacketTime)
			if err := e.engine.OnRestartComplete(); err != nil {
				return err
			}
		}
	}

	for _, e := range []*earbud{s.master, s.slave} {
		e.link.SetClock(uint64(now.Microseconds()), true)
		if !s.restarting {
			underrun, err := e.advance(now, dt, s.packetUs)
			if err != nil {
				return err
			}
			if underrun {
				s.result.Underruns++
			}
		}
		if err := e.engine.FeedOccupancy(uint32(e.bufferUs)); err != nil {
			return err
		}
		e.out.SetUnderrun(false)
	}

	for _, l := range s.master.link.PropagatedLevels()[s.propagated:] {
		s.propagated++
		if err := s.slave.engine.ApplyPeerLevel(l); err != nil {
			return err
		}
	}

	if now >= s.nextReport {
		s.nextReport += s.cfg.ReportInterval
		if err := s.report(now); err != nil {
			return err
		}
	}

	if n := s.master.link.RestartCount() + s.slave.link.RestartCount(); n > s.restartsSeen {
		s.restartsSeen = n
		if !s.restarting {
			s.restarting = true
			s.restartUntil = now + s.cfg.RestartDelay
		}
	}
	return nil
}

// report hands the slave its phase error against the master and records a
// sample. A negative phase means the slave plays late.
func (s *simulation) report(now time.Duration) error {
	phase := s.slave.playedUs - s.master.playedUs
	s.result.Samples = append(s.result.Samples, Sample{
		At:          now,
		MasterLevel: s.master.level(),
		SlaveLevel:  s.slave.level(),
		MasterOccUs: uint32(s.master.bufferUs),
		SlaveOccUs:  uint32(s.slave.bufferUs),
		PhaseUs:     phase,
	})
	if s.restarting || s.cfg.Mode == aps.ModeSimple {
		return nil
	}

	diff := phase
	if n := s.cfg.PhaseNoiseUs; n > 0 {
		diff += float64(s.rng.Int32N(2*n+1) - n)
	}
	return s.slave.engine.OnLinkTimeDiff(int32(math.Round(diff)))
}

// advance consumes one step of audio at the current actuator level and
// queues arriving packets. It reports an underrun.
func (e *earbud) advance(now, dt time.Duration, packetUs float64) (bool, error) {
	consumed := float64(dt.Microseconds()) * (1 + e.drift/1e6) * e.rates.Ratio(e.level())
	underrun := false
	if consumed > e.bufferUs {
		consumed = e.bufferUs
		underrun = true
		e.out.SetUnderrun(true)
	}
	e.bufferUs -= consumed
	e.playedUs += consumed

	for e.nextPacket <= now {
		e.bufferUs += packetUs
		if err := e.deliver(); err != nil {
			return underrun, err
		}
		e.schedule(e.packets + time.Duration(packetUs)*time.Microsecond)
	}
	return underrun, nil
}

// deliver reports one stereo 16-bit packet to the engine on arrival and
// again once decoded.
func (e *earbud) deliver() error {
	seq := e.seq
	e.seq++
	if err := e.engine.OnPacketArrived(seq, e.packetBytes, e.frames, 0); err != nil {
		return err
	}
	return e.engine.OnPacketDecoded(seq, e.packetBytes, e.frames, e.frames)
}

// schedule sets the next packet's nominal time and draws its arrival.
func (e *earbud) schedule(nominal time.Duration) {
	e.packets = nominal
	delay := time.Duration(0)
	if e.jitter > 0 {
		delay = time.Duration(e.rng.Uint32N(e.jitter+1)) * time.Microsecond
	}
	e.nextPacket = max(nominal+delay, e.nextPacket)
}

// resume refills the buffer after a renegotiated start. Both earbuds start
// from the same position.
func (e *earbud) resume(now, packetTime time.Duration) {
	target := float64(e.engine.Config().TargetOccupancyUs)
	e.bufferUs = target
	e.playedUs = 0
	e.nextPacket = 0
	e.schedule(now + packetTime)
}

func (e *earbud) level() aps.Level {
	if l := e.out.LastLevel(); l != 0 {
		return l
	}
	return e.def
}

// counter tallies diagnostic records and forwards them.
type counter struct {
	next         aps.DiagnosticSink
	levelChanges int
	sessions     int
}

func (c *counter) RecordLevel(r aps.LevelRecord) {
	if r.Changed {
		c.levelChanges++
	}
	if c.next != nil {
		c.next.RecordLevel(r)
	}
}

func (c *counter) RecordSession(r aps.SessionRecord) {
	if !r.Ended {
		c.sessions++
	}
	if c.next != nil {
		c.next.RecordSession(r)
	}
}

func (c *counter) RecordRestart(r aps.RestartRecord) {
	if c.next != nil {
		c.next.RecordRestart(r)
	}
}
