// ABOUTME: Earbud node orchestration
// ABOUTME: Coordinates the relay link, decoding, scheduling, output and the sync engine
package earbud

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/Sendspin/twsync/internal/audio"
	"github.com/Sendspin/twsync/internal/discovery"
	"github.com/Sendspin/twsync/internal/link"
	"github.com/Sendspin/twsync/internal/player"
	"github.com/Sendspin/twsync/internal/protocol"
	clocksync "github.com/Sendspin/twsync/internal/sync"
	"github.com/Sendspin/twsync/internal/ui"
	"github.com/Sendspin/twsync/internal/version"
	"github.com/Sendspin/twsync/pkg/aps"
)

// Config holds earbud configuration
type Config struct {
	// RelayAddr is host:port; empty browses mDNS.
	RelayAddr string
	PeerID    string
	Name      string
	Side      string
	Mode      aps.Mode

	// Output selects the renderer: "dac" or "oto".
	Output        string
	DeviceLatency time.Duration
	Capacity      time.Duration
	DriftPPM      float64
	Volume        int

	TickInterval   time.Duration
	StatusInterval time.Duration

	Engine aps.Config
	Sink   aps.DiagnosticSink
	Logger *slog.Logger

	// OnStatus receives UI updates from the event loop. It must not block.
	OnStatus func(ui.StatusMsg)
	// Volume changes from the UI.
	VolumeChanges <-chan ui.VolumeChangeMsg
}

func (c *Config) applyDefaults() {
	if c.PeerID == "" {
		c.PeerID = uuid.New().String()
	}
	if c.Output == "" {
		c.Output = "dac"
	}
	if c.Capacity <= 0 {
		c.Capacity = 200 * time.Millisecond
	}
	if c.Volume <= 0 {
		c.Volume = 100
	}
	if c.TickInterval <= 0 {
		c.TickInterval = 10 * time.Millisecond
	}
	if c.StatusInterval <= 0 {
		c.StatusInterval = time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.OnStatus == nil {
		c.OnStatus = func(ui.StatusMsg) {}
	}
}

// Stats are the packet counters of the earbud.
type Stats struct {
	Received     int64
	Stale        int64
	DecodeErrors int64
	Played       int64
}

// App is one earbud node. Everything except Run's helpers is driven from a
// single event loop.
type App struct {
	config Config
	log    *slog.Logger
	clock  *clocksync.ClockSync
	cycles *aps.SystemClock

	link      *link.Client
	scheduler *player.Scheduler
	relayName string

	sess         *session
	pendingStart *protocol.StreamStart
	stats        Stats
}

// New creates an earbud node
func New(config Config) *App {
	config.applyDefaults()
	return &App{
		config: config,
		log:    config.Logger.With("component", "earbud", "peer", config.Name),
		clock:  clocksync.NewClockSync(),
		cycles: aps.NewSystemClockRate(config.Engine.CyclesPerMicrosecond),
		scheduler: player.NewScheduler(player.SchedulerConfig{
			Interval: 2 * time.Millisecond,
		}),
	}
}

// Run connects to the relay and plays until ctx ends or the link drops.
func (a *App) Run(ctx context.Context) error {
	addr := a.config.RelayAddr
	if addr == "" {
		found, err := a.discover(ctx)
		if err != nil {
			return err
		}
		addr = found
	}

	a.link = link.NewClient(link.Config{
		RelayAddr: addr,
		PeerID:    a.config.PeerID,
		Name:      a.config.Name,
		Side:      a.config.Side,
		DeviceInfo: protocol.DeviceInfo{
			ProductName:     version.Product,
			Manufacturer:    version.Manufacturer,
			SoftwareVersion: version.Version,
		},
	}, a.clock)

	if err := a.link.Connect(ctx); err != nil {
		return fmt.Errorf("connect %s: %w", addr, err)
	}
	connected := true
	a.config.OnStatus(ui.StatusMsg{Connected: &connected, RelayName: addr, Side: a.config.Side, Volume: a.config.Volume})
	a.relayName = addr
	log.Printf("Connected to relay: %s", addr)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.link.Run(ctx)
	})
	g.Go(func() error {
		return ignoreCanceled(a.scheduler.Run(ctx))
	})
	g.Go(func() error {
		return a.loop(ctx)
	})
	err := g.Wait()

	a.teardown()
	disconnected := false
	a.config.OnStatus(ui.StatusMsg{Connected: &disconnected})
	return err
}

func (a *App) discover(ctx context.Context) (string, error) {
	mgr := discovery.NewManager(discovery.Config{ServiceName: a.config.Name})
	mgr.Browse()
	defer mgr.Stop()

	log.Printf("Browsing for relays...")
	select {
	case relay := <-mgr.Relays():
		log.Printf("Found relay %s at %s", relay.Name, relay.Addr())
		return relay.Addr(), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// loop is the earbud's event loop; it owns the session.
func (a *App) loop(ctx context.Context) error {
	tick := time.NewTicker(a.config.TickInterval)
	defer tick.Stop()
	status := time.NewTicker(a.config.StatusInterval)
	defer status.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-a.link.Done():
			return nil

		case start := <-a.link.Starts:
			a.handleStart(start)

		case pkt := <-a.link.Packets:
			a.handlePacket(pkt)

		case buf := <-a.scheduler.Output():
			a.handleRelease(buf)

		case l := <-a.link.PeerLevels:
			if a.sess != nil {
				a.check("apply peer level", a.sess.engine.ApplyPeerLevel(l))
			}

		case diff := <-a.link.TimeDiffs:
			if a.sess != nil {
				a.check("link time diff", a.sess.engine.OnLinkTimeDiff(diff))
			}

		case <-a.link.RestartDone:
			if a.sess != nil {
				a.check("restart complete", a.sess.engine.OnRestartComplete())
			}

		case <-tick.C:
			a.handleTick()

		case <-status.C:
			a.reportStatus()

		case v := <-a.config.VolumeChanges:
			if a.sess != nil && a.sess.output != nil {
				a.sess.output.SetVolume(v.Volume)
				a.sess.output.SetMuted(v.Muted)
			}
			a.config.Volume = v.Volume
		}
	}
}

// handleStart (re)starts playback for a stream/start. Before the relay
// clock is known the start is parked until the first sync sample.
func (a *App) handleStart(start protocol.StreamStart) {
	if !a.clock.Synced() {
		a.pendingStart = &start
		return
	}
	a.pendingStart = nil

	format := audio.Format{
		Codec:      start.Codec,
		SampleRate: start.SampleRate,
		Channels:   start.Channels,
		BitDepth:   start.BitDepth,
	}
	if a.sess == nil || a.sess.format != format {
		a.teardown()
		sess, err := a.newSession(format, start.PacketTimeUs)
		if err != nil {
			a.log.Error("cannot start session", "codec", format.Codec, "error", err)
			return
		}
		a.sess = sess
	}
	s := a.sess

	dropped := a.scheduler.Flush()
	s.pipeline.Flush()
	s.beginStream(start)

	delay := a.clock.RelayToLocal(start.PlayAt) - a.clock.Now()
	if delay < 0 {
		delay = 0
	}
	a.check("set first packet", s.engine.SetFirstPacket(start.FirstSeq, false))
	a.check("begin streaming", s.engine.BeginStreaming(uint32(delay)))

	a.log.Info("stream start",
		"stream", start.StreamID,
		"first_seq", start.FirstSeq,
		"delay_us", delay,
		"restart", start.Restart,
		"flushed", dropped)

	a.config.OnStatus(ui.StatusMsg{
		StreamID:   start.StreamID,
		Codec:      format.Codec,
		SampleRate: format.SampleRate,
		Channels:   format.Channels,
		BitDepth:   format.BitDepth,
	})
}

func (a *App) handlePacket(pkt protocol.AudioPacket) {
	s := a.sess
	if s == nil || !s.started {
		return
	}
	// Packets of a previous run precede the announced first sequence.
	if int16(pkt.Seq-s.firstSeq) < 0 {
		a.stats.Stale++
		return
	}
	a.stats.Received++

	arrival := aps.CycleInstant(a.cycles.Cycles())
	a.check("packet arrived", s.engine.OnPacketArrived(pkt.Seq, len(pkt.Payload), s.packetFrames, arrival))

	if !s.decodeStarted {
		s.decodeStarted = true
		a.check("set first packet", s.engine.SetFirstPacket(s.firstSeq, true))
	}

	samples, err := s.decoder.Decode(pkt.Payload)
	if err != nil {
		s.decodeErrors++
		a.stats.DecodeErrors++
		a.log.Warn("decode error", "seq", pkt.Seq, "consecutive", s.decodeErrors, "error", err)
		a.check("decode error", s.engine.OnDecodeError(s.decodeErrors))
		return
	}
	s.decodeErrors = 0

	a.scheduler.Schedule(audio.Buffer{
		Seq:     pkt.Seq,
		PlayAt:  pkt.PlayAt,
		LocalAt: a.clock.RelayToLocalTime(pkt.PlayAt).Add(-s.lead),
		Samples: samples,
		Format:  s.format,
	})
}

// handleRelease hands a due buffer to the pipeline. The render estimate is
// taken before the write, when the buffer's first sample sits right behind
// the queued audio.
func (a *App) handleRelease(buf audio.Buffer) {
	s := a.sess
	if s == nil || buf.Format != s.format {
		return
	}
	a.check("packet decoded", s.engine.OnPacketDecoded(buf.Seq, len(buf.Samples)*2, buf.Frames(), buf.Frames()))
	s.pipeline.Write(buf.Samples)
	a.stats.Played++
}

func (a *App) handleTick() {
	if a.pendingStart != nil && a.clock.Synced() {
		a.handleStart(*a.pendingStart)
	}
	if a.sess == nil {
		return
	}
	if err := a.sess.engine.Tick(); err != nil && !errors.Is(err, aps.ErrNotInitialized) {
		a.log.Warn("tick failed", "error", err)
	}
}

func (a *App) reportStatus() {
	offset, rtt, quality := a.clock.GetStats()
	msg := ui.StatusMsg{
		Clock:    &ui.ClockStatus{Offset: offset, RTT: rtt, Quality: quality},
		Received: a.stats.Received,
		Played:   a.stats.Played,
		Dropped:  a.stats.Stale + a.stats.DecodeErrors + a.scheduler.Stats().Dropped,
	}

	update := protocol.PlayerUpdate{State: "idle"}
	if s := a.sess; s != nil {
		st := s.engine.Snapshot()
		occ := s.pipeline.OccupancyUs()
		rates := s.pipeline.Rates()

		msg.Engine = &st
		msg.OccupancyUs = occ
		msg.PPM = rates.PPM(st.Current)

		update.Level = uint8(st.Current)
		update.BufferUs = occ
		update.Restarts = st.Restarts
		if s.started {
			update.State = "playing"
		}
	}
	a.config.OnStatus(msg)

	if err := a.link.SendStatus(update); err != nil && !errors.Is(err, link.ErrNotConnected) {
		a.log.Warn("status update failed", "error", err)
	}
}

// Stats returns the packet counters.
func (a *App) Stats() Stats {
	return a.stats
}

func (a *App) teardown() {
	if a.sess == nil {
		return
	}
	if err := a.sess.close(); err != nil {
		a.log.Warn("session close failed", "error", err)
	}
	a.sess = nil
}

func (a *App) check(op string, err error) {
	if err == nil || errors.Is(err, aps.ErrNotInitialized) {
		return
	}
	a.log.Warn("engine call failed", "op", op, "error", err)
}
