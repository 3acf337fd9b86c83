// ABOUTME: Per-format playback session of an earbud
// ABOUTME: Owns the decoder, output pipeline, renderer and sync engine for one stream format
package earbud

import (
	"errors"
	"fmt"
	"time"

	"github.com/Sendspin/twsync/internal/audio"
	"github.com/Sendspin/twsync/internal/player"
	"github.com/Sendspin/twsync/internal/protocol"
	"github.com/Sendspin/twsync/pkg/aps"
)

type session struct {
	format   audio.Format
	decoder  audio.Decoder
	pipeline *player.Pipeline
	dac      *player.VirtualDAC
	output   *player.Output
	engine   *aps.Engine

	packetFrames int
	// lead is how long before its play time a packet enters the pipeline.
	lead time.Duration

	started       bool
	firstSeq      uint16
	decodeStarted bool
	decodeErrors  int
}

func (a *App) newSession(format audio.Format, packetTimeUs uint32) (*session, error) {
	decoder, err := audio.NewDecoder(format)
	if err != nil {
		return nil, err
	}

	pipeline, err := player.NewPipeline(player.PipelineConfig{
		Format:          format,
		CapacityUs:      uint32(a.config.Capacity.Microseconds()),
		DeviceLatencyUs: uint32(a.config.DeviceLatency.Microseconds()),
		DefaultLevel:    a.config.Engine.DefaultLevel,
	})
	if err != nil {
		decoder.Close()
		return nil, err
	}

	s := &session{
		format:       format,
		decoder:      decoder,
		pipeline:     pipeline,
		packetFrames: int(uint64(packetTimeUs) * uint64(format.SampleRate) / 1e6),
	}

	switch a.config.Output {
	case "oto":
		s.output = player.NewOutput(pipeline, 10*time.Millisecond)
		s.output.SetVolume(a.config.Volume)
	default:
		s.dac = player.NewVirtualDAC(pipeline, player.DACConfig{
			Period:   5 * time.Millisecond,
			DriftPPM: a.config.DriftPPM,
		})
	}

	engine, err := aps.New(a.config.Engine, aps.Deps{
		Output: pipeline,
		Link:   a.link,
		Clock:  a.cycles,
		Logger: a.config.Logger,
		Sink:   a.config.Sink,
	})
	if err != nil {
		decoder.Close()
		return nil, fmt.Errorf("create engine: %w", err)
	}
	s.engine = engine

	// Packets enter the pipeline early enough that the queue peaks at the
	// engine's target occupancy.
	target := time.Duration(engine.Config().TargetOccupancyUs) * time.Microsecond
	packet := time.Duration(packetTimeUs) * time.Microsecond
	s.lead = target - packet - a.config.DeviceLatency
	if s.lead < 0 {
		s.lead = 0
	}

	if err := engine.Init(aps.SessionContext{
		Mode:         a.config.Mode,
		Format:       format.Codec,
		PacketTimeUs: packetTimeUs,
	}); err != nil {
		decoder.Close()
		return nil, fmt.Errorf("init engine: %w", err)
	}
	return s, nil
}

func (s *session) beginStream(start protocol.StreamStart) {
	s.started = true
	s.firstSeq = start.FirstSeq
	s.decodeStarted = false
	s.decodeErrors = 0
}

// close releases everything the session owns and reports every failure.
func (s *session) close() error {
	errs := []error{s.engine.Deinit(), s.pipeline.Stop()}
	if s.output != nil {
		errs = append(errs, s.output.Close())
	}
	errs = append(errs, s.decoder.Close())
	return errors.Join(errs...)
}
