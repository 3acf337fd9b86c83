// ABOUTME: Audio output using oto library
// ABOUTME: Renders the pipeline to the speaker with software volume control
package player

import (
	"encoding/binary"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ebitengine/oto/v3"
)

// Output is a Renderer that lets the sound card pull from a pipeline.
type Output struct {
	pipeline *Pipeline
	buffer   time.Duration

	volume atomic.Int32
	muted  atomic.Bool

	// mu guards the device; Read never takes it since oto may pull from
	// inside Play.
	mu     sync.Mutex
	otoCtx *oto.Context
	player *oto.Player

	readMu  sync.Mutex
	samples []int16
}

// NewOutput creates an audio output for p and attaches it. buffer is oto's
// device buffer; zero keeps oto's default.
func NewOutput(p *Pipeline, buffer time.Duration) *Output {
	o := &Output{
		pipeline: p,
		buffer:   buffer,
	}
	o.volume.Store(100)
	p.Attach(o)
	return o
}

// Start opens the device on first use and starts playback.
func (o *Output) Start() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.otoCtx == nil {
		format := o.pipeline.Format()
		op := &oto.NewContextOptions{
			SampleRate:   format.SampleRate,
			ChannelCount: format.Channels,
			Format:       oto.FormatSignedInt16LE,
			BufferSize:   o.buffer,
		}
		ctx, readyChan, err := oto.NewContext(op)
		if err != nil {
			return fmt.Errorf("failed to create oto context: %w", err)
		}
		<-readyChan
		o.otoCtx = ctx

		log.Printf("Audio output initialized: %dHz, %d channels",
			format.SampleRate, format.Channels)
	} else if err := o.otoCtx.Resume(); err != nil {
		return fmt.Errorf("failed to resume oto context: %w", err)
	}

	if o.player == nil {
		o.player = o.otoCtx.NewPlayer(o)
	}
	o.player.Play()
	return nil
}

// Stop pauses playback and suspends the device.
func (o *Output) Stop() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.otoCtx == nil || o.player == nil {
		return nil
	}
	o.player.Pause()
	if err := o.otoCtx.Suspend(); err != nil {
		return fmt.Errorf("failed to suspend oto context: %w", err)
	}
	return nil
}

// Read implements io.Reader for the oto player. It never returns an error;
// gaps in the pipeline are played as silence.
func (o *Output) Read(p []byte) (int, error) {
	frameBytes := o.pipeline.channels * 2
	frames := len(p) / frameBytes
	if frames == 0 {
		return 0, nil
	}

	o.readMu.Lock()
	defer o.readMu.Unlock()
	if cap(o.samples) < frames*o.pipeline.channels {
		o.samples = make([]int16, frames*o.pipeline.channels)
	}
	samples := o.samples[:frames*o.pipeline.channels]

	o.pipeline.Read(samples)
	applyVolume(samples, int(o.volume.Load()), o.muted.Load())
	for i, s := range samples {
		binary.LittleEndian.PutUint16(p[i*2:], uint16(s))
	}
	return frames * frameBytes, nil
}

// SetVolume sets the volume (0-100)
func (o *Output) SetVolume(volume int) {
	if volume < 0 {
		volume = 0
	}
	if volume > 100 {
		volume = 100
	}
	o.volume.Store(int32(volume))
	log.Printf("Volume set to %d", volume)
}

// SetMuted sets mute state
func (o *Output) SetMuted(muted bool) {
	o.muted.Store(muted)
	log.Printf("Muted: %v", muted)
}

// Volume returns current volume
func (o *Output) Volume() int {
	return int(o.volume.Load())
}

// Close releases the player.
func (o *Output) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.player == nil {
		return nil
	}
	err := o.player.Close()
	o.player = nil
	if o.otoCtx != nil {
		o.otoCtx.Suspend()
	}
	return err
}

// applyVolume scales samples in place.
func applyVolume(samples []int16, volume int, muted bool) {
	multiplier := getVolumeMultiplier(volume, muted)
	if multiplier == 1.0 {
		return
	}
	for i, sample := range samples {
		samples[i] = int16(float64(sample) * multiplier)
	}
}

// getVolumeMultiplier calculates volume multiplier
func getVolumeMultiplier(volume int, muted bool) float64 {
	if muted {
		return 0.0
	}
	return float64(volume) / 100.0
}
