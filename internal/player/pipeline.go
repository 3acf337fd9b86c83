// ABOUTME: Output pipeline holding decoded PCM ahead of the renderer
// ABOUTME: Consumes input faster or slower than real time according to the actuator level
package player

import (
	"errors"
	"fmt"
	"log"
	"math"
	"sync"
	"sync/atomic"

	"github.com/Sendspin/twsync/internal/audio"
	"github.com/Sendspin/twsync/pkg/aps"
)

// ErrNoRenderer is returned by Start when nothing has been attached.
var ErrNoRenderer = errors.New("pipeline has no renderer")

// Renderer pulls audio out of a Pipeline at the device's pace.
type Renderer interface {
	Start() error
	Stop() error
}

// PipelineConfig configures a Pipeline.
type PipelineConfig struct {
	Format audio.Format
	// CapacityUs bounds the queue; the oldest audio is dropped beyond it.
	CapacityUs uint32
	// DeviceLatencyUs is the fixed delay between Read and the speaker.
	DeviceLatencyUs uint32
	// DefaultLevel is the level at which the pipeline renders in real time.
	DefaultLevel aps.Level
}

// PipelineStats are cumulative counters.
type PipelineStats struct {
	Written  int64 // input frames queued
	Consumed int64 // input frames consumed by rendering
	Rendered int64 // output frames produced from audio
	Silence  int64 // output frames filled with silence
	Dropped  int64 // input frames dropped on overflow or flush
}

// Pipeline implements aps.OutputPipeline over an in-memory PCM queue.
type Pipeline struct {
	format   audio.Format
	channels int
	capacity int
	latency  uint32
	rates    RateTable

	level atomic.Uint32

	mu       sync.Mutex
	renderer Renderer
	queue    []int16
	pos      float64 // fractional read position in frames
	primed   bool
	running  bool
	underrun bool
	stats    PipelineStats
}

// NewPipeline creates a pipeline for cfg.Format.
func NewPipeline(cfg PipelineConfig) (*Pipeline, error) {
	if cfg.Format.SampleRate <= 0 || cfg.Format.Channels <= 0 {
		return nil, fmt.Errorf("invalid pipeline format %dHz/%dch", cfg.Format.SampleRate, cfg.Format.Channels)
	}
	if cfg.CapacityUs == 0 {
		cfg.CapacityUs = 200000
	}
	if cfg.DefaultLevel == 0 {
		cfg.DefaultLevel = aps.DefaultConfig().DefaultLevel
	}
	p := &Pipeline{
		format:   cfg.Format,
		channels: cfg.Format.Channels,
		capacity: int(uint64(cfg.CapacityUs) * uint64(cfg.Format.SampleRate) / 1e6),
		latency:  cfg.DeviceLatencyUs,
		rates:    NewRateTable(cfg.Format.SampleRate/1000, cfg.DefaultLevel),
	}
	p.level.Store(uint32(cfg.DefaultLevel))
	return p, nil
}

// Attach sets the renderer driven by Start and Stop.
func (p *Pipeline) Attach(r Renderer) {
	p.mu.Lock()
	p.renderer = r
	p.mu.Unlock()
}

// Format returns the pipeline's PCM format.
func (p *Pipeline) Format() audio.Format {
	return p.format
}

// Write queues interleaved samples. Audio beyond the capacity pushes the
// oldest frames out.
func (p *Pipeline) Write(samples []int16) {
	frames := len(samples) / p.channels
	if frames == 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	p.queue = append(p.queue, samples[:frames*p.channels]...)
	p.stats.Written += int64(frames)
	p.primed = true

	if over := p.availableLocked() - p.capacity; over > 0 {
		p.discardLocked(over)
		p.pos = 0
		p.stats.Dropped += int64(over)
	}
}

// Read renders len(out)/channels frames into out at the current level's
// consumption ratio. Frames the queue cannot supply are silence and, once
// audio has been queued, raise the underrun flag. It returns the number of
// frames rendered from audio.
func (p *Pipeline) Read(out []int16) int {
	frames := len(out) / p.channels
	ratio := p.rates.Ratio(aps.Level(p.level.Load()))

	p.mu.Lock()
	defer p.mu.Unlock()

	avail := p.availableLocked()
	n := 0
	for ; n < frames; n++ {
		i := int(p.pos)
		if i+1 >= avail {
			break
		}
		frac := p.pos - float64(i)
		a := p.queue[i*p.channels : (i+1)*p.channels]
		b := p.queue[(i+1)*p.channels : (i+2)*p.channels]
		dst := out[n*p.channels : (n+1)*p.channels]
		for c := range dst {
			dst[c] = int16(math.Round(float64(a[c])*(1-frac) + float64(b[c])*frac))
		}
		p.pos += ratio
	}

	if whole := int(p.pos); whole > 0 {
		if whole > avail {
			whole = avail
		}
		p.discardLocked(whole)
		p.pos -= float64(whole)
		p.stats.Consumed += int64(whole)
	}

	if n < frames {
		clear(out[n*p.channels : frames*p.channels])
		p.stats.Silence += int64(frames - n)
		if p.primed && p.running {
			p.underrun = true
		}
	}
	p.stats.Rendered += int64(n)
	return n
}

// Flush drops all queued audio and rearms the underrun detector.
func (p *Pipeline) Flush() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stats.Dropped += int64(p.availableLocked())
	p.queue = p.queue[:0]
	p.pos = 0
	p.primed = false
	p.underrun = false
}

// Stats returns the cumulative counters.
func (p *Pipeline) Stats() PipelineStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// Level returns the actuator level currently applied.
func (p *Pipeline) Level() aps.Level {
	return aps.Level(p.level.Load())
}

// Rates exposes the level to ratio mapping.
func (p *Pipeline) Rates() RateTable {
	return p.rates
}

// OccupancyUs returns the queued audio duration.
func (p *Pipeline) OccupancyUs() uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.occupancyLocked()
}

// IsUnderrun reports and clears the underrun flag.
func (p *Pipeline) IsUnderrun() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	u := p.underrun
	p.underrun = false
	return u
}

// Start starts the attached renderer. Starting a running pipeline is a
// no-op.
func (p *Pipeline) Start() error {
	p.mu.Lock()
	r, running := p.renderer, p.running
	p.mu.Unlock()
	if r == nil {
		return ErrNoRenderer
	}
	if running {
		return nil
	}
	if err := r.Start(); err != nil {
		return fmt.Errorf("start renderer: %w", err)
	}
	p.mu.Lock()
	p.running = true
	p.mu.Unlock()
	log.Printf("Pipeline started: %dHz, %d channels", p.format.SampleRate, p.channels)
	return nil
}

// Stop stops the attached renderer.
func (p *Pipeline) Stop() error {
	p.mu.Lock()
	r := p.renderer
	p.running = false
	p.mu.Unlock()
	if r == nil {
		return nil
	}
	return r.Stop()
}

// SetActuatorLevel switches the consumption ratio. It never blocks.
func (p *Pipeline) SetActuatorLevel(level aps.Level) {
	p.level.Store(uint32(level))
}

// OutputLatencyUs is the time until a sample written now reaches the speaker.
func (p *Pipeline) OutputLatencyUs() (uint32, bool) {
	return p.OccupancyUs() + p.latency, true
}

func (p *Pipeline) Channels() int {
	return p.channels
}

func (p *Pipeline) SampleRateKHz() int {
	return p.format.SampleRate / 1000
}

func (p *Pipeline) availableLocked() int {
	return len(p.queue) / p.channels
}

func (p *Pipeline) occupancyLocked() uint32 {
	frames := float64(p.availableLocked()) - p.pos
	if frames <= 0 {
		return 0
	}
	return uint32(frames * 1e6 / float64(p.format.SampleRate))
}

func (p *Pipeline) discardLocked(frames int) {
	n := copy(p.queue, p.queue[frames*p.channels:])
	p.queue = p.queue[:n]
}

var _ aps.OutputPipeline = (*Pipeline)(nil)
