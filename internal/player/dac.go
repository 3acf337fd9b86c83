// ABOUTME: Virtual DAC renderer driven by a ticker
// ABOUTME: Models a device crystal that runs slightly fast or slow
package player

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"
)

// ErrAlreadyRunning is returned by Start on a running renderer.
var ErrAlreadyRunning = errors.New("renderer already running")

// DACConfig configures a VirtualDAC.
type DACConfig struct {
	// Period is the render interval.
	Period time.Duration
	// DriftPPM is the crystal error; positive values consume audio faster
	// than real time.
	DriftPPM float64
}

// VirtualDAC pulls audio from a pipeline at the nominal sample rate skewed
// by its drift.
type VirtualDAC struct {
	pipeline *Pipeline
	period   time.Duration
	drift    float64

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	carry  float64
	buf    []int16
	frames int64
}

// NewVirtualDAC creates a DAC reading from p and attaches it to p.
func NewVirtualDAC(p *Pipeline, cfg DACConfig) *VirtualDAC {
	if cfg.Period <= 0 {
		cfg.Period = 10 * time.Millisecond
	}
	d := &VirtualDAC{
		pipeline: p,
		period:   cfg.Period,
		drift:    cfg.DriftPPM,
	}
	p.Attach(d)
	return d
}

// Start begins rendering in the background.
func (d *VirtualDAC) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel != nil {
		return ErrAlreadyRunning
	}
	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.done = make(chan struct{})
	go d.run(ctx, d.done)
	log.Printf("Virtual DAC started: period=%v, drift=%.1fppm", d.period, d.drift)
	return nil
}

// Stop halts rendering and waits for the loop to exit.
func (d *VirtualDAC) Stop() error {
	d.mu.Lock()
	cancel, done := d.cancel, d.done
	d.cancel = nil
	d.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return nil
}

func (d *VirtualDAC) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(d.period)
	defer ticker.Stop()

	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			d.RenderFor(now.Sub(last))
			last = now
		}
	}
}

// RenderFor renders the frames the device would play in elapsed wall time.
// It returns the number of frames rendered from audio.
func (d *VirtualDAC) RenderFor(elapsed time.Duration) int {
	if elapsed <= 0 {
		return 0
	}
	rate := float64(d.pipeline.format.SampleRate) * (1 + d.drift/1e6)

	d.mu.Lock()
	defer d.mu.Unlock()
	want := elapsed.Seconds()*rate + d.carry
	frames := int(want)
	d.carry = want - float64(frames)
	need := frames * d.pipeline.channels
	if cap(d.buf) < need {
		d.buf = make([]int16, need)
	}
	buf := d.buf[:need]
	d.frames += int64(frames)
	return d.pipeline.Read(buf)
}

// Frames returns the total number of output frames clocked out.
func (d *VirtualDAC) Frames() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.frames
}
