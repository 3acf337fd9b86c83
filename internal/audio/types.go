// ABOUTME: Audio type definitions
// ABOUTME: Defines stream formats and decoded buffers
package audio

import "time"

// Format describes audio stream format
type Format struct {
	Codec      string
	SampleRate int
	Channels   int
	BitDepth   int
}

// FrameBytes returns the size of one interleaved PCM frame.
func (f Format) FrameBytes() int {
	return f.Channels * f.BitDepth / 8
}

// DurationOf returns how long frames last at this format's rate.
func (f Format) DurationOf(frames int) time.Duration {
	if f.SampleRate == 0 {
		return 0
	}
	return time.Duration(frames) * time.Second / time.Duration(f.SampleRate)
}

// Buffer represents one decoded packet
type Buffer struct {
	Seq     uint16
	PlayAt  int64     // relay timestamp (microseconds)
	LocalAt time.Time // local play time
	Samples []int16   // interleaved PCM
	Format  Format
}

// Frames returns the number of per-channel samples in the buffer.
func (b Buffer) Frames() int {
	if b.Format.Channels == 0 {
		return 0
	}
	return len(b.Samples) / b.Format.Channels
}
