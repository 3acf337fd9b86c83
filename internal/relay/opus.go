// ABOUTME: Opus encoder for bandwidth-efficient streaming
// ABOUTME: Wraps libopus to encode one packet of PCM at a time
package relay

import (
	"fmt"
	"log"

	"gopkg.in/hraban/opus.v2"
)

// maxOpusPacket is the largest packet libopus produces.
const maxOpusPacket = 4000

// OpusEncoder wraps the Opus encoder
type OpusEncoder struct {
	encoder    *opus.Encoder
	sampleRate int
	channels   int
	frameSize  int // samples per channel per frame
	out        []byte
}

// NewOpusEncoder creates an encoder. frameSize is in samples per channel
// (960 for 20ms at 48kHz).
func NewOpusEncoder(sampleRate, channels, frameSize int) (*OpusEncoder, error) {
	encoder, err := opus.NewEncoder(sampleRate, channels, opus.AppAudio)
	if err != nil {
		return nil, fmt.Errorf("failed to create opus encoder: %w", err)
	}

	// 64 kbps per channel
	if err := encoder.SetBitrate(64000 * channels); err != nil {
		log.Printf("Warning: Failed to set Opus bitrate: %v", err)
	}

	return &OpusEncoder{
		encoder:    encoder,
		sampleRate: sampleRate,
		channels:   channels,
		frameSize:  frameSize,
		out:        make([]byte, maxOpusPacket),
	}, nil
}

// Encode encodes exactly one frame of interleaved PCM.
func (e *OpusEncoder) Encode(pcm []int16) ([]byte, error) {
	if len(pcm) != e.frameSize*e.channels {
		return nil, fmt.Errorf("opus frame must be %d samples, got %d", e.frameSize*e.channels, len(pcm))
	}
	n, err := e.encoder.Encode(pcm, e.out)
	if err != nil {
		return nil, fmt.Errorf("opus encode failed: %w", err)
	}
	packet := make([]byte, n)
	copy(packet, e.out[:n])
	return packet, nil
}
