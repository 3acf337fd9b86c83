// ABOUTME: Packet engine shared by both earbuds
// ABOUTME: Cuts the source into fixed-duration packets stamped with relay-clock play times
package relay

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Sendspin/twsync/internal/audio"
	"github.com/Sendspin/twsync/internal/protocol"
)

// ErrUnsupportedCodec is returned for codecs the relay cannot produce.
var ErrUnsupportedCodec = errors.New("unsupported codec")

// StreamConfig configures the packet engine.
type StreamConfig struct {
	Codec string
	// PacketDuration is the audio per packet.
	PacketDuration time.Duration
	// StartDelay is how far in the future a (re)started stream begins.
	StartDelay time.Duration
	// Lead is how far ahead of its play time a packet is sent.
	Lead time.Duration
}

func (c *StreamConfig) applyDefaults() {
	if c.Codec == "" {
		c.Codec = "pcm"
	}
	if c.PacketDuration <= 0 {
		c.PacketDuration = 20 * time.Millisecond
	}
	if c.StartDelay <= 0 {
		c.StartDelay = 300 * time.Millisecond
	}
	if c.Lead <= 0 {
		c.Lead = 200 * time.Millisecond
	}
}

// Stream produces the packet sequence. It is not safe for concurrent use.
type Stream struct {
	cfg     StreamConfig
	source  AudioSource
	encoder *OpusEncoder
	format  audio.Format
	frames  int

	id         string
	running    bool
	nextSeq    uint16
	nextPlayAt int64
	pcm        []int16
}

// NewStream validates the source against the codec and builds the engine.
func NewStream(source AudioSource, cfg StreamConfig) (*Stream, error) {
	cfg.applyDefaults()

	format := audio.Format{
		Codec:      cfg.Codec,
		SampleRate: source.SampleRate(),
		Channels:   source.Channels(),
		BitDepth:   16,
	}
	frames := int(int64(format.SampleRate) * int64(cfg.PacketDuration) / int64(time.Second))
	if frames <= 0 {
		return nil, fmt.Errorf("packet duration %v too short", cfg.PacketDuration)
	}

	s := &Stream{
		cfg:    cfg,
		source: source,
		format: format,
		frames: frames,
		pcm:    make([]int16, frames*format.Channels),
	}

	switch cfg.Codec {
	case "pcm":
	case "opus":
		enc, err := NewOpusEncoder(format.SampleRate, format.Channels, frames)
		if err != nil {
			return nil, err
		}
		s.encoder = enc
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedCodec, cfg.Codec)
	}
	return s, nil
}

// Format returns the stream format.
func (s *Stream) Format() audio.Format {
	return s.format
}

// Running reports whether Start has been called since the last Stop.
func (s *Stream) Running() bool {
	return s.running
}

// Start (re)starts the stream at now+StartDelay. Sequence numbers continue
// from where they were, so packets of the previous run precede FirstSeq.
func (s *Stream) Start(now int64) protocol.StreamStart {
	s.id = uuid.New().String()
	s.running = true
	s.nextPlayAt = now + s.cfg.StartDelay.Microseconds()
	return s.Current()
}

// Stop pauses packet generation.
func (s *Stream) Stop() {
	s.running = false
}

// Current describes the stream from the next packet on, for a peer joining
// a running stream.
func (s *Stream) Current() protocol.StreamStart {
	return protocol.StreamStart{
		StreamID:     s.id,
		Codec:        s.format.Codec,
		SampleRate:   s.format.SampleRate,
		Channels:     s.format.Channels,
		BitDepth:     s.format.BitDepth,
		PacketTimeUs: uint32(s.cfg.PacketDuration.Microseconds()),
		FirstSeq:     s.nextSeq,
		PlayAt:       s.nextPlayAt,
	}
}

// ID returns the current stream id.
func (s *Stream) ID() string {
	return s.id
}

// Due generates every packet whose play time is within Lead of now.
func (s *Stream) Due(now int64) ([]protocol.AudioPacket, error) {
	if !s.running {
		return nil, nil
	}
	var out []protocol.AudioPacket
	for s.nextPlayAt-now <= s.cfg.Lead.Microseconds() {
		payload, err := s.nextPayload()
		if err != nil {
			return out, err
		}
		out = append(out, protocol.AudioPacket{
			Seq:     s.nextSeq,
			PlayAt:  s.nextPlayAt,
			Payload: payload,
		})
		s.nextSeq++
		s.nextPlayAt += s.cfg.PacketDuration.Microseconds()
	}
	return out, nil
}

func (s *Stream) nextPayload() ([]byte, error) {
	n := 0
	for n < len(s.pcm) {
		m, err := s.source.Read(s.pcm[n:])
		if err != nil {
			return nil, fmt.Errorf("read source: %w", err)
		}
		if m == 0 {
			break
		}
		n += m
	}
	// Short reads at the end of a source are padded with silence.
	clear(s.pcm[n:])

	if s.encoder != nil {
		return s.encoder.Encode(s.pcm)
	}
	return audio.EncodePCM16(s.pcm), nil
}

// Close releases the source.
func (s *Stream) Close() error {
	return s.source.Close()
}
