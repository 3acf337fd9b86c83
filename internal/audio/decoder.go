// ABOUTME: Packet decoders for the earbud stream
// ABOUTME: Supports Opus and 16-bit PCM, both producing interleaved int16
package audio

import (
	"encoding/binary"
	"errors"
	"fmt"

	"gopkg.in/hraban/opus.v2"
)

// ErrUnsupportedCodec is returned for codecs the earbud cannot decode.
var ErrUnsupportedCodec = errors.New("unsupported codec")

// maxOpusFrame is 120 ms at 48 kHz, the largest Opus frame.
const maxOpusFrame = 5760

// Decoder decodes one packet at a time
type Decoder interface {
	Decode(data []byte) ([]int16, error)
	Close() error
}

// NewDecoder creates a decoder for the specified format
func NewDecoder(format Format) (Decoder, error) {
	switch format.Codec {
	case "pcm":
		if format.BitDepth != 0 && format.BitDepth != 16 {
			return nil, fmt.Errorf("%w: pcm/%d", ErrUnsupportedCodec, format.BitDepth)
		}
		return &PCMDecoder{channels: format.Channels}, nil
	case "opus":
		return NewOpusDecoder(format)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedCodec, format.Codec)
	}
}

// PCMDecoder decodes raw little-endian 16-bit PCM
type PCMDecoder struct {
	channels int
}

func (d *PCMDecoder) Decode(data []byte) ([]int16, error) {
	if len(data)%2 != 0 {
		return nil, fmt.Errorf("pcm packet has odd length %d", len(data))
	}
	n := len(data) / 2
	if d.channels > 0 && n%d.channels != 0 {
		return nil, fmt.Errorf("pcm packet splits a frame: %d samples, %d channels", n, d.channels)
	}
	samples := make([]int16, n)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return samples, nil
}

func (d *PCMDecoder) Close() error {
	return nil
}

// OpusDecoder decodes Opus audio
type OpusDecoder struct {
	decoder *opus.Decoder
	format  Format
	pcm     []int16
}

func NewOpusDecoder(format Format) (*OpusDecoder, error) {
	dec, err := opus.NewDecoder(format.SampleRate, format.Channels)
	if err != nil {
		return nil, fmt.Errorf("failed to create opus decoder: %w", err)
	}
	return &OpusDecoder{
		decoder: dec,
		format:  format,
		pcm:     make([]int16, maxOpusFrame*format.Channels),
	}, nil
}

func (d *OpusDecoder) Decode(data []byte) ([]int16, error) {
	n, err := d.decoder.Decode(data, d.pcm)
	if err != nil {
		return nil, fmt.Errorf("opus decode failed: %w", err)
	}
	out := make([]int16, n*d.format.Channels)
	copy(out, d.pcm)
	return out, nil
}

func (d *OpusDecoder) Close() error {
	return nil
}

// EncodePCM16 packs interleaved samples as little-endian bytes.
func EncodePCM16(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}
