// ABOUTME: Tests for relay audio sources
// ABOUTME: Covers the tone generator, sample scaling and source selection
package relay

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToneSource(t *testing.T) {
	src := NewToneSource(1000, 48000, 2)
	buf := make([]int16, 96)

	n, err := src.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, 96, n)

	// Both channels carry the same sample.
	for i := 0; i < n; i += 2 {
		assert.Equal(t, buf[i], buf[i+1])
	}
	assert.Equal(t, int16(0), buf[0])
	// Quarter period of 1kHz at 48kHz is frame 12, the peak at 50% volume.
	assert.InDelta(t, 16383, float64(buf[24]), 1)

	// The phase continues across reads.
	next := make([]int16, 2)
	_, err = src.Read(next)
	require.NoError(t, err)
	assert.Equal(t, uint64(49), src.sampleIndex)
}

func TestToneSourceIgnoresPartialFrame(t *testing.T) {
	src := NewToneSource(440, 48000, 2)
	n, err := src.Read(make([]int16, 5))
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}

func TestTo16(t *testing.T) {
	assert.Equal(t, int16(0x1234), to16(0x123456, 24))
	assert.Equal(t, int16(-1), to16(-1, 24))
	assert.Equal(t, int16(0x7f00), to16(0x7f, 8))
	assert.Equal(t, int16(-300), to16(-300, 16))
}

func TestReadMP3(t *testing.T) {
	var raw bytes.Buffer
	for _, v := range []int16{1, -2, 300} {
		binary.Write(&raw, binary.LittleEndian, v)
	}
	raw.WriteByte(0x7f) // trailing half sample

	var scratch []byte
	samples := make([]int16, 8)
	n, err := readMP3(&raw, samples, &scratch)
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, 3, n)
	assert.Equal(t, []int16{1, -2, 300}, samples[:n])
}

func TestNewAudioSource(t *testing.T) {
	src, err := NewAudioSource("", 44100)
	require.NoError(t, err)
	assert.Equal(t, 44100, src.SampleRate())
	assert.Equal(t, 2, src.Channels())
	title, _, _ := src.Metadata()
	assert.Contains(t, title, "440")

	_, err = NewAudioSource("/nonexistent/song.mp3", 48000)
	assert.Error(t, err)

	dir := t.TempDir()
	_, err = NewAudioSource(dir, 48000)
	assert.ErrorContains(t, err, "unsupported audio format")
}
