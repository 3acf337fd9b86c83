// ABOUTME: Tests for the relay packet engine
// ABOUTME: Covers pacing against the lead, restarts and silence padding
package relay

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sendspin/twsync/internal/audio"
)

// finiteSource yields a fixed number of samples, then nothing.
type finiteSource struct {
	left int
}

func (s *finiteSource) Read(samples []int16) (int, error) {
	n := min(len(samples), s.left)
	for i := 0; i < n; i++ {
		samples[i] = 1000
	}
	s.left -= n
	return n, nil
}

func (s *finiteSource) SampleRate() int                    { return 48000 }
func (s *finiteSource) Channels() int                      { return 2 }
func (s *finiteSource) Metadata() (string, string, string) { return "", "", "" }
func (s *finiteSource) Close() error                       { return nil }

func TestStreamDefaults(t *testing.T) {
	s, err := NewStream(NewToneSource(440, 48000, 2), StreamConfig{})
	require.NoError(t, err)

	assert.Equal(t, "pcm", s.Format().Codec)
	assert.Equal(t, 960, s.frames)
	assert.False(t, s.Running())

	start := s.Start(1000)
	assert.True(t, s.Running())
	assert.NotEmpty(t, start.StreamID)
	assert.Equal(t, uint16(0), start.FirstSeq)
	assert.Equal(t, int64(301000), start.PlayAt)
	assert.Equal(t, uint32(20000), start.PacketTimeUs)
	assert.Equal(t, 48000, start.SampleRate)
	assert.Equal(t, 2, start.Channels)
}

func TestStreamPacing(t *testing.T) {
	s, err := NewStream(NewToneSource(440, 48000, 2), StreamConfig{})
	require.NoError(t, err)
	s.Start(1000)

	pkts, err := s.Due(1000)
	require.NoError(t, err)
	assert.Empty(t, pkts, "nothing is due 300ms ahead")

	pkts, err = s.Due(101000)
	require.NoError(t, err)
	require.Len(t, pkts, 1)
	assert.Equal(t, uint16(0), pkts[0].Seq)
	assert.Equal(t, int64(301000), pkts[0].PlayAt)
	assert.Len(t, pkts[0].Payload, 960*2*2)

	pkts, err = s.Due(141000)
	require.NoError(t, err)
	require.Len(t, pkts, 2)
	assert.Equal(t, uint16(1), pkts[0].Seq)
	assert.Equal(t, int64(321000), pkts[0].PlayAt)
	assert.Equal(t, uint16(2), pkts[1].Seq)
	assert.Equal(t, int64(341000), pkts[1].PlayAt)
}

func TestStreamRestartContinuesSequence(t *testing.T) {
	s, err := NewStream(NewToneSource(440, 48000, 2), StreamConfig{})
	require.NoError(t, err)
	first := s.Start(0)

	_, err = s.Due(200000)
	require.NoError(t, err)

	s.Stop()
	pkts, err := s.Due(10000000)
	require.NoError(t, err)
	assert.Empty(t, pkts)

	second := s.Start(500000)
	assert.NotEqual(t, first.StreamID, second.StreamID)
	assert.Equal(t, second.StreamID, s.ID())
	assert.Equal(t, uint16(6), second.FirstSeq)
	assert.Equal(t, int64(800000), second.PlayAt)
	assert.Equal(t, second, s.Current())
}

func TestStreamPadsShortSource(t *testing.T) {
	s, err := NewStream(&finiteSource{left: 100}, StreamConfig{
		PacketDuration: 10 * time.Millisecond,
	})
	require.NoError(t, err)
	s.Start(0)

	pkts, err := s.Due(100000)
	require.NoError(t, err)
	require.NotEmpty(t, pkts)

	dec, err := audio.NewDecoder(s.Format())
	require.NoError(t, err)
	samples, err := dec.Decode(pkts[0].Payload)
	require.NoError(t, err)
	require.Len(t, samples, 960)
	assert.Equal(t, int16(1000), samples[99])
	assert.Equal(t, int16(0), samples[100])
	assert.Equal(t, int16(0), samples[959])
}

func TestStreamRejectsUnknownCodec(t *testing.T) {
	_, err := NewStream(NewToneSource(440, 48000, 2), StreamConfig{Codec: "aac"})
	assert.ErrorIs(t, err, ErrUnsupportedCodec)
}

func TestStreamOpus(t *testing.T) {
	s, err := NewStream(NewToneSource(440, 48000, 2), StreamConfig{Codec: "opus"})
	require.NoError(t, err)
	s.Start(0)

	pkts, err := s.Due(100000)
	require.NoError(t, err)
	require.Len(t, pkts, 1)
	assert.NotEmpty(t, pkts[0].Payload)
	assert.Less(t, len(pkts[0].Payload), 960*2*2)
}
