// ABOUTME: Tests for source resampling
// ABOUTME: Checks interpolation, channel layout and short reads of the wrapped source
package relay

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// rampSource yields frame i as i*10 on channel 0 and -i*10 on channel 1,
// up to limit frames.
type rampSource struct {
	rate     int
	channels int
	frame    int
	limit    int
}

func (s *rampSource) Read(samples []int16) (int, error) {
	n := 0
	for n+s.channels <= len(samples) && s.frame < s.limit {
		for c := 0; c < s.channels; c++ {
			v := int16(s.frame * 10)
			if c == 1 {
				v = -v
			}
			samples[n+c] = v
		}
		n += s.channels
		s.frame++
	}
	return n, nil
}

func (s *rampSource) SampleRate() int                    { return s.rate }
func (s *rampSource) Channels() int                      { return s.channels }
func (s *rampSource) Metadata() (string, string, string) { return "ramp", "", "" }
func (s *rampSource) Close() error                       { return nil }

func TestResampleUp(t *testing.T) {
	r := NewResampledSource(&rampSource{rate: 1000, channels: 1, limit: 1000}, 2000)
	assert.Equal(t, 2000, r.SampleRate())
	assert.Equal(t, 1, r.Channels())

	out := make([]int16, 6)
	n, err := r.Read(out)
	require.NoError(t, err)
	assert.Equal(t, 6, n)
	assert.Equal(t, []int16{0, 5, 10, 15, 20, 25}, out)

	// Interpolation continues across reads.
	n, err = r.Read(out[:2])
	require.NoError(t, err)
	assert.Equal(t, []int16{30, 35}, out[:n])
}

func TestResampleDownStereo(t *testing.T) {
	r := NewResampledSource(&rampSource{rate: 2000, channels: 2, limit: 1000}, 1000)

	out := make([]int16, 6)
	n, err := r.Read(out)
	require.NoError(t, err)
	assert.Equal(t, 6, n)
	assert.Equal(t, []int16{0, 0, 20, -20, 40, -40}, out)

	title, _, _ := r.Metadata()
	assert.Equal(t, "ramp", title)
}

func TestResampleShortRead(t *testing.T) {
	r := NewResampledSource(&rampSource{rate: 1000, channels: 1, limit: 3}, 2000)

	out := make([]int16, 10)
	n, err := r.Read(out)
	require.NoError(t, err)
	// Three input frames interpolate to four output frames before the
	// source runs dry.
	assert.Equal(t, []int16{0, 5, 10, 15}, out[:n])
}
