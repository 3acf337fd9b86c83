// ABOUTME: Sample rate conversion for relay audio sources
// ABOUTME: Streams a source at the relay's packet rate using linear interpolation
package relay

// ResampledSource converts an AudioSource to another sample rate. Channels,
// metadata and Close come from the wrapped source.
type ResampledSource struct {
	AudioSource
	rate     int
	channels int
	// step is input frames per output frame.
	step float64

	// pos is the output position between prev (0) and cur (1).
	pos  float64
	prev []int16
	cur  []int16

	buf    []int16
	bufPos int
	bufLen int
}

// NewResampledSource wraps src to produce audio at rate.
func NewResampledSource(src AudioSource, rate int) *ResampledSource {
	ch := src.Channels()
	return &ResampledSource{
		AudioSource: src,
		rate:        rate,
		channels:    ch,
		step:        float64(src.SampleRate()) / float64(rate),
		// Two frames are loaded before the first output sample.
		pos:  2,
		prev: make([]int16, ch),
		cur:  make([]int16, ch),
		buf:  make([]int16, 1024*ch),
	}
}

// SampleRate returns the output rate.
func (r *ResampledSource) SampleRate() int {
	return r.rate
}

// Read fills whole frames of samples. A short count means the wrapped
// source had nothing more for now.
func (r *ResampledSource) Read(samples []int16) (int, error) {
	ch := r.channels
	n := 0
	for n+ch <= len(samples) {
		for r.pos >= 1 {
			ok, err := r.advance()
			if err != nil {
				return n, err
			}
			if !ok {
				return n, nil
			}
			r.pos--
		}
		for c := 0; c < ch; c++ {
			v := float64(r.prev[c])*(1-r.pos) + float64(r.cur[c])*r.pos
			samples[n+c] = int16(v)
		}
		n += ch
		r.pos += r.step
	}
	return n, nil
}

// advance moves one input frame forward.
func (r *ResampledSource) advance() (bool, error) {
	if r.bufPos+r.channels > r.bufLen {
		m, err := r.AudioSource.Read(r.buf)
		if err != nil {
			return false, err
		}
		m -= m % r.channels
		if m == 0 {
			return false, nil
		}
		r.bufPos, r.bufLen = 0, m
	}
	r.prev, r.cur = r.cur, r.prev
	copy(r.cur, r.buf[r.bufPos:r.bufPos+r.channels])
	r.bufPos += r.channels
	return true, nil
}
