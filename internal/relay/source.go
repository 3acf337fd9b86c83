// ABOUTME: Audio sources the relay streams to the earbuds
// ABOUTME: Test tone, MP3 and FLAC files (looped) and MP3 over HTTP
package relay

import (
	"encoding/binary"
	"fmt"
	"io"
	"log"
	"math"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/hajimehoshi/go-mp3"
	"github.com/mewkiz/flac"
)

// AudioSource provides interleaved 16-bit PCM
type AudioSource interface {
	// Read fills samples and returns how many were written.
	Read(samples []int16) (int, error)
	SampleRate() int
	Channels() int
	// Metadata returns title, artist, album
	Metadata() (title, artist, album string)
	Close() error
}

// NewAudioSource creates a source from a file path or HTTP URL. An empty
// path yields a 440 Hz test tone. Sources at another rate are resampled to
// sampleRate.
func NewAudioSource(pathOrURL string, sampleRate int) (AudioSource, error) {
	if pathOrURL == "" {
		return NewToneSource(440, sampleRate, 2), nil
	}

	src, err := openSource(pathOrURL)
	if err != nil {
		return nil, err
	}
	if sampleRate > 0 && src.SampleRate() != sampleRate {
		log.Printf("Resampling %d Hz to %d Hz", src.SampleRate(), sampleRate)
		return NewResampledSource(src, sampleRate), nil
	}
	return src, nil
}

func openSource(pathOrURL string) (AudioSource, error) {
	if strings.HasPrefix(pathOrURL, "http://") || strings.HasPrefix(pathOrURL, "https://") {
		log.Printf("Streaming from HTTP URL: %s", pathOrURL)
		return NewHTTPMP3Source(pathOrURL)
	}

	if _, err := os.Stat(pathOrURL); os.IsNotExist(err) {
		return nil, fmt.Errorf("audio file not found: %s", pathOrURL)
	}

	switch ext := strings.ToLower(filepath.Ext(pathOrURL)); ext {
	case ".mp3":
		return NewMP3Source(pathOrURL)
	case ".flac":
		return NewFLACSource(pathOrURL)
	default:
		return nil, fmt.Errorf("unsupported audio format: %s (supported: .mp3, .flac)", ext)
	}
}

// ToneSource generates a sine wave
type ToneSource struct {
	frequency  float64
	sampleRate int
	channels   int

	mu          sync.Mutex
	sampleIndex uint64
}

// NewToneSource creates a tone generator
func NewToneSource(frequency float64, sampleRate, channels int) *ToneSource {
	return &ToneSource{
		frequency:  frequency,
		sampleRate: sampleRate,
		channels:   channels,
	}
}

func (s *ToneSource) Read(samples []int16) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	frames := len(samples) / s.channels
	for i := 0; i < frames; i++ {
		t := float64(s.sampleIndex+uint64(i)) / float64(s.sampleRate)
		v := int16(math.Sin(2*math.Pi*s.frequency*t) * 32767.0 * 0.5) // 50% volume
		for ch := 0; ch < s.channels; ch++ {
			samples[i*s.channels+ch] = v
		}
	}
	s.sampleIndex += uint64(frames)
	return frames * s.channels, nil
}

func (s *ToneSource) SampleRate() int { return s.sampleRate }
func (s *ToneSource) Channels() int   { return s.channels }
func (s *ToneSource) Metadata() (string, string, string) {
	return fmt.Sprintf("Test Tone (%.0fHz)", s.frequency), "TWS Relay", ""
}
func (s *ToneSource) Close() error { return nil }

// MP3Source reads from an MP3 file and loops at the end
type MP3Source struct {
	file       *os.File
	decoder    *mp3.Decoder
	sampleRate int
	title      string
	buf        []byte
}

// NewMP3Source creates a new MP3 audio source
func NewMP3Source(filePath string) (*MP3Source, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open MP3 file: %w", err)
	}

	decoder, err := mp3.NewDecoder(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to decode MP3: %w", err)
	}

	title := strings.TrimSuffix(filepath.Base(filePath), filepath.Ext(filePath))
	log.Printf("Loaded MP3: %s (sample rate: %d Hz)", title, decoder.SampleRate())

	return &MP3Source{
		file:       f,
		decoder:    decoder,
		sampleRate: decoder.SampleRate(),
		title:      title,
	}, nil
}

func (s *MP3Source) Read(samples []int16) (int, error) {
	n, err := readMP3(s.decoder, samples, &s.buf)
	if err == io.EOF {
		if _, seekErr := s.file.Seek(0, io.SeekStart); seekErr != nil {
			return n, fmt.Errorf("failed to seek to start: %w", seekErr)
		}
		decoder, decErr := mp3.NewDecoder(s.file)
		if decErr != nil {
			return n, fmt.Errorf("failed to create new decoder: %w", decErr)
		}
		s.decoder = decoder
		return n, nil
	}
	return n, err
}

func (s *MP3Source) SampleRate() int { return s.sampleRate }

// Channels is always 2; go-mp3 decodes to stereo.
func (s *MP3Source) Channels() int { return 2 }
func (s *MP3Source) Metadata() (string, string, string) {
	return s.title, "Unknown Artist", "Unknown Album"
}
func (s *MP3Source) Close() error {
	return s.file.Close()
}

// readMP3 fills samples from an int16 little-endian byte stream.
func readMP3(r io.Reader, samples []int16, scratch *[]byte) (int, error) {
	need := len(samples) * 2
	if cap(*scratch) < need {
		*scratch = make([]byte, need)
	}
	buf := (*scratch)[:need]

	n, err := io.ReadFull(r, buf)
	if err == io.ErrUnexpectedEOF {
		err = io.EOF
	}
	count := n / 2
	for i := 0; i < count; i++ {
		samples[i] = int16(binary.LittleEndian.Uint16(buf[i*2:]))
	}
	return count, err
}

// FLACSource reads from a FLAC file and loops at the end
type FLACSource struct {
	file       *os.File
	stream     *flac.Stream
	sampleRate int
	channels   int
	bitDepth   int
	title      string

	// decoded frames not yet returned
	pending []int16
}

// NewFLACSource creates a new FLAC audio source
func NewFLACSource(filePath string) (*FLACSource, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open FLAC file: %w", err)
	}

	stream, err := flac.New(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to decode FLAC: %w", err)
	}

	info := stream.Info
	title := strings.TrimSuffix(filepath.Base(filePath), filepath.Ext(filePath))
	log.Printf("Loaded FLAC: %s (sample rate: %d Hz, channels: %d, bit depth: %d)",
		title, info.SampleRate, info.NChannels, info.BitsPerSample)

	return &FLACSource{
		file:       f,
		stream:     stream,
		sampleRate: int(info.SampleRate),
		channels:   int(info.NChannels),
		bitDepth:   int(info.BitsPerSample),
		title:      title,
	}, nil
}

func (s *FLACSource) Read(samples []int16) (int, error) {
	read := 0
	for read < len(samples) {
		if len(s.pending) == 0 {
			if err := s.decodeFrame(); err != nil {
				return read, err
			}
			continue
		}
		n := copy(samples[read:], s.pending)
		s.pending = s.pending[n:]
		read += n
	}
	return read, nil
}

func (s *FLACSource) decodeFrame() error {
	frame, err := s.stream.ParseNext()
	if err == io.EOF {
		if _, seekErr := s.file.Seek(0, io.SeekStart); seekErr != nil {
			return fmt.Errorf("failed to seek to start: %w", seekErr)
		}
		stream, decErr := flac.New(s.file)
		if decErr != nil {
			return fmt.Errorf("failed to create new stream: %w", decErr)
		}
		s.stream = stream
		return nil
	}
	if err != nil {
		return err
	}

	out := make([]int16, 0, int(frame.BlockSize)*s.channels)
	for i := 0; i < int(frame.BlockSize); i++ {
		for ch := 0; ch < s.channels; ch++ {
			out = append(out, to16(frame.Subframes[ch].Samples[i], s.bitDepth))
		}
	}
	s.pending = out
	return nil
}

// to16 scales a sample of the given bit depth to 16 bits.
func to16(sample int32, bitDepth int) int16 {
	switch {
	case bitDepth > 16:
		return int16(sample >> (bitDepth - 16))
	case bitDepth < 16:
		return int16(sample << (16 - bitDepth))
	default:
		return int16(sample)
	}
}

func (s *FLACSource) SampleRate() int { return s.sampleRate }
func (s *FLACSource) Channels() int   { return s.channels }
func (s *FLACSource) Metadata() (string, string, string) {
	return s.title, "Unknown Artist", "Unknown Album"
}
func (s *FLACSource) Close() error {
	return s.file.Close()
}

// HTTPMP3Source streams MP3 from an HTTP URL. It ends at EOF.
type HTTPMP3Source struct {
	url        string
	response   *http.Response
	decoder    *mp3.Decoder
	sampleRate int
	buf        []byte
}

// NewHTTPMP3Source creates a new HTTP MP3 streaming source
func NewHTTPMP3Source(url string) (*HTTPMP3Source, error) {
	resp, err := http.Get(url)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch HTTP stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("HTTP error: %s", resp.Status)
	}

	decoder, err := mp3.NewDecoder(resp.Body)
	if err != nil {
		resp.Body.Close()
		return nil, fmt.Errorf("failed to decode MP3 stream: %w", err)
	}

	log.Printf("Streaming MP3 from HTTP: %s (sample rate: %d Hz)", url, decoder.SampleRate())

	return &HTTPMP3Source{
		url:        url,
		response:   resp,
		decoder:    decoder,
		sampleRate: decoder.SampleRate(),
	}, nil
}

func (s *HTTPMP3Source) Read(samples []int16) (int, error) {
	return readMP3(s.decoder, samples, &s.buf)
}

func (s *HTTPMP3Source) SampleRate() int { return s.sampleRate }
func (s *HTTPMP3Source) Channels() int   { return 2 }
func (s *HTTPMP3Source) Metadata() (string, string, string) {
	return "HTTP Stream", s.url, ""
}
func (s *HTTPMP3Source) Close() error {
	return s.response.Body.Close()
}
