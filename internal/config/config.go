// ABOUTME: Configuration for the earbud, the relay and the sync engine
// ABOUTME: YAML file, then .env and environment overrides; flags are applied by the binaries
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/Sendspin/twsync/pkg/aps"
)

// Config is the full configuration file.
type Config struct {
	Earbud Earbud `yaml:"earbud"`
	Relay  Relay  `yaml:"relay"`
	Engine Engine `yaml:"engine"`
	Trace  Trace  `yaml:"trace"`
}

// Earbud configures one earbud node.
type Earbud struct {
	// Relay is host:port; empty means discover over mDNS.
	Relay  string `yaml:"relay"`
	Name   string `yaml:"name"`
	PeerID string `yaml:"peer_id"`
	Side   string `yaml:"side"`
	Mode   string `yaml:"mode"` // full or simple

	Output        string        `yaml:"output"` // dac or oto
	DeviceLatency time.Duration `yaml:"device_latency"`
	Capacity      time.Duration `yaml:"capacity"`
	DriftPPM      float64       `yaml:"drift_ppm"`
	Volume        int           `yaml:"volume"`

	StatusInterval time.Duration `yaml:"status_interval"`
	TUI            bool          `yaml:"tui"`
	Debug          bool          `yaml:"debug"`
}

// Relay configures the relay.
type Relay struct {
	Port       int    `yaml:"port"`
	Name       string `yaml:"name"`
	Audio      string `yaml:"audio"` // file path or URL; empty = test tone
	Codec      string `yaml:"codec"`
	SampleRate int    `yaml:"sample_rate"`

	PacketDuration time.Duration `yaml:"packet_duration"`
	StartDelay     time.Duration `yaml:"start_delay"`
	Lead           time.Duration `yaml:"lead"`
	RestartHoldoff time.Duration `yaml:"restart_holdoff"`

	MDNS  bool `yaml:"mdns"`
	TUI   bool `yaml:"tui"`
	Debug bool `yaml:"debug"`
}

// Engine holds the sync engine tunables. Zero values keep the engine
// defaults.
type Engine struct {
	DefaultLevel         int           `yaml:"default_level"`
	TargetOccupancyUs    uint32        `yaml:"target_occupancy_us"`
	Window               time.Duration `yaml:"window"`
	MinAdjustInterval    time.Duration `yaml:"min_adjust_interval"`
	SlowAdjustInterval   time.Duration `yaml:"slow_adjust_interval"`
	MaxPhaseErrorUs      uint32        `yaml:"max_phase_error_us"`
	MinPhaseErrorUs      uint32        `yaml:"min_phase_error_us"`
	DecodeErrorThreshold int           `yaml:"decode_error_threshold"`
}

// Trace configures the diagnostic store.
type Trace struct {
	// DB is the SQLite path; empty disables tracing.
	DB     string `yaml:"db"`
	Buffer int    `yaml:"buffer"`
}

// Default returns the built-in configuration.
func Default() *Config {
	host, _ := os.Hostname()
	if host == "" {
		host = "earbud"
	}
	return &Config{
		Earbud: Earbud{
			Name:           host,
			Mode:           "full",
			Output:         "dac",
			DeviceLatency:  5 * time.Millisecond,
			Capacity:       200 * time.Millisecond,
			Volume:         100,
			StatusInterval: time.Second,
			TUI:            true,
		},
		Relay: Relay{
			Port:           8927,
			Name:           "TWS Relay",
			Codec:          "pcm",
			SampleRate:     48000,
			PacketDuration: 20 * time.Millisecond,
			StartDelay:     300 * time.Millisecond,
			Lead:           200 * time.Millisecond,
			RestartHoldoff: 500 * time.Millisecond,
			MDNS:           true,
			TUI:            true,
		},
		// A packet lands in the queue at its low point, so the peak sits one
		// packet above the release lead.
		Engine: Engine{TargetOccupancyUs: 40000},
		Trace:  Trace{Buffer: 1024},
	}
}

// Load reads path on top of the defaults. An empty path returns the
// defaults. Environment overrides are applied last.
func Load(path string) (*Config, error) {
	c := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, c); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	if err := LoadEnv(c); err != nil {
		return nil, err
	}
	applyDefaults(c)
	return c, c.Validate()
}

// LoadEnv loads .env files (missing ones are skipped) into the process
// environment and applies the TWS_* overrides to c.
func LoadEnv(c *Config, files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return applyEnv(c)
}

func applyEnv(c *Config) error {
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}
	str("TWS_RELAY", &c.Earbud.Relay)
	str("TWS_NAME", &c.Earbud.Name)
	str("TWS_PEER_ID", &c.Earbud.PeerID)
	str("TWS_SIDE", &c.Earbud.Side)
	str("TWS_OUTPUT", &c.Earbud.Output)
	str("TWS_RELAY_NAME", &c.Relay.Name)
	str("TWS_AUDIO", &c.Relay.Audio)
	str("TWS_CODEC", &c.Relay.Codec)
	str("TWS_TRACE_DB", &c.Trace.DB)

	if v := os.Getenv("TWS_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("TWS_PORT: %w", err)
		}
		c.Relay.Port = port
	}
	if v := os.Getenv("TWS_DRIFT_PPM"); v != "" {
		ppm, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("TWS_DRIFT_PPM: %w", err)
		}
		c.Earbud.DriftPPM = ppm
	}
	return nil
}

func applyDefaults(c *Config) {
	d := Default()
	if c.Earbud.Mode == "" {
		c.Earbud.Mode = d.Earbud.Mode
	}
	if c.Earbud.Output == "" {
		c.Earbud.Output = d.Earbud.Output
	}
	if c.Earbud.Capacity <= 0 {
		c.Earbud.Capacity = d.Earbud.Capacity
	}
	if c.Earbud.StatusInterval <= 0 {
		c.Earbud.StatusInterval = d.Earbud.StatusInterval
	}
	if c.Relay.Port == 0 {
		c.Relay.Port = d.Relay.Port
	}
	if c.Relay.Codec == "" {
		c.Relay.Codec = d.Relay.Codec
	}
	if c.Relay.SampleRate == 0 {
		c.Relay.SampleRate = d.Relay.SampleRate
	}
	if c.Trace.Buffer <= 0 {
		c.Trace.Buffer = d.Trace.Buffer
	}
}

// Validate checks values the binaries cannot recover from.
func (c *Config) Validate() error {
	switch c.Earbud.Mode {
	case "full", "simple":
	default:
		return fmt.Errorf("earbud.mode must be full or simple, got %q", c.Earbud.Mode)
	}
	switch c.Earbud.Output {
	case "dac", "oto":
	default:
		return fmt.Errorf("earbud.output must be dac or oto, got %q", c.Earbud.Output)
	}
	switch c.Earbud.Side {
	case "", "left", "right":
	default:
		return fmt.Errorf("earbud.side must be left or right, got %q", c.Earbud.Side)
	}
	if c.Earbud.Volume < 0 || c.Earbud.Volume > 100 {
		return fmt.Errorf("earbud.volume must be 0-100, got %d", c.Earbud.Volume)
	}
	switch c.Relay.Codec {
	case "pcm", "opus":
	default:
		return fmt.Errorf("relay.codec must be pcm or opus, got %q", c.Relay.Codec)
	}
	if c.Relay.Port < 0 || c.Relay.Port > 65535 {
		return fmt.Errorf("relay.port out of range: %d", c.Relay.Port)
	}
	if _, err := c.Engine.APS(); err != nil {
		return err
	}
	return nil
}

// SessionMode maps Earbud.Mode onto the engine mode.
func (e Earbud) SessionMode() aps.Mode {
	if e.Mode == "simple" {
		return aps.ModeSimple
	}
	return aps.ModeFull
}

// APS converts the tunables into an engine configuration with the engine
// defaults filled in, and validates it.
func (e Engine) APS() (aps.Config, error) {
	c := aps.DefaultConfig()
	if e.DefaultLevel != 0 {
		c.DefaultLevel = aps.Level(e.DefaultLevel)
	}
	if e.TargetOccupancyUs != 0 {
		c.TargetOccupancyUs = e.TargetOccupancyUs
	}
	if e.Window != 0 {
		c.Window = e.Window
	}
	if e.MinAdjustInterval != 0 {
		c.MinAdjustInterval = e.MinAdjustInterval
	}
	if e.SlowAdjustInterval != 0 {
		c.SlowAdjustInterval = e.SlowAdjustInterval
	}
	if e.MaxPhaseErrorUs != 0 {
		c.MaxPhaseErrorUs = e.MaxPhaseErrorUs
	}
	if e.MinPhaseErrorUs != 0 {
		c.MinPhaseErrorUs = e.MinPhaseErrorUs
	}
	if e.DecodeErrorThreshold != 0 {
		c.DecodeErrorThreshold = e.DecodeErrorThreshold
	}
	if err := c.Validate(); err != nil {
		return aps.Config{}, err
	}
	return c, nil
}
