// ABOUTME: Tests for configuration loading
// ABOUTME: Covers YAML parsing, defaults, .env files and validation
package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sendspin/twsync/pkg/aps"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	c, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "full", c.Earbud.Mode)
	assert.Equal(t, "dac", c.Earbud.Output)
	assert.Equal(t, 8927, c.Relay.Port)
	assert.Equal(t, 20*time.Millisecond, c.Relay.PacketDuration)
	assert.True(t, c.Relay.MDNS)
	assert.Equal(t, aps.ModeFull, c.Earbud.SessionMode())
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "tws.yaml", `
earbud:
  relay: 192.168.1.20:8927
  side: right
  mode: simple
  output: oto
  device_latency: 12ms
  drift_ppm: -35.5
relay:
  codec: opus
  mdns: false
  start_delay: 500ms
engine:
  default_level: 5
  window: 400ms
trace:
  db: /tmp/trace.db
`)
	c, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "192.168.1.20:8927", c.Earbud.Relay)
	assert.Equal(t, "right", c.Earbud.Side)
	assert.Equal(t, aps.ModeSimple, c.Earbud.SessionMode())
	assert.Equal(t, "oto", c.Earbud.Output)
	assert.Equal(t, 12*time.Millisecond, c.Earbud.DeviceLatency)
	assert.InDelta(t, -35.5, c.Earbud.DriftPPM, 1e-9)
	assert.Equal(t, "opus", c.Relay.Codec)
	assert.False(t, c.Relay.MDNS)
	assert.Equal(t, 500*time.Millisecond, c.Relay.StartDelay)
	// Unset keys keep their defaults.
	assert.Equal(t, 200*time.Millisecond, c.Relay.Lead)
	assert.Equal(t, "/tmp/trace.db", c.Trace.DB)

	ac, err := c.Engine.APS()
	require.NoError(t, err)
	assert.Equal(t, aps.Level(5), ac.DefaultLevel)
	assert.Equal(t, 400*time.Millisecond, ac.Window)
	assert.Equal(t, uint32(40000), ac.TargetOccupancyUs)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"mode":   "earbud:\n  mode: loud\n",
		"output": "earbud:\n  output: alsa\n",
		"side":   "earbud:\n  side: middle\n",
		"codec":  "relay:\n  codec: aac\n",
		"level":  "engine:\n  default_level: 8\n",
		"yaml":   "earbud: [\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeFile(t, "bad.yaml", body))
			assert.Error(t, err)
		})
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("TWS_RELAY", "10.0.0.2:9000")
	t.Setenv("TWS_PORT", "9100")
	t.Setenv("TWS_DRIFT_PPM", "20")

	c, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.2:9000", c.Earbud.Relay)
	assert.Equal(t, 9100, c.Relay.Port)
	assert.InDelta(t, 20.0, c.Earbud.DriftPPM, 1e-9)

	t.Setenv("TWS_PORT", "many")
	_, err = Load("")
	assert.Error(t, err)
}

func TestLoadEnvFile(t *testing.T) {
	const key = "TWS_TRACE_DB"
	require.Empty(t, os.Getenv(key))
	t.Cleanup(func() { os.Unsetenv(key) })

	env := writeFile(t, ".env", key+"=/var/lib/tws/trace.db\n")
	c := Default()
	require.NoError(t, LoadEnv(c, env, filepath.Join(t.TempDir(), "absent.env")))
	assert.Equal(t, "/var/lib/tws/trace.db", c.Trace.DB)
}
