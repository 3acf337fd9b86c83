// ABOUTME: Bubbletea model for the earbud status TUI
// ABOUTME: Shows link, clock sync, stream format and the sync engine's level state
package ui

import (
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	clocksync "github.com/Sendspin/twsync/internal/sync"
	"github.com/Sendspin/twsync/pkg/aps"
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("86"))
	valueStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("250"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	levelStyle  = lipgloss.NewStyle().Bold(true).Reverse(true)
	faintStyle  = lipgloss.NewStyle().Faint(true)
)

// Model represents the TUI state
type Model struct {
	// Link
	connected bool
	relayName string
	role      aps.Role
	side      string

	// Sync
	syncOffset  int64
	syncRTT     int64
	syncQuality clocksync.Quality

	// Stream
	streamID   string
	codec      string
	sampleRate int
	channels   int
	bitDepth   int

	// Engine
	engine aps.Status
	ppm    float64

	// Playback
	volume int
	muted  bool

	// Stats
	received  int64
	played    int64
	dropped   int64
	occupancy uint32

	showDebug bool

	width  int
	height int

	volumeCtrl *VolumeControl
}

// Init initializes the model
func (m Model) Init() tea.Cmd {
	return nil
}

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
	case StatusMsg:
		m.applyStatus(msg)
	}

	return m, nil
}

// View renders the TUI
func (m Model) View() string {
	if m.width == 0 {
		return "Loading..."
	}

	var b strings.Builder
	b.WriteString(m.renderHeader())
	b.WriteString(m.renderStream())
	b.WriteString(m.renderEngine())
	b.WriteString(m.renderStats())
	if m.showDebug {
		b.WriteString(m.renderDebug())
	}
	b.WriteString(m.renderHelp())
	return b.String()
}

func field(name, value string) string {
	return headerStyle.Render(fmt.Sprintf("%-8s", name)) + valueStyle.Render(value) + "\n"
}

// renderHeader renders link and clock status
func (m Model) renderHeader() string {
	var b strings.Builder
	title := "TWS Earbud"
	if m.side != "" {
		title += " (" + m.side + ")"
	}
	b.WriteString(titleStyle.Render(title))
	b.WriteString("\n\n")

	link := "Disconnected"
	if m.connected {
		link = fmt.Sprintf("Connected to %s as %s", m.relayName, m.role)
	}
	b.WriteString(field("Link:", link))

	syncText := "Lost"
	switch m.syncQuality {
	case clocksync.QualityGood:
		syncText = fmt.Sprintf("Synced (offset: %+.1fms, rtt: %.1fms)",
			float64(m.syncOffset)/1000.0, float64(m.syncRTT)/1000.0)
	case clocksync.QualityDegraded:
		syncText = "Degraded"
	}
	b.WriteString(field("Clock:", syncText))
	return b.String()
}

// renderStream renders the current stream format
func (m Model) renderStream() string {
	if !m.connected || m.codec == "" {
		return field("Stream:", "none")
	}
	return field("Stream:", fmt.Sprintf("%s %dHz %s %d-bit [%s]",
		m.codec, m.sampleRate, channelName(m.channels), m.bitDepth, truncate(m.streamID, 8)))
}

// renderEngine renders the actuator level and fault state
func (m Model) renderEngine() string {
	var b strings.Builder
	b.WriteString("\n")
	if !m.engine.Initialized {
		b.WriteString(field("Engine:", "idle"))
		return b.String()
	}

	b.WriteString(headerStyle.Render(fmt.Sprintf("%-8s", "Level:")))
	b.WriteString(renderLevels(m.engine.Current, m.engine.Dest))
	b.WriteString(valueStyle.Render(fmt.Sprintf("  %+.0fppm", m.ppm)))
	b.WriteString("\n")

	b.WriteString(field("Buffer:", fmt.Sprintf("%.1fms (peak %.1fms)",
		float64(m.occupancy)/1000.0, float64(m.engine.WindowPeakUs)/1000.0)))

	if m.engine.SessionActive {
		b.WriteString(field("Phase:", fmt.Sprintf("aligning toward level %d", m.engine.SessionTarget)))
	}
	if m.engine.Fault == aps.FaultRestarting {
		b.WriteString(warnStyle.Render(fmt.Sprintf("Restarting (%d so far)", m.engine.Restarts)))
		b.WriteString("\n")
	}
	return b.String()
}

// renderStats renders playback statistics and volume
func (m Model) renderStats() string {
	mute := ""
	if m.muted {
		mute = " (muted)"
	}
	return "\n" +
		field("Volume:", fmt.Sprintf("[%s] %d%%%s", renderBar(m.volume, 100, 10), m.volume, mute)) +
		field("Stats:", fmt.Sprintf("RX: %d  Played: %d  Dropped: %d  Restarts: %d",
			m.received, m.played, m.dropped, m.engine.Restarts))
}

// renderDebug renders engine internals
func (m Model) renderDebug() string {
	s := m.engine.Start
	return "\n" + faintStyle.Render(fmt.Sprintf(
		"checks=%d default=%d mode=%s first_seq=%d decode=%t streaming=%t last_seq=%d",
		m.engine.CheckCount, m.engine.Default, m.engine.Mode,
		s.Seq, s.DecodeStarted, s.StreamingStarted, m.engine.LastPacket.Seq)) + "\n"
}

// renderHelp renders keyboard shortcuts
func (m Model) renderHelp() string {
	return "\n" + faintStyle.Render("↑/↓:Volume  m:Mute  d:Debug  q:Quit") + "\n"
}

// renderLevels draws the level scale with the current level highlighted
// and the destination marked.
func renderLevels(current, dest aps.Level) string {
	parts := make([]string, 0, aps.MaxLevel)
	for l := aps.MinLevel; l <= aps.MaxLevel; l++ {
		s := fmt.Sprintf(" %d ", l)
		switch {
		case l == current:
			s = levelStyle.Render(s)
		case l == dest:
			s = warnStyle.Render(fmt.Sprintf(">%d<", l))
		default:
			s = faintStyle.Render(s)
		}
		parts = append(parts, s)
	}
	return strings.Join(parts, "")
}

// handleKey handles keyboard input
func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		if m.volumeCtrl != nil {
			select {
			case m.volumeCtrl.Quit <- QuitMsg{}:
			default:
			}
		}
		return m, tea.Quit
	case "up":
		m.volume = min(m.volume+5, 100)
		m.notifyVolume()
	case "down":
		m.volume = max(m.volume-5, 0)
		m.notifyVolume()
	case "m":
		m.muted = !m.muted
		m.notifyVolume()
	case "d":
		m.showDebug = !m.showDebug
	}

	return m, nil
}

func (m Model) notifyVolume() {
	if m.volumeCtrl == nil {
		return
	}
	select {
	case m.volumeCtrl.Changes <- VolumeChangeMsg{Volume: m.volume, Muted: m.muted}:
	default:
	}
}

// applyStatus updates model from status message
func (m *Model) applyStatus(msg StatusMsg) {
	if msg.Connected != nil {
		m.connected = *msg.Connected
	}
	if msg.RelayName != "" {
		m.relayName = msg.RelayName
	}
	if msg.Side != "" {
		m.side = msg.Side
	}
	if msg.Clock != nil {
		m.syncOffset = msg.Clock.Offset
		m.syncRTT = msg.Clock.RTT
		m.syncQuality = msg.Clock.Quality
	}
	if msg.Codec != "" {
		m.streamID = msg.StreamID
		m.codec = msg.Codec
		m.sampleRate = msg.SampleRate
		m.channels = msg.Channels
		m.bitDepth = msg.BitDepth
	}
	if msg.Engine != nil {
		m.engine = *msg.Engine
		m.role = msg.Engine.Role
		m.ppm = msg.PPM
		m.occupancy = msg.OccupancyUs
	}
	if msg.Volume != 0 {
		m.volume = msg.Volume
	}
	if msg.Received != 0 {
		m.received = msg.Received
		m.played = msg.Played
		m.dropped = msg.Dropped
	}
}

// ClockStatus is the clock sync part of a StatusMsg.
type ClockStatus struct {
	Offset  int64
	RTT     int64
	Quality clocksync.Quality
}

// StatusMsg updates TUI state. Zero and nil fields leave the current value.
type StatusMsg struct {
	Connected  *bool
	RelayName  string
	Side       string
	Clock      *ClockStatus
	StreamID   string
	Codec      string
	SampleRate int
	Channels   int
	BitDepth   int

	Engine      *aps.Status
	PPM         float64
	OccupancyUs uint32

	Volume   int
	Received int64
	Played   int64
	Dropped  int64
}

// Utility functions
func renderBar(value, max, width int) string {
	filled := (value * width) / max
	return strings.Repeat("█", filled) + strings.Repeat("░", width-filled)
}

func truncate(s string, length int) string {
	if len(s) <= length {
		return s
	}
	if length <= 3 {
		return s[:length]
	}
	return s[:length-3] + "..."
}

func channelName(channels int) string {
	if channels == 1 {
		return "Mono"
	}
	return "Stereo"
}
