// ABOUTME: Relay TUI listing the connected earbuds and their sync state
// ABOUTME: Real-time relay status display using bubbletea
package ui

import (
	"fmt"
	"strings"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/Sendspin/twsync/internal/relay"
	"github.com/Sendspin/twsync/pkg/aps"
)

// RelayTUI manages the relay TUI
type RelayTUI struct {
	updates  chan relay.Status
	quitChan chan struct{}

	mu      sync.Mutex
	program *tea.Program
	stopped bool
}

type relayModel struct {
	status    relay.Status
	startTime time.Time
	now       func() time.Time
	quitting  bool
	quitChan  chan struct{}
}

type tickMsg time.Time
type relayStatusMsg relay.Status

func newRelayModel(name string, port int, quit chan struct{}) relayModel {
	return relayModel{
		status:    relay.Status{Name: name, Port: port},
		startTime: time.Now(),
		now:       time.Now,
		quitChan:  quit,
	}
}

func (m relayModel) Init() tea.Cmd {
	return tickEvery()
}

func tickEvery() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m relayModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "q" || msg.String() == "ctrl+c" {
			m.quitting = true
			select {
			case m.quitChan <- struct{}{}:
			default:
			}
			return m, tea.Quit
		}

	case tickMsg:
		return m, tickEvery()

	case relayStatusMsg:
		m.status = relay.Status(msg)
	}

	return m, nil
}

func (m relayModel) View() string {
	if m.quitting {
		return "Shutting down relay...\n"
	}

	var b strings.Builder
	b.WriteString(titleStyle.Render("TWS Relay"))
	b.WriteString("\n\n")

	b.WriteString(field("Relay:", m.status.Name))
	b.WriteString(field("Port:", fmt.Sprintf("%d", m.status.Port)))
	b.WriteString(field("Uptime:", m.now().Sub(m.startTime).Round(time.Second).String()))

	stream := "paused"
	if m.status.Streaming {
		stream = fmt.Sprintf("%s  %s  seq %d", truncate(m.status.StreamID, 8), m.status.Format, m.status.NextSeq)
	}
	b.WriteString(field("Stream:", stream))
	b.WriteString(field("Restart:", fmt.Sprintf("%d", m.status.Restarts)))
	b.WriteString("\n")

	b.WriteString(warnStyle.Bold(true).Render(fmt.Sprintf("Earbuds (%d)", len(m.status.Peers))))
	b.WriteString("\n\n")

	if len(m.status.Peers) == 0 {
		b.WriteString(valueStyle.Render("  No earbuds connected"))
		b.WriteString("\n")
	}
	for _, p := range m.status.Peers {
		b.WriteString(fmt.Sprintf("  • %-12s %-6s", truncate(p.Name, 12), p.Role))
		u := p.Update
		detail := u.State
		if u.State != "" && u.State != "idle" {
			detail = fmt.Sprintf("%s  level %d  buffer %.1fms  restarts %d",
				u.State, u.Level, float64(u.BufferUs)/1000.0, u.Restarts)
		}
		b.WriteString(valueStyle.Render(" " + detail))
		if p.Role == aps.RoleNone {
			b.WriteString(faintStyle.Render(" (unpaired)"))
		}
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(faintStyle.Render("Press 'q' or Ctrl+C to quit"))
	return b.String()
}

// NewRelayTUI creates a new relay TUI
func NewRelayTUI() *RelayTUI {
	return &RelayTUI{
		updates:  make(chan relay.Status, 10),
		quitChan: make(chan struct{}, 1),
	}
}

// Start runs the TUI until the user quits or Stop is called.
func (t *RelayTUI) Start(name string, port int) error {
	program := tea.NewProgram(newRelayModel(name, port, t.quitChan), tea.WithAltScreen())
	t.mu.Lock()
	t.program = program
	t.mu.Unlock()

	go func() {
		for status := range t.updates {
			program.Send(relayStatusMsg(status))
		}
	}()

	_, err := program.Run()
	return err
}

// Update sends a status update to the TUI without blocking.
func (t *RelayTUI) Update(status relay.Status) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	select {
	case t.updates <- status:
	default:
	}
}

// Stop stops the TUI
func (t *RelayTUI) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	t.stopped = true
	if t.program != nil {
		t.program.Quit()
	}
	close(t.updates)
}

// QuitChan signals when the user wants to quit
func (t *RelayTUI) QuitChan() <-chan struct{} {
	return t.quitChan
}
