// ABOUTME: TUI initialization and control
// ABOUTME: Wraps the bubbletea program for the earbud UI
package ui

import (
	tea "github.com/charmbracelet/bubbletea"
)

// VolumeChangeMsg is emitted when the user changes volume or mute.
type VolumeChangeMsg struct {
	Volume int
	Muted  bool
}

// QuitMsg is emitted when the user quits.
type QuitMsg struct{}

// VolumeControl holds channels for volume control communication
type VolumeControl struct {
	Changes chan VolumeChangeMsg
	Quit    chan QuitMsg
}

// NewVolumeControl creates a new volume control handler
func NewVolumeControl() *VolumeControl {
	return &VolumeControl{
		Changes: make(chan VolumeChangeMsg, 10),
		Quit:    make(chan QuitMsg, 1),
	}
}

// NewModel creates a new TUI model
func NewModel(volCtrl *VolumeControl) Model {
	return Model{
		volume:     100,
		volumeCtrl: volCtrl,
	}
}

// Run creates the TUI program; the caller runs it and feeds it StatusMsg
// values through Send.
func Run(volCtrl *VolumeControl) *tea.Program {
	return tea.NewProgram(NewModel(volCtrl), tea.WithAltScreen())
}
