package tui

import (
	tea "github.com/charmbracelet/bubbletea"

	"github.com/fentz26/cascade/internal/controlplane"
	"github.com/fentz26/cascade/internal/models"
)

// EventMsg carries one controller notification into the program.
type EventMsg controlplane.Event

// DoneMsg reports that the run returned.
type DoneMsg struct {
	Status models.RunStatus
	Reason string
	Answer string
	Err    error
}

// Control is the part of a run the view can steer.
type Control interface {
	Pause()
	Resume()
	Paused() bool
}

// Notifier returns a Notify callback that forwards events into p.
func Notifier(p *tea.Program) func(controlplane.Event) {
	return func(ev controlplane.Event) {
		p.Send(EventMsg(ev))
	}
}
